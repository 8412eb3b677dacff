package threadid

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestRootTokenPriority(t *testing.T) {
	tests := []struct {
		name       string
		headers    Headers
		wantToken  string
		wantSource RootSource
	}{
		{
			name: "references first entry wins",
			headers: Headers{
				MessageID:  "<c@x.com>",
				InReplyTo:  "<b@x.com>",
				References: []string{"<a@x.com>", "<b@x.com>"},
			},
			wantToken:  "<a@x.com>",
			wantSource: SourceReferences,
		},
		{
			name:       "skips invalid references",
			headers:    Headers{References: []string{"junk", "a@x.com"}},
			wantToken:  "<a@x.com>",
			wantSource: SourceReferences,
		},
		{
			name:       "in-reply-to without references",
			headers:    Headers{MessageID: "<c@x.com>", InReplyTo: "b@x.com"},
			wantToken:  "<b@x.com>",
			wantSource: SourceInReplyTo,
		},
		{
			name:       "own message id",
			headers:    Headers{MessageID: " <c@x.com>\n"},
			wantToken:  "<c@x.com>",
			wantSource: SourceMessageID,
		},
		{
			name:       "subject when no headers",
			headers:    Headers{Subject: "Re: Quarterly  Report"},
			wantToken:  "subject:quarterly report",
			wantSource: SourceSubject,
		},
		{
			name:       "fallback from key",
			headers:    Headers{Key: "k1"},
			wantToken:  "fallback:k1",
			wantSource: SourceFallback,
		},
		{
			name:       "forward without headers falls back",
			headers:    Headers{Key: "k2", Subject: "Fwd: Quarterly Report"},
			wantToken:  "fallback:k2",
			wantSource: SourceFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := RootToken(tt.headers)
			assert.Equal(t, tt.wantToken, root.Token)
			assert.Equal(t, tt.wantSource, root.Source)
		})
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	h := Headers{MessageID: "<Root@Example.com>"}
	id := Generate(h)

	assert.Regexp(t, hexID, id)
	for i := 0; i < 10; i++ {
		assert.Equal(t, id, Generate(h))
	}

	// Brackets and case do not matter.
	assert.Equal(t, id, Generate(Headers{MessageID: "root@example.com"}))
	assert.NotEqual(t, id, Generate(Headers{MessageID: "<other@example.com>"}))
}

func TestRepliesConvergeOnRoot(t *testing.T) {
	root := Generate(Headers{MessageID: "<a@x.com>"})
	reply := Generate(Headers{
		MessageID:  "<c@x.com>",
		InReplyTo:  "<b@x.com>",
		References: []string{"<a@x.com>", "<b@x.com>"},
	})
	firstReply := Generate(Headers{
		MessageID:  "<b@x.com>",
		InReplyTo:  "<a@x.com>",
		References: []string{"<a@x.com>"},
	})

	assert.Equal(t, root, reply)
	assert.Equal(t, root, firstReply)
}

func TestInReplyToOnlyFragments(t *testing.T) {
	root := Generate(Headers{MessageID: "<a@x.com>"})
	// Replies to a reply without References hash on the direct parent.
	grandchild := Generate(Headers{MessageID: "<c@x.com>", InReplyTo: "<b@x.com>"})
	assert.NotEqual(t, root, grandchild)
}

func TestForwardedMessagesStartNewThread(t *testing.T) {
	original := Generate(Headers{MessageID: "<orig@x.com>", Subject: "Budget"})
	forwarded := Generate(Headers{MessageID: "<fwd@x.com>", Subject: "Fwd: Budget"})
	forwardedUpper := Generate(Headers{MessageID: "<fw@x.com>", Subject: "FW: Budget"})

	assert.NotEqual(t, original, forwarded)
	assert.NotEqual(t, original, forwardedUpper)
}

func TestSubjectFallbackConverges(t *testing.T) {
	a := Generate(Headers{Subject: "Lunch plans"})
	b := Generate(Headers{Subject: "RE: AW: lunch   PLANS"})
	c := Generate(Headers{Subject: "Re[2]: Lunch plans"})
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestFallbackNeverCollidesWithRealID(t *testing.T) {
	fallback := RootToken(Headers{Key: "someone@example.com"})
	assert.True(t, fallback.IsFallback())
	assert.NotContains(t, fallback.Token, "@")
	assert.NotEqual(t, Generate(Headers{MessageID: "<someone@example.com>"}), Hash(fallback.Token))

	// Without a key every call synthesizes a fresh token.
	assert.NotEqual(t, RootToken(Headers{}).Token, RootToken(Headers{}).Token)
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello", "hello"},
		{"Re: Hello", "hello"},
		{"re: RE: Fwd: Hello", "hello"},
		{"Fw: Forwarded: Hello", "hello"},
		{"AW: Antw: SV: VS: Odp: R: Hello", "hello"},
		{"Re (2): Hello", "hello"},
		{"  Hello \t  World  ", "hello world"},
		{"Reminder: Hello", "reminder: hello"},
		{"", ""},
		{"Re:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsForwarded("Fwd: x"))
	assert.True(t, IsForwarded("FW: x"))
	assert.True(t, IsForwarded("forwarded: x"))
	assert.False(t, IsForwarded("Re: Fwd: x"))
	assert.False(t, IsForwarded("x"))

	assert.True(t, IsReply("Re: x"))
	assert.True(t, IsReply("AW: x"))
	assert.False(t, IsReply("Fwd: x"))
	assert.False(t, IsReply("x"))
}
