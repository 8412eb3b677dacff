// Package threadid derives deterministic conversation identifiers from
// message headers. Thread membership is never stored as a tree: every
// message hashes its thread root token, and messages that share a root
// share an id.
package threadid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/nhle/mailindex/internal/header"
)

// RootSource records which header produced a thread root token.
type RootSource string

const (
	SourceReferences RootSource = "references"
	SourceInReplyTo  RootSource = "in_reply_to"
	SourceMessageID  RootSource = "message_id"
	SourceSubject    RootSource = "subject"
	SourceFallback   RootSource = "fallback"
)

const (
	subjectTokenPrefix  = "subject:"
	fallbackTokenPrefix = "fallback:"
)

// Headers is the subset of a message the generator looks at.
type Headers struct {
	// Key is the message's stable local id. It seeds the fallback token so
	// reprocessing a header-less message keeps its thread.
	Key        string
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
}

// Root is a chosen thread root token and where it came from.
type Root struct {
	Token  string
	Source RootSource
}

// IsFallback reports whether the token was synthesized.
func (r Root) IsFallback() bool {
	return r.Source == SourceFallback
}

// RootToken picks the thread root token by priority: the first References
// entry, then In-Reply-To, then the message's own Message-ID, then the
// normalized subject, then a synthesized fallback.
//
// A message carrying only In-Reply-To threads against its direct parent, not
// the conversation root. Mail clients that drop References fragment threads
// this way and nothing here tries to repair it.
func RootToken(h Headers) Root {
	for _, ref := range h.References {
		if id, ok := header.NormalizeMessageID(ref); ok {
			return Root{Token: id, Source: SourceReferences}
		}
	}
	if id, ok := header.NormalizeMessageID(h.InReplyTo); ok {
		return Root{Token: id, Source: SourceInReplyTo}
	}
	if id, ok := header.NormalizeMessageID(h.MessageID); ok {
		return Root{Token: id, Source: SourceMessageID}
	}
	// Forwards start a conversation of their own.
	if !IsForwarded(h.Subject) {
		if subject := NormalizeSubject(h.Subject); subject != "" {
			return Root{Token: subjectTokenPrefix + subject, Source: SourceSubject}
		}
	}

	key := h.Key
	if key == "" {
		key = uuid.NewString()
	}
	// Fallback tokens carry no '@' so they can never equal a real id.
	return Root{Token: fallbackTokenPrefix + strings.ReplaceAll(key, "@", "_"), Source: SourceFallback}
}

// Generate returns the 32 character thread id for h.
func Generate(h Headers) string {
	return Hash(RootToken(h).Token)
}

// Hash normalizes a root token (brackets stripped, lowercased) and returns
// its fingerprint.
func Hash(token string) string {
	return header.Fingerprint(strings.ToLower(header.StripBrackets(token)))
}

var (
	// prefixPattern matches one reply or forward marker, with an optional
	// counter such as "Re[2]:" or "AW (3):".
	prefixPattern = regexp.MustCompile(
		`(?i)^(re|fwd|fw|forwarded|aw|antw|sv|vs|odp|r)\s*(\[\d+\]|\(\d+\))?\s*:\s*`,
	)
	forwardPattern = regexp.MustCompile(
		`(?i)^(fwd|fw|forwarded)\s*(\[\d+\]|\(\d+\))?\s*:`,
	)
)

// NormalizeSubject strips any stack of leading reply and forward markers,
// collapses whitespace and case folds the rest.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(norm.NFKC.String(subject))
	for {
		loc := prefixPattern.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = strings.TrimSpace(s[loc[1]:])
	}
	s = strings.Join(strings.Fields(s), " ")
	// Casers keep state, so each call gets its own.
	return cases.Fold().String(s)
}

// IsForwarded reports whether the outermost subject marker is a forward.
func IsForwarded(subject string) bool {
	return forwardPattern.MatchString(strings.TrimSpace(norm.NFKC.String(subject)))
}

// IsReply reports whether the subject carries any reply or forward marker
// that is not a forward.
func IsReply(subject string) bool {
	s := strings.TrimSpace(norm.NFKC.String(subject))
	return prefixPattern.MatchString(s) && !forwardPattern.MatchString(s)
}
