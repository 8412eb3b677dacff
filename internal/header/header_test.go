package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"bracketed", "<abc@example.com>", "<abc@example.com>", true},
		{"missing brackets", "abc@example.com", "<abc@example.com>", true},
		{"surrounding whitespace", "  \n<abc@example.com>\r\n ", "<abc@example.com>", true},
		{"first of several", "<one@example.com> <two@example.com>", "<one@example.com>", true},
		{"glued ids", "<one@example.com><two@example.com>", "<one@example.com>", true},
		{"skips junk before id", "junk <one@example.com>", "<one@example.com>", true},
		{"no at sign", "<not-an-id>", "", false},
		{"empty", "", "", false},
		{"whitespace only", " \n\t ", "", false},
		{"at sign at edge", "<@example.com>", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeMessageID(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReferences(t *testing.T) {
	t.Run("keeps source order", func(t *testing.T) {
		refs := ParseReferences("<a@x.com> <b@x.com>\n\t<c@x.com>")
		assert.Equal(t, []string{"<a@x.com>", "<b@x.com>", "<c@x.com>"}, refs)
	})

	t.Run("normalizes unbracketed and drops junk", func(t *testing.T) {
		refs := ParseReferences("a@x.com garbage <b@x.com>")
		assert.Equal(t, []string{"<a@x.com>", "<b@x.com>"}, refs)
	})

	t.Run("empty header", func(t *testing.T) {
		assert.Nil(t, ParseReferences("   "))
	})
}

func TestReferencesEncoding(t *testing.T) {
	t.Run("empty list is absent", func(t *testing.T) {
		encoded, ok := EncodeReferences(nil)
		assert.False(t, ok)
		assert.Empty(t, encoded)

		_, ok = EncodeReferences([]string{})
		assert.False(t, ok)
	})

	t.Run("round trips", func(t *testing.T) {
		refs := []string{"<a@x.com>", "<b@x.com>"}
		encoded, ok := EncodeReferences(refs)
		require.True(t, ok)

		decoded, err := DecodeReferences(encoded)
		require.NoError(t, err)
		assert.Equal(t, refs, decoded)
	})

	t.Run("decode empty", func(t *testing.T) {
		decoded, err := DecodeReferences("")
		require.NoError(t, err)
		assert.Nil(t, decoded)
	})

	t.Run("decode garbage", func(t *testing.T) {
		_, err := DecodeReferences("{not json")
		assert.Error(t, err)
	})
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("root@example.com")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("root@example.com"))
	assert.NotEqual(t, a, Fingerprint("other@example.com"))
}

func TestKey(t *testing.T) {
	k1, ok := Key("<Root@Example.com>")
	require.True(t, ok)
	k2, ok := Key("  root@example.com ")
	require.True(t, ok)
	assert.Equal(t, k1, k2)

	_, ok = Key("nothing here")
	assert.False(t, ok)
}
