// Package header normalizes the RFC 5322 threading headers: Message-ID,
// In-Reply-To and References.
package header

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// NormalizeMessageID trims raw, picks the first token that looks like a
// message id (contains '@') and returns it wrapped in angle brackets. It
// returns false when raw holds no usable id.
func NormalizeMessageID(raw string) (string, bool) {
	for _, tok := range splitIDs(raw) {
		if id, ok := normalizeToken(tok); ok {
			return id, true
		}
	}
	return "", false
}

// ParseReferences splits a References header into normalized ids, keeping
// the source order (oldest first). Tokens that are not message ids are
// dropped.
func ParseReferences(raw string) []string {
	var refs []string
	for _, tok := range splitIDs(raw) {
		if id, ok := normalizeToken(tok); ok {
			refs = append(refs, id)
		}
	}
	return refs
}

// EncodeReferences serializes refs for storage. An empty list is absent
// rather than "[]".
func EncodeReferences(refs []string) (string, bool) {
	if len(refs) == 0 {
		return "", false
	}
	data, err := json.Marshal(refs)
	if err != nil {
		// A []string always marshals.
		return "", false
	}
	return string(data), true
}

// DecodeReferences reverses EncodeReferences. An empty input yields nil.
func DecodeReferences(encoded string) ([]string, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(encoded), &refs); err != nil {
		return nil, fmt.Errorf("decoding references: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs, nil
}

// StripBrackets removes one pair of enclosing angle brackets.
func StripBrackets(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// Fingerprint hashes token into a fixed 32 character lowercase hex string
// using 128-bit FNV-1a. The same token always yields the same fingerprint.
func Fingerprint(token string) string {
	h := fnv.New128a()
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// Key derives the local message key from a raw Message-ID header. Ids that
// differ only in brackets, surrounding whitespace or case share a key.
func Key(rawMessageID string) (string, bool) {
	id, ok := NormalizeMessageID(rawMessageID)
	if !ok {
		return "", false
	}
	return Fingerprint(strings.ToLower(StripBrackets(id))), true
}

// splitIDs breaks a header value into candidate tokens. Whitespace
// separates ids, and so does a closing bracket, which handles "<a@x><b@y>".
func splitIDs(raw string) []string {
	raw = strings.ReplaceAll(raw, ">", "> ")
	return strings.Fields(raw)
}

func normalizeToken(tok string) (string, bool) {
	tok = strings.Trim(tok, " \t\r\n,;")
	bare := StripBrackets(tok)
	if bare == "" || strings.ContainsAny(bare, "<> \t\r\n") {
		return "", false
	}
	at := strings.Index(bare, "@")
	if at <= 0 || at == len(bare)-1 {
		return "", false
	}
	return "<" + bare + ">", true
}
