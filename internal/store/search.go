package store

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// FilterConflict records two mutually exclusive filters in one query and
// which one was applied.
type FilterConflict struct {
	Filter  string
	Tokens  []string
	Applied string
}

// ParsedQuery is the structured form of a search string.
type ParsedQuery struct {
	Raw string

	// Terms are the free text terms, quoted phrases kept whole.
	Terms []string

	From    []string
	To      []string
	Subject []string
	Mailbox []string

	IsRead         *bool
	IsFlagged      *bool
	HasAttachments *bool

	After  *time.Time
	Before *time.Time
	On     *time.Time

	// UnknownFilters holds name:value tokens that were not understood. They
	// are reported, never searched as text.
	UnknownFilters []string
	Conflicts      []FilterConflict
}

// HasFilters reports whether any structured filter was parsed.
func (q ParsedQuery) HasFilters() bool {
	return len(q.From) > 0 || len(q.To) > 0 || len(q.Subject) > 0 ||
		len(q.Mailbox) > 0 || q.IsRead != nil || q.IsFlagged != nil ||
		q.HasAttachments != nil || q.After != nil || q.Before != nil || q.On != nil
}

// queryToken is one whitespace-separated token; quoted runs stay together.
type queryToken struct {
	text   string
	quoted bool
}

var filterPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*):(.*)$`)

var dateLayouts = []string{"2006-01-02", "2006/01/02"}

// ParseQuery splits a search string into free text and filters. It never
// fails: anything it cannot interpret is either text or an unknown filter.
func ParseQuery(raw string) ParsedQuery {
	q := ParsedQuery{Raw: raw}

	var isTokens []string
	for _, tok := range tokenize(raw) {
		if tok.quoted {
			q.Terms = append(q.Terms, tok.text)
			continue
		}

		m := filterPattern.FindStringSubmatch(tok.text)
		if m == nil {
			q.Terms = append(q.Terms, tok.text)
			continue
		}

		name := strings.ToLower(m[1])
		value := unquote(m[2])
		if value == "" {
			q.UnknownFilters = append(q.UnknownFilters, tok.text)
			continue
		}

		switch name {
		case "from":
			q.From = append(q.From, value)
		case "to":
			q.To = append(q.To, value)
		case "subject":
			q.Subject = append(q.Subject, value)
		case "mailbox":
			q.Mailbox = append(q.Mailbox, value)
		case "is":
			switch strings.ToLower(value) {
			case "read", "unread", "flagged", "unflagged":
				isTokens = append(isTokens, "is:"+strings.ToLower(value))
			default:
				q.UnknownFilters = append(q.UnknownFilters, tok.text)
			}
		case "has":
			switch strings.ToLower(value) {
			case "attachment", "attachments":
				yes := true
				q.HasAttachments = &yes
			default:
				q.UnknownFilters = append(q.UnknownFilters, tok.text)
			}
		case "after", "before", "date":
			d, ok := parseDate(value)
			if !ok {
				q.UnknownFilters = append(q.UnknownFilters, tok.text)
				continue
			}
			switch name {
			case "after":
				q.After = &d
			case "before":
				q.Before = &d
			default:
				q.On = &d
			}
		default:
			q.UnknownFilters = append(q.UnknownFilters, tok.text)
		}
	}

	q.IsRead = resolveFlag(&q, isTokens, "is:read", "is:unread")
	q.IsFlagged = resolveFlag(&q, isTokens, "is:flagged", "is:unflagged")

	return q
}

// resolveFlag evaluates the positive literal first and the negative second,
// so when both are present the negative one wins.
func resolveFlag(q *ParsedQuery, tokens []string, positive, negative string) *bool {
	var hasPos, hasNeg bool
	for _, t := range tokens {
		switch t {
		case positive:
			hasPos = true
		case negative:
			hasNeg = true
		}
	}

	var value *bool
	if hasPos {
		v := true
		value = &v
	}
	if hasNeg {
		v := false
		value = &v
	}
	if hasPos && hasNeg {
		q.Conflicts = append(q.Conflicts, FilterConflict{
			Filter:  "is",
			Tokens:  []string{positive, negative},
			Applied: negative,
		})
	}
	return value
}

// tokenize splits on whitespace outside double quotes. Quotes are removed;
// an unterminated quote runs to the end of the input.
func tokenize(raw string) []queryToken {
	var (
		tokens  []queryToken
		cur     strings.Builder
		inQuote bool
		quoted  bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, queryToken{text: cur.String(), quoted: quoted})
		}
		cur.Reset()
		quoted = false
	}

	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			// A quote opening mid-token belongs to a name:"value" filter.
			if cur.Len() == 0 {
				quoted = true
			}
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func unquote(v string) string {
	return strings.TrimSpace(strings.Trim(v, `"`))
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// EscapeFTS turns free text terms into an FTS5 MATCH expression: a
// conjunction of string literals with embedded quotes doubled. Terms with
// no letter or digit cannot match anything and are dropped. It reports false
// when nothing searchable remains.
func EscapeFTS(terms []string) (string, bool) {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		if !hasWordChar(term) {
			continue
		}
		parts = append(parts, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

func hasWordChar(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
