package store

import (
	"context"
	"strings"
	"time"

	"github.com/nhle/mailindex/internal/model"
)

const defaultSearchLimit = 50

// SearchResult is the outcome of Search.
type SearchResult struct {
	Query    ParsedQuery
	Messages []model.Message
}

// Search runs a full text and filter search over live messages, newest
// first. User input only ever reaches SQLite as bound parameters. An empty
// query, or one with nothing searchable in it, yields an empty result.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	parsed := ParseQuery(query)
	result := &SearchResult{Query: parsed, Messages: []model.Message{}}

	if strings.TrimSpace(query) == "" {
		return result, nil
	}

	match, hasText := EscapeFTS(parsed.Terms)
	// Text that is all punctuation cannot match a token.
	if len(parsed.Terms) > 0 && !hasText {
		return result, nil
	}
	if !hasText && !parsed.HasFilters() {
		return result, nil
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}

	where, args := buildSearchConditions(parsed, match, hasText)
	sqlQuery := "SELECT " + selectMessageColumns("m") + " FROM messages m WHERE " +
		strings.Join(where, " AND ") +
		" ORDER BY m.date_received DESC, m.id ASC LIMIT ?"
	args = append(args, limit)

	msgs, err := s.selectMessages(ctx, "searching messages", sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	result.Messages = msgs

	s.log.WithField("results", len(msgs)).Debug("Search finished")
	return result, nil
}

// buildSearchConditions renders the WHERE clauses for a parsed query.
func buildSearchConditions(q ParsedQuery, match string, hasText bool) ([]string, []interface{}) {
	where := []string{"m.is_deleted = 0"}
	var args []interface{}

	if hasText {
		where = append(where,
			"m.rowid IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, match)
	}

	for _, v := range q.From {
		p := likePattern(v)
		where = append(where,
			`(m.sender_email LIKE ? ESCAPE '\' OR m.sender_name LIKE ? ESCAPE '\')`)
		args = append(args, p, p)
	}
	for _, v := range q.To {
		p := likePattern(v)
		where = append(where, `EXISTS (
			SELECT 1 FROM recipients r
			WHERE r.message_id = m.id
			AND (r.email LIKE ? ESCAPE '\' OR r.name LIKE ? ESCAPE '\'))`)
		args = append(args, p, p)
	}
	for _, v := range q.Subject {
		where = append(where, `m.subject LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(v))
	}
	for _, v := range q.Mailbox {
		where = append(where, `(m.mailbox_name LIKE ? ESCAPE '\' OR m.mailbox_id = ?)`)
		args = append(args, likePattern(v), v)
	}

	if q.IsRead != nil {
		where = append(where, "m.is_read = ?")
		args = append(args, boolToInt(*q.IsRead))
	}
	if q.IsFlagged != nil {
		where = append(where, "m.is_flagged = ?")
		args = append(args, boolToInt(*q.IsFlagged))
	}
	if q.HasAttachments != nil {
		where = append(where, "m.has_attachments = ?")
		args = append(args, boolToInt(*q.HasAttachments))
	}

	if q.After != nil {
		where = append(where, "m.date_received >= ?")
		args = append(args, q.After.Unix())
	}
	if q.Before != nil {
		where = append(where, "m.date_received < ?")
		args = append(args, q.Before.Unix())
	}
	if q.On != nil {
		where = append(where, "m.date_received >= ? AND m.date_received < ?")
		args = append(args, q.On.Unix(), q.On.Add(24*time.Hour).Unix())
	}

	return where, args
}

// likePattern builds a substring LIKE pattern with wildcards in v escaped.
func likePattern(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(v) + "%"
}
