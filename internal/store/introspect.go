package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// MigrationRecord is one applied schema migration.
type MigrationRecord struct {
	Version   int
	AppliedAt time.Time
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	version, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return 0, queryError("reading schema version", err)
	}
	return version, nil
}

// MigrationHistory returns every applied migration in version order.
func (s *SQLiteStore) MigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []struct {
		Version   int   `db:"version"`
		AppliedAt int64 `db:"applied_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT version, applied_at FROM schema_version ORDER BY version")
	if err != nil {
		return nil, queryError("reading migration history", err)
	}

	history := make([]MigrationRecord, 0, len(rows))
	for _, r := range rows {
		history = append(history, MigrationRecord{
			Version:   r.Version,
			AppliedAt: time.Unix(r.AppliedAt, 0).UTC(),
		})
	}
	return history, nil
}

// TableExists reports whether a table or view named name exists.
func (s *SQLiteStore) TableExists(ctx context.Context, name string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?",
		name,
	)
	if err != nil {
		return false, queryError("checking table "+name, err)
	}
	return count > 0, nil
}

// Columns returns the column names of table in declaration order.
func (s *SQLiteStore) Columns(ctx context.Context, table string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var cols []string
	if err := s.db.SelectContext(ctx, &cols,
		"SELECT name FROM pragma_table_info(?) ORDER BY cid", table); err != nil {
		return nil, queryError("listing columns of "+table, err)
	}
	return cols, nil
}

// Indexes returns the sorted index names defined on table.
func (s *SQLiteStore) Indexes(ctx context.Context, table string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var names []string
	if err := s.db.SelectContext(ctx, &names,
		"SELECT name FROM pragma_index_list(?)", table); err != nil {
		return nil, queryError("listing indexes of "+table, err)
	}
	sort.Strings(names)
	return names, nil
}

// ExplainQueryPlan returns the detail column of EXPLAIN QUERY PLAN for query.
func (s *SQLiteStore) ExplainQueryPlan(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, "EXPLAIN QUERY PLAN "+query, args...)
	if err != nil {
		return nil, queryError("explaining query", err)
	}
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var (
			id, parent, notUsed int
			detail              string
		)
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			return nil, queryError("scanning query plan", err)
		}
		plan = append(plan, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("iterating query plan", err)
	}
	return plan, nil
}

// PlanUsesIndex reports whether any step of plan reads through index.
func PlanUsesIndex(plan []string, index string) bool {
	for _, step := range plan {
		if strings.Contains(step, "USING INDEX "+index) ||
			strings.Contains(step, "USING COVERING INDEX "+index) {
			return true
		}
	}
	return false
}
