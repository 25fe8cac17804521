// Package audit provides the SQLite-backed audit store.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	domain "github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id           TEXT NOT NULL,
	timestamp         TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	action            TEXT NOT NULL,
	direction         TEXT NOT NULL,
	rule_id           TEXT,
	risk_level        TEXT,
	redacted_excerpt  TEXT,
	allowlist_rule_id TEXT,
	test              INTEGER NOT NULL DEFAULT 0,
	tokens_delivered  INTEGER,
	advisory_entities TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_scan_id   ON audit_events(scan_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_rule_id   ON audit_events(rule_id);
`

// SQLiteStore persists audit events in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under the async
	// audit worker.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// LogEvent inserts one event.
func (s *SQLiteStore) LogEvent(ctx context.Context, event domain.Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	test := 0
	if event.Test {
		test = 1
	}
	var tokens any
	if event.TokensDelivered > 0 {
		tokens = event.TokensDelivered
	}
	var entities any
	if len(event.AdvisoryEntities) > 0 {
		entities = strings.Join(event.AdvisoryEntities, ",")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			scan_id, timestamp, user_id, action, direction,
			rule_id, risk_level, redacted_excerpt, allowlist_rule_id,
			test, tokens_delivered, advisory_entities
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ScanID,
		ts.UTC().Format(time.RFC3339Nano),
		event.UserID,
		event.Action,
		event.Direction,
		nullable(event.RuleID),
		nullable(event.RiskLevel),
		nullable(event.RedactedExcerpt),
		nullable(event.AllowlistRuleID),
		test,
		tokens,
		entities,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// QueryEvents returns events matching the filter, newest first.
func (s *SQLiteStore) QueryEvents(ctx context.Context, filter domain.Filter) ([]domain.Event, error) {
	where, args := buildWhere(filter)
	query := `
		SELECT scan_id, timestamp, user_id, action, direction,
		       rule_id, risk_level, redacted_excerpt, allowlist_rule_id,
		       test, tokens_delivered, advisory_entities
		FROM audit_events` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			event                                          domain.Event
			ts                                             string
			ruleID, risk, excerpt, allowlistRule, entities sql.NullString
			test                                           int
			tokens                                         sql.NullInt64
		)
		if err := rows.Scan(
			&event.ScanID, &ts, &event.UserID, &event.Action, &event.Direction,
			&ruleID, &risk, &excerpt, &allowlistRule, &test, &tokens, &entities,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		event.RuleID = ruleID.String
		event.RiskLevel = risk.String
		event.RedactedExcerpt = excerpt.String
		event.AllowlistRuleID = allowlistRule.String
		event.Test = test == 1
		event.TokensDelivered = int(tokens.Int64)
		if entities.String != "" {
			event.AdvisoryEntities = strings.Split(entities.String, ",")
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events matching the filter.
func (s *SQLiteStore) CountEvents(ctx context.Context, filter domain.Filter) (int, error) {
	where, args := buildWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// buildWhere renders the filter into a WHERE clause and its arguments.
func buildWhere(filter domain.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if filter.ScanID != "" {
		add("scan_id = ?", filter.ScanID)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.Action != "" {
		add("action = ?", filter.Action)
	}
	if filter.Direction != "" {
		add("direction = ?", filter.Direction)
	}
	if filter.RuleID != "" {
		add("rule_id = ?", filter.RuleID)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= ?", filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		add("timestamp <= ?", filter.Until.UTC().Format(time.RFC3339Nano))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ domain.Backend = (*SQLiteStore)(nil)
