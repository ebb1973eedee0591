package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends journal entries to a SQLite table. It is history only;
// nothing reads it back into coordinator state.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema
func OpenSQLite(path string) (*SQLiteSink, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    from_agent TEXT NOT NULL,
    to_agent TEXT,
    summary TEXT NOT NULL,
    details TEXT,
    success INTEGER NOT NULL,
    error_msg TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
`)
	return err
}

// Write implements Sink
func (s *SQLiteSink) Write(ctx context.Context, e *Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, event_type, from_agent, to_agent, summary, details, success, error_msg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), string(e.EventType), e.FromAgent, e.ToAgent,
		e.Summary, string(details), e.Success, e.ErrorMsg,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent reads the newest limit entries back, newest first
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, event_type, from_agent, to_agent, summary, details, success, error_msg
		 FROM audit_events ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			typ     string
			toAgent sql.NullString
			details sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &e.FromAgent, &toAgent, &e.Summary, &details, &e.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.EventType = EventType(typ)
		e.ToAgent = toAgent.String
		e.ErrorMsg = errMsg.String
		if details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close implements Sink
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
