// Package audit is the append-only record of security-relevant events:
// logins, api-key and account lifecycle changes, and refresh outcomes.
// Backed by SQLite in WAL mode, insert-only — there is no update or delete
// path, by design; correcting a bad record means writing a new one.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Kind is the fixed vocabulary of auditable events.
type Kind string

const (
	KindLogin            Kind = "login"
	KindKeyCreated       Kind = "key_created"
	KindKeyDeleted       Kind = "key_deleted"
	KindAccountCreated   Kind = "account_created"
	KindAccountDeleted   Kind = "account_deleted"
	KindRefreshSucceeded Kind = "refresh_succeeded"
	KindRefreshFailed    Kind = "refresh_failed"
)

// Record is one audit row. Timestamp is set by Append if left zero.
type Record struct {
	ID        int64
	Timestamp time.Time
	Kind      Kind
	Actor     string // api key id or "device-flow" for unauthenticated login attempts
	IP        string
	Subject   string // account id or key id the event concerns
	Detail    string
}

// Log is a handle on the audit database.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the audit database at path, enabling
// WAL mode so concurrent readers never block the single writer.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; sqlite serializes anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append inserts one audit record. Never returns a row that wasn't
// durably committed — this is the one place the gateway cannot silently
// drop a write.
func (l *Log) Append(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, kind, actor, ip, subject, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp.Format(time.RFC3339Nano), string(r.Kind), r.Actor, r.IP, r.Subject, r.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Recent returns the most recent records, newest first, bounded by limit.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, kind, actor, ip, subject, detail FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, kind string
		if err := rows.Scan(&r.ID, &ts, &kind, &r.Actor, &r.IP, &r.Subject, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Kind = Kind(kind)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ForSubject returns recent records concerning a given account or key id,
// newest first.
func (l *Log) ForSubject(ctx context.Context, subject string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, kind, actor, ip, subject, detail FROM audit_log WHERE subject = ? ORDER BY id DESC LIMIT ?`,
		subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, kind string
		if err := rows.Scan(&r.ID, &ts, &kind, &r.Actor, &r.IP, &r.Subject, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Kind = Kind(kind)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
