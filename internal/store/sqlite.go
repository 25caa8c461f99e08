package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	system            TEXT NOT NULL DEFAULT '',
	params            TEXT NOT NULL DEFAULT '{}',
	persist           INTEGER,
	recent_messages   INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	lower_bound       INTEGER NOT NULL DEFAULT 0,
	saved_at          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id        TEXT NOT NULL,
	seq               INTEGER NOT NULL,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	received_at       TEXT NOT NULL,
	finish_reason     TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	total_tokens      INTEGER,
	PRIMARY KEY (session_id, seq)
);`

// SQLiteStore keeps sessions and their messages in two tables. A save
// replaces the session's rows in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite storage requires a dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and :memory: databases are
	// per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, snap *session.Snapshot) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	params, err := json.Marshal(snap.Params)
	if err != nil {
		return fmt.Errorf("save %s: encode params: %w", key, err)
	}
	persist := sql.NullBool{}
	if snap.Persist != nil {
		persist = sql.NullBool{Bool: *snap.Persist, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, key); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, title, model, system, params, persist, recent_messages, created_at,
		 prompt_tokens, completion_tokens, total_tokens, lower_bound, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, snap.Title, snap.Model, snap.System, string(params), persist, snap.RecentMessages, snap.CreatedAt,
		snap.Totals.Prompt, snap.Totals.Completion, snap.Totals.Total, snap.Totals.LowerBound,
		s.now().UTC().Format(session.TimeFormat))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages
		(session_id, seq, role, content, received_at, finish_reason, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer stmt.Close()
	for i, m := range snap.Messages {
		if _, err := stmt.ExecContext(ctx, key, i, m.Role, m.Content, m.ReceivedAt, m.FinishReason,
			nullInt(m.PromptTokens), nullInt(m.CompletionTokens), nullInt(m.TotalTokens)); err != nil {
			return fmt.Errorf("save %s: message %d: %w", key, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*session.Snapshot, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	snap := &session.Snapshot{ID: key}
	var (
		params  string
		persist sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `SELECT title, model, system, params, persist, recent_messages, created_at,
		prompt_tokens, completion_tokens, total_tokens, lower_bound
		FROM sessions WHERE id = ?`, key).Scan(
		&snap.Title, &snap.Model, &snap.System, &params, &persist, &snap.RecentMessages, &snap.CreatedAt,
		&snap.Totals.Prompt, &snap.Totals.Completion, &snap.Totals.Total, &snap.Totals.LowerBound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var p llm.Params
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, &session.ErrMalformedSession{Field: "params", Index: -1, Reason: "invalid json", Err: err}
	}
	snap.Params = p
	if persist.Valid {
		v := persist.Bool
		snap.Persist = &v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role, content, received_at, finish_reason,
		prompt_tokens, completion_tokens, total_tokens
		FROM messages WHERE session_id = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                  session.PortableMessage
			prompt, completion sql.NullInt64
			total              sql.NullInt64
		)
		if err := rows.Scan(&m.Role, &m.Content, &m.ReceivedAt, &m.FinishReason, &prompt, &completion, &total); err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		m.PromptTokens = intFromNull(prompt)
		m.CompletionTokens = intFromNull(completion)
		m.TotalTokens = intFromNull(total)
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return snap, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
