package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flitsinc/go-convo/internal/chat"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  message_count INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  session_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  role TEXT NOT NULL,
  content TEXT,
  thought TEXT,
  name TEXT,
  tool_call_id TEXT,
  tool_calls TEXT,
  image_ref TEXT,
  sig TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// MigrationAddMessageSig is the remediation action code surfaced by strict
// schema validation when the message integrity hash column is missing.
const MigrationAddMessageSig = "apply-migration:messages.sig"

var ErrSchemaMismatch = errors.New("schema mismatch")

type SchemaError struct {
	Column string
	Action string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch: missing column %q (remediation: %s)", e.Column, e.Action)
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// SQLStore is the relational backend. When the messages table predates the
// sig column, reads and writes transparently run against the legacy column
// set and a single warning per process points at the pending migration.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger

	hasSig     bool
	warnLegacy sync.Once
}

// OpenSQL opens (creating if needed) the SQLite database at path and
// prepares the conversation schema. Existing legacy tables are left
// untouched; the store adapts to them instead.
func OpenSQL(path string, logger *slog.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, logger)
}

// NewSQLStore wraps an already-open database, probing it for the message
// integrity hash column.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hasSig, err := tableHasColumn(db, "messages", "sig")
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, logger: logger, hasSig: hasSig}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

func tableHasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan %s schema: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ValidateSchema checks for the integrity hash column. In strict mode a
// missing column is fatal and carries a remediation action code; otherwise
// the store keeps running on the legacy column set.
func (s *SQLStore) ValidateSchema(strict bool) error {
	if s.hasSig {
		return nil
	}
	if strict {
		return &SchemaError{Column: "messages.sig", Action: MigrationAddMessageSig}
	}
	s.legacyWarn()
	return nil
}

func (s *SQLStore) legacyWarn() {
	s.warnLegacy.Do(func() {
		s.logger.Warn("messages table is missing the sig column; running in legacy mode",
			"remediation", MigrationAddMessageSig)
	})
}

func (s *SQLStore) SaveSession(ctx context.Context, sessionID string, msgs []chat.Message) (Meta, error) {
	stored, meta, found, err := s.load(ctx, sessionID)
	if err != nil {
		return Meta{}, err
	}
	if found && s.hasSig && snapshotUnchanged(stored, msgs) {
		return meta, nil
	}
	if found && !s.hasSig {
		s.legacyWarn()
	}

	now := time.Now().UTC()
	createdAt := now
	if found {
		createdAt = meta.CreatedAt
	}
	newMeta := Meta{
		SessionID:    sessionID,
		Title:        chat.DeriveTitle(msgs),
		MessageCount: len(msgs),
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return Meta{}, fmt.Errorf("clear messages: %w", err)
	}
	if err := s.insertMessages(ctx, tx, sessionID, 0, msgs, now); err != nil {
		return Meta{}, err
	}
	if err := upsertMeta(ctx, tx, newMeta); err != nil {
		return Meta{}, err
	}
	if err := tx.Commit(); err != nil {
		return Meta{}, fmt.Errorf("commit save: %w", err)
	}
	return newMeta, nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, sessionID string, baseSeq int, delta []chat.Message) (AppendResult, error) {
	baseSeq = clampSeq(baseSeq)
	stored, meta, found, err := s.load(ctx, sessionID)
	if err != nil {
		return AppendResult{}, err
	}
	now := time.Now().UTC()
	if !found {
		// Session deleted (or never saved) while an execution was in
		// flight: recreate the metadata on the next append.
		meta = Meta{SessionID: sessionID, CreatedAt: now}
	}

	switch planAppend(stored, baseSeq, delta) {
	case actionConflict:
		return AppendResult{
			Conflict:        true,
			NewSeq:          len(stored),
			ExpectedBaseSeq: len(stored),
			Meta:            meta,
		}, nil
	case actionSkip:
		return AppendResult{Skipped: true, NewSeq: len(stored), Meta: meta}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertMessages(ctx, tx, sessionID, len(stored), delta, now); err != nil {
		return AppendResult{}, err
	}
	all := append(append([]chat.Message{}, stored...), delta...)
	meta.Title = chat.DeriveTitle(all)
	meta.MessageCount = len(all)
	meta.UpdatedAt = now
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return AppendResult{
		AcceptedCount: len(delta),
		NewSeq:        len(all),
		Meta:          meta,
	}, nil
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (Meta, []chat.Message, error) {
	stored, meta, found, err := s.load(ctx, sessionID)
	if err != nil {
		return Meta{}, nil, err
	}
	if !found {
		return Meta{}, nil, ErrNotFound
	}
	return meta, stored, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, title, message_count, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLStore) UpdateTitle(ctx context.Context, sessionID, title string) (Meta, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE session_id = ?`,
		chat.TruncateTitle(title), now.Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return Meta{}, fmt.Errorf("update title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Meta{}, ErrNotFound
	}
	meta, found, err := s.loadMeta(ctx, sessionID)
	if err != nil {
		return Meta{}, err
	}
	if !found {
		return Meta{}, ErrNotFound
	}
	return meta, nil
}

func (s *SQLStore) ExportSession(ctx context.Context, sessionID, path string, format Format) (string, error) {
	meta, msgs, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return exportSession(meta, msgs, path, format)
}

func (s *SQLStore) load(ctx context.Context, sessionID string) ([]chat.Message, Meta, bool, error) {
	meta, found, err := s.loadMeta(ctx, sessionID)
	if err != nil {
		return nil, Meta{}, false, err
	}
	if !found {
		return nil, Meta{}, false, nil
	}
	msgs, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, Meta{}, false, err
	}
	return msgs, meta, true, nil
}

func (s *SQLStore) loadMeta(ctx context.Context, sessionID string) (Meta, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, title, message_count, created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

func (s *SQLStore) loadMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	columns := "role, content, thought, name, tool_call_id, tool_calls, image_ref"
	if !s.hasSig {
		s.legacyWarn()
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = ? ORDER BY seq ASC`, columns), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			roleStr                                     string
			content, thought, name, callID, tcs, image sql.NullString
		)
		if err := rows.Scan(&roleStr, &content, &thought, &name, &callID, &tcs, &image); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		role, ok := chat.ParseRole(roleStr)
		if !ok {
			role = chat.RoleSystem
		}
		m := chat.Message{
			Role:       role,
			Content:    content.String,
			Thought:    thought.String,
			Name:       name.String,
			ToolCallID: callID.String,
			ImageRef:   image.String,
		}
		if tcs.Valid && tcs.String != "" {
			if err := json.Unmarshal([]byte(tcs.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, fromSeq int, msgs []chat.Message, now time.Time) error {
	for i, m := range msgs {
		tcs := ""
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			tcs = string(data)
		}
		var err error
		if s.hasSig {
			_, err = tx.ExecContext(ctx, `INSERT INTO messages (session_id, seq, role, content, thought, name, tool_call_id, tool_calls, image_ref, sig, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, fromSeq+i, string(m.Role), m.Content, m.Thought, m.Name, m.ToolCallID, tcs, m.ImageRef, chat.Signature(m), now.Format(time.RFC3339Nano))
		} else {
			s.legacyWarn()
			_, err = tx.ExecContext(ctx, `INSERT INTO messages (session_id, seq, role, content, thought, name, tool_call_id, tool_calls, image_ref, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, fromSeq+i, string(m.Role), m.Content, m.Thought, m.Name, m.ToolCallID, tcs, m.ImageRef, now.Format(time.RFC3339Nano))
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func upsertMeta(ctx context.Context, tx *sql.Tx, meta Meta) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions (session_id, title, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET title = excluded.title, message_count = excluded.message_count, updated_at = excluded.updated_at`,
		meta.SessionID, meta.Title, meta.MessageCount, meta.CreatedAt.Format(time.RFC3339Nano), meta.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert session meta: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (Meta, error) {
	var meta Meta
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&meta.SessionID, &meta.Title, &meta.MessageCount, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Meta{}, err
		}
		return Meta{}, fmt.Errorf("scan session meta: %w", err)
	}
	meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	meta.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return meta, nil
}
