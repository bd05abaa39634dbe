package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flitsinc/go-convo/internal/chat"
)

// FileStore keeps one JSON document per session. Metadata is recomputed by
// reading the existing document before every write so CreatedAt survives
// snapshot saves.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

type sessionDoc struct {
	SessionID    string         `json:"session_id"`
	Title        string         `json:"title"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Messages     []chat.Message `json:"messages"`
}

func (d sessionDoc) meta() Meta {
	return Meta{
		SessionID:    d.SessionID,
		Title:        d.Title,
		MessageCount: d.MessageCount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (s *FileStore) SaveSession(ctx context.Context, sessionID string, msgs []chat.Message) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	existing, err := s.readDoc(sessionID)
	switch {
	case err == nil:
		if snapshotUnchanged(existing.Messages, msgs) {
			return existing.meta(), nil
		}
	case errors.Is(err, ErrNotFound):
		existing = sessionDoc{SessionID: sessionID, CreatedAt: time.Now().UTC()}
	default:
		return Meta{}, err
	}

	doc := sessionDoc{
		SessionID:    sessionID,
		Title:        chat.DeriveTitle(msgs),
		MessageCount: len(msgs),
		CreatedAt:    existing.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
		Messages:     msgs,
	}
	if err := s.writeDoc(doc); err != nil {
		return Meta{}, err
	}
	return doc.meta(), nil
}

func (s *FileStore) AppendMessages(ctx context.Context, sessionID string, baseSeq int, delta []chat.Message) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	baseSeq = clampSeq(baseSeq)
	doc, err := s.readDoc(sessionID)
	if errors.Is(err, ErrNotFound) {
		// Concurrent deletion or first write: recreate the session.
		doc = sessionDoc{SessionID: sessionID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return AppendResult{}, err
	}

	switch planAppend(doc.Messages, baseSeq, delta) {
	case actionConflict:
		return AppendResult{
			Conflict:        true,
			NewSeq:          len(doc.Messages),
			ExpectedBaseSeq: len(doc.Messages),
			Meta:            doc.meta(),
		}, nil
	case actionSkip:
		return AppendResult{
			Skipped: true,
			NewSeq:  len(doc.Messages),
			Meta:    doc.meta(),
		}, nil
	}

	doc.Messages = append(doc.Messages, delta...)
	doc.MessageCount = len(doc.Messages)
	doc.Title = chat.DeriveTitle(doc.Messages)
	doc.UpdatedAt = time.Now().UTC()
	if err := s.writeDoc(doc); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{
		AcceptedCount: len(delta),
		NewSeq:        len(doc.Messages),
		Meta:          doc.meta(),
	}, nil
}

func (s *FileStore) LoadSession(ctx context.Context, sessionID string) (Meta, []chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, nil, err
	}
	doc, err := s.readDoc(sessionID)
	if err != nil {
		return Meta{}, nil, err
	}
	return doc.meta(), doc.Messages, nil
}

func (s *FileStore) ListSessions(ctx context.Context) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.readDocFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, doc.meta())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *FileStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return true, nil
}

func (s *FileStore) UpdateTitle(ctx context.Context, sessionID, title string) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	doc, err := s.readDoc(sessionID)
	if err != nil {
		return Meta{}, err
	}
	doc.Title = chat.TruncateTitle(title)
	doc.UpdatedAt = time.Now().UTC()
	if err := s.writeDoc(doc); err != nil {
		return Meta{}, err
	}
	return doc.meta(), nil
}

func (s *FileStore) ExportSession(ctx context.Context, sessionID, path string, format Format) (string, error) {
	meta, msgs, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return exportSession(meta, msgs, path, format)
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, SafeFilename(sessionID)+".json")
}

func (s *FileStore) readDoc(sessionID string) (sessionDoc, error) {
	return s.readDocFile(s.path(sessionID))
}

func (s *FileStore) readDocFile(path string) (sessionDoc, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sessionDoc{}, ErrNotFound
	}
	if err != nil {
		return sessionDoc{}, fmt.Errorf("read session: %w", err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return sessionDoc{}, fmt.Errorf("decode session: %w", err)
	}
	return doc, nil
}

func (s *FileStore) writeDoc(doc sessionDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	target := s.path(doc.SessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// SafeFilename maps a session id onto a filesystem-safe name. Ids that
// need rewriting get a short hash suffix so distinct ids never collide on
// the same file.
func SafeFilename(sessionID string) string {
	var b strings.Builder
	rewritten := false
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
			rewritten = true
		}
	}
	name := b.String()
	if name == "" || rewritten {
		sum := sha256.Sum256([]byte(sessionID))
		name = strings.TrimSuffix(name, "-") + "-" + hex.EncodeToString(sum[:4])
		name = strings.TrimPrefix(name, "-")
	}
	return name
}
