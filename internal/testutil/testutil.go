package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/flitsinc/go-convo/internal/agent"
	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/store"
)

// DiscardLogger returns a logger whose output goes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenTestSQL opens a fresh SQLite store under a per-test temp dir.
func OpenTestSQL(t *testing.T) *store.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.OpenSQL(path, DiscardLogger())
	if err != nil {
		t.Fatalf("open sql store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// OpenTestFileStore opens a file store under a per-test temp dir.
func OpenTestFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	return s
}

// ScriptedAgent replays a fixed sequence of step results. The last step's
// messages stay in the trace, so repeated scans see the same content.
type ScriptedAgent struct {
	Steps []agent.StepResult

	trace []chat.Message
	next  int
}

func (a *ScriptedAgent) Prime(history []chat.Message, prompt string) {
	a.trace = append([]chat.Message{}, history...)
	a.trace = append(a.trace, chat.User(prompt))
	a.next = 0
}

func (a *ScriptedAgent) Step(ctx context.Context) (agent.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.StepResult{}, err
	}
	if a.next >= len(a.Steps) {
		return agent.StepResult{Done: true}, nil
	}
	res := a.Steps[a.next]
	a.next++
	a.trace = append(a.trace, res.NewMessages...)
	return res, nil
}

func (a *ScriptedAgent) Trace() []chat.Message {
	return append([]chat.Message{}, a.trace...)
}
