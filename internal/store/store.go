// Package store persists per-session conversation logs. Two backends
// implement the same contract: a flat-file document store and a SQLite
// store. Appends are idempotent and ordered; the log length is the
// authoritative next sequence position.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flitsinc/go-convo/internal/chat"
)

var ErrNotFound = errors.New("session not found")

type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatJSON:
		return FormatJSON, true
	case FormatMarkdown, "md":
		return FormatMarkdown, true
	}
	return "", false
}

// Meta is a session's derived metadata, recomputed on every save/append.
type Meta struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppendResult reports the outcome of one AppendMessages call. On conflict
// the caller should re-fetch ExpectedBaseSeq and retry; nothing was
// written.
type AppendResult struct {
	Conflict        bool `json:"conflict"`
	Skipped         bool `json:"skipped"`
	AcceptedCount   int  `json:"accepted_count"`
	NewSeq          int  `json:"new_seq"`
	ExpectedBaseSeq int  `json:"expected_base_seq,omitempty"`
	Meta            Meta `json:"meta"`
}

type Store interface {
	// SaveSession replaces the stored log with msgs (full-snapshot
	// semantics). An unchanged snapshot performs no write.
	SaveSession(ctx context.Context, sessionID string, msgs []chat.Message) (Meta, error)
	// AppendMessages appends delta at baseSeq. See planAppend for the
	// ordering contract.
	AppendMessages(ctx context.Context, sessionID string, baseSeq int, delta []chat.Message) (AppendResult, error)
	LoadSession(ctx context.Context, sessionID string) (Meta, []chat.Message, error)
	// ListSessions returns all sessions, newest activity first.
	ListSessions(ctx context.Context) ([]Meta, error)
	// DeleteSession reports whether the session existed. Deleting an
	// absent session is not an error.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	UpdateTitle(ctx context.Context, sessionID, title string) (Meta, error)
	ExportSession(ctx context.Context, sessionID, path string, format Format) (string, error)
}

type appendAction int

const (
	actionAppend appendAction = iota
	actionSkip
	actionConflict
)

// planAppend implements the append ordering contract against the current
// stored log:
//   - baseSeq == len(stored): append delta at the end.
//   - baseSeq < len(stored): retried request. If the stored slice at
//     [baseSeq, baseSeq+len(delta)) matches delta by signature, the append
//     already happened (skip); otherwise conflict.
//   - baseSeq > len(stored): the caller is ahead of storage; conflict.
//
// Negative baseSeq is clamped to zero. Conflicts carry the current length
// as the expected base sequence and write nothing.
func planAppend(stored []chat.Message, baseSeq int, delta []chat.Message) appendAction {
	if baseSeq < 0 {
		baseSeq = 0
	}
	n := len(stored)
	if baseSeq == n {
		return actionAppend
	}
	if baseSeq > n {
		return actionConflict
	}
	if baseSeq+len(delta) > n {
		return actionConflict
	}
	for i, m := range delta {
		if chat.Signature(stored[baseSeq+i]) != chat.Signature(m) {
			return actionConflict
		}
	}
	return actionSkip
}

func clampSeq(baseSeq int) int {
	if baseSeq < 0 {
		return 0
	}
	return baseSeq
}

// snapshotUnchanged reports whether a full-snapshot save can be skipped:
// same count and same signature of the first and last message.
func snapshotUnchanged(stored, incoming []chat.Message) bool {
	if len(stored) != len(incoming) {
		return false
	}
	if len(stored) == 0 {
		return true
	}
	if chat.Signature(stored[0]) != chat.Signature(incoming[0]) {
		return false
	}
	last := len(stored) - 1
	return chat.Signature(stored[last]) == chat.Signature(incoming[last])
}
