package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/idgen"
	"github.com/flitsinc/go-convo/internal/stream"
)

type streamRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
}

// handleStream runs one execution and streams its events as
// server-sent events: `event: <type>` lines framing a JSON payload.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload streamRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, errInvalid("prompt is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errInvalid("streaming unsupported"))
		return
	}

	events, cleanup, sessionID, err := s.startExecution(r.Context(), payload.ConversationID, payload.Prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-ID", sessionID)
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

// startExecution resolves the session, persists the user message, claims
// the session's run lock, and starts the executor. The returned cleanup
// releases the lock and must be called after the event channel drains.
func (s *Server) startExecution(ctx context.Context, sessionID, prompt string) (<-chan stream.Event, func(), string, error) {
	if sessionID == "" {
		sessionID = idgen.NewSessionID()
	}
	sess, err := s.Registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create session: %w", err)
	}

	// The run lock must cover the history read and the prompt append: the
	// base sequence captured here only stays valid while no other
	// execution can extend the log.
	tracker := stream.NewTracker()
	sess.BeginRun(tracker)

	var history []chat.Message
	baseSeq := 0
	if meta, msgs, err := s.Store.LoadSession(ctx, sessionID); err == nil {
		history = msgs
		baseSeq = meta.MessageCount
	}

	// The input user message is persisted up front; the executor's delta
	// excludes it and appends after it.
	res, err := s.Store.AppendMessages(ctx, sessionID, baseSeq, []chat.Message{chat.User(prompt)})
	if err != nil {
		sess.EndRun()
		return nil, nil, "", fmt.Errorf("persist prompt: %w", err)
	}
	if res.Conflict {
		// The history endpoints can still extend the log; retry once at
		// the head.
		if _, msgs, lerr := s.Store.LoadSession(ctx, sessionID); lerr == nil {
			history = msgs
		}
		res, err = s.Store.AppendMessages(ctx, sessionID, res.ExpectedBaseSeq, []chat.Message{chat.User(prompt)})
		if err != nil {
			sess.EndRun()
			return nil, nil, "", fmt.Errorf("persist prompt: %w", err)
		}
		if res.Conflict {
			sess.EndRun()
			return nil, nil, "", fmt.Errorf("persist prompt: log advanced past seq %d during retry", res.ExpectedBaseSeq)
		}
	}

	exec := &stream.Executor{
		SessionID: sessionID,
		Agent:     sess.Agent,
		Store:     s.Store,
		Tracker:   tracker,
		Logger:    s.logger(),
		Opts:      s.Exec,
		History:   history,
		BaseSeq:   res.NewSeq,
	}
	// The executor outlives a dropped client connection long enough to
	// persist partial work; give it its own cancellation horizon.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-ctx.Done()
		tracker.RequestStop()
		// Grace period for the loop to notice the advisory stop.
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	events := exec.Run(runCtx, prompt)

	cleanup := func() {
		cancel()
		if meta, _, err := s.Store.LoadSession(context.WithoutCancel(ctx), sessionID); err == nil {
			sess.RecordSeeded(meta.MessageCount)
		}
		sess.EndRun()
	}
	return events, cleanup, sessionID, nil
}
