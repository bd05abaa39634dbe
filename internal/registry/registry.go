// Package registry maps session ids to live agent instances. Entries are
// created lazily and survive until an explicit clear or process restart.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/go-convo/internal/agent"
	"github.com/flitsinc/go-convo/internal/store"
	"github.com/flitsinc/go-convo/internal/stream"
)

const (
	defaultInitAttempts = 3
	defaultInitBackoff  = 200 * time.Millisecond
)

// Session is one registry entry: the agent instance plus its conversation
// handle. The run lock serializes executions (and therefore appends) per
// session.
type Session struct {
	ID        string
	Agent     agent.Agent
	CreatedAt time.Time

	// runMu is held for the duration of one execution.
	runMu sync.Mutex

	mu      sync.Mutex
	tracker *stream.Tracker
	seeded  int
}

// BeginRun claims the session for one execution and registers its state
// tracker so a stop request can reach it. Release with EndRun.
func (s *Session) BeginRun(t *stream.Tracker) {
	s.runMu.Lock()
	s.mu.Lock()
	s.tracker = t
	s.mu.Unlock()
}

func (s *Session) EndRun() {
	s.mu.Lock()
	s.tracker = nil
	s.mu.Unlock()
	s.runMu.Unlock()
}

// Stop flips the cooperative stop flag of the active execution, if any.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return false
	}
	s.tracker.RequestStop()
	return true
}

type Options struct {
	InitAttempts int
	InitBackoff  time.Duration
}

type Registry struct {
	factory agent.Factory
	store   store.Store
	logger  *slog.Logger
	opts    Options

	mu      sync.Mutex
	entries map[string]*Session
}

func New(factory agent.Factory, st store.Store, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InitAttempts <= 0 {
		opts.InitAttempts = defaultInitAttempts
	}
	if opts.InitBackoff <= 0 {
		opts.InitBackoff = defaultInitBackoff
	}
	return &Registry{
		factory: factory,
		store:   st,
		logger:  logger,
		opts:    opts,
		entries: map[string]*Session{},
	}
}

// GetOrCreate returns the session entry for id, creating it when absent. A
// stale entry, one whose backing log was emptied or deleted after the
// entry seeded history into the agent, is discarded and rebuilt.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if ok && !r.stale(ctx, entry) {
		return entry, nil
	}
	if ok {
		r.logger.Info("discarding stale session entry", "session_id", id)
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
	}

	ag, err := r.buildAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	seeded := 0
	if r.store != nil {
		if meta, _, err := r.store.LoadSession(ctx, id); err == nil {
			seeded = meta.MessageCount
		}
	}
	entry = &Session{ID: id, Agent: ag, CreatedAt: time.Now().UTC(), seeded: seeded}

	r.mu.Lock()
	// Another request may have created the entry while we were building;
	// keep the first one so both callers share the same agent.
	if existing, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.entries[id] = entry
	r.mu.Unlock()
	return entry, nil
}

func (r *Registry) stale(ctx context.Context, entry *Session) bool {
	if r.store == nil {
		return false
	}
	entry.mu.Lock()
	seeded := entry.seeded
	entry.mu.Unlock()
	if seeded == 0 {
		return false
	}
	meta, _, err := r.store.LoadSession(ctx, entry.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return meta.MessageCount == 0
}

// RecordSeeded notes the persisted log length backing this entry; the
// staleness check compares against it on the next lookup.
func (s *Session) RecordSeeded(count int) {
	s.mu.Lock()
	s.seeded = count
	s.mu.Unlock()
}

func (r *Registry) buildAgent(ctx context.Context, id string) (agent.Agent, error) {
	var lastErr error
	backoff := r.opts.InitBackoff
	for attempt := 0; attempt < r.opts.InitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ag, err := r.factory(ctx, id)
		if err == nil {
			return ag, nil
		}
		lastErr = err
		r.logger.Warn("agent construction failed", "session_id", id, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// Stop requests a cooperative stop of the session's active execution.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return entry.Stop()
}

// Clear drops the in-memory entry. Clearing an absent session reports
// false rather than erroring.
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
