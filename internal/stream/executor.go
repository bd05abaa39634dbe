package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/go-convo/internal/agent"
	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/store"
)

const (
	defaultMaxSteps          = 12
	defaultHeartbeatInterval = 15 * time.Second
	defaultToolOutputLimit   = 4000
	eventBufferSize          = 64
)

// fallbackAnswer is emitted when an execution finishes without having
// produced a single answer event.
const fallbackAnswer = "I wasn't able to produce a final answer for this request. Please try again."

// Options tune one executor. Zero values fall back to defaults.
type Options struct {
	MaxSteps          int
	HeartbeatInterval time.Duration
	ToolOutputLimit   int
}

// Executor drives one execution: it advances the agent step by step,
// deduplicates what each step produced, emits wire events, and hands the
// resulting message delta to the store when the loop ends.
type Executor struct {
	SessionID string
	Agent     agent.Agent
	Store     store.Store
	Tracker   *Tracker
	Logger    *slog.Logger
	Opts      Options

	// History is the previously persisted log, loaded by the caller.
	// BaseSeq is the log length after the caller persisted the input user
	// message; the end-of-run delta is appended at this position.
	History []chat.Message
	BaseSeq int
}

// Run executes the step loop for prompt and returns the event stream. The
// channel is closed when the execution ends; every run terminates with an
// answer, an error, or a cancelled status event. Run is one-shot.
func (x *Executor) Run(ctx context.Context, prompt string) <-chan Event {
	ch := make(chan Event, eventBufferSize)
	go x.run(ctx, prompt, ch)
	return ch
}

func (x *Executor) run(ctx context.Context, prompt string, ch chan<- Event) {
	defer close(ch)
	if x.Tracker == nil {
		x.Tracker = NewTracker()
	}
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", x.SessionID)

	var lastEmit atomic.Int64
	lastEmit.Store(time.Now().UnixNano())
	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			lastEmit.Store(time.Now().UnixNano())
			return true
		case <-ctx.Done():
			return false
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		x.heartbeatLoop(hbCtx, ch, &lastEmit)
	}()
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()

	var (
		seenToolCalls = map[string]struct{}{}
		seenContent   = map[string]struct{}{}
		answered      bool
		answeredFinal bool
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("execution panic: %v", r)
			logger.Error("execution aborted", "error", err)
			x.Tracker.Fail(err)
			x.persist(ctx, logger, []chat.Message{chat.Assistant("The request failed due to an internal error.")})
			emit(ErrorEvent(x.SessionID, "The request failed due to an internal error.", "internal"))
		}
	}()

	x.Agent.Prime(x.History, prompt)
	traceStart := len(x.Agent.Trace())

	if err := x.Tracker.To(StateRunning, "execution started"); err != nil {
		logger.Error("start transition rejected", "error", err)
		emit(ErrorEvent(x.SessionID, "execution could not start", "state"))
		return
	}
	emit(StatusEvent(x.SessionID, StatusProcessing))

	maxSteps := x.stepBudget(prompt)
	cursor := traceStart
	logger.Info("execution started", "max_steps", maxSteps, "base_seq", x.BaseSeq)

	for step := 0; step < maxSteps; step++ {
		if x.Tracker.StopRequested() || ctx.Err() != nil {
			_ = x.Tracker.To(StateStopped, "stop requested")
			x.persistDelta(ctx, logger, traceStart)
			emit(StatusEvent(x.SessionID, StatusCancelled))
			return
		}
		if st := x.Tracker.State(); st != StateRunning {
			if err := x.Tracker.To(StateRunning, ""); err != nil {
				break
			}
		}

		res, err := x.Agent.Step(ctx)
		if err != nil {
			logger.Error("agent step failed", "step", step, "error", err)
			x.Tracker.Fail(err)
			failure := chat.Assistant("The request could not be completed: " + userFacing(err))
			delta := x.delta(traceStart)
			delta = append(delta, failure)
			x.persist(ctx, logger, delta)
			emit(ErrorEvent(x.SessionID, userFacing(err), errorType(err)))
			return
		}

		trace := x.Agent.Trace()
		lastContent := lastAssistantContent(trace, cursor)
		for i := cursor; i < len(trace); i++ {
			m := trace[i]
			switch {
			case m.Role == chat.RoleAssistant && len(m.ToolCalls) > 0:
				if err := x.toState(StateToolExecuting); err == nil {
					for _, tc := range m.ToolCalls {
						if _, dup := seenToolCalls[tc.ID]; dup {
							continue
						}
						seenToolCalls[tc.ID] = struct{}{}
						if !emit(ToolCallEvent(x.SessionID, tc.Name, tc.Arguments, tc.ID)) {
							return
						}
					}
				}
				if strings.TrimSpace(m.Content) == "" {
					continue
				}
				fallthrough
			case m.Role == chat.RoleAssistant && strings.TrimSpace(m.Content) != "":
				hash := chat.ContentHash(m)
				if _, dup := seenContent[hash]; dup {
					continue
				}
				seenContent[hash] = struct{}{}
				thought, answer := SplitThought(m)
				if thought != "" {
					_ = x.toState(StateThinking)
					if !emit(ThoughtEvent(x.SessionID, thought)) {
						return
					}
				}
				if answer != "" {
					// The last answer of the run's final step carries the
					// completeness flag, whether the agent finished or the
					// step budget ran out.
					terminal := res.Final || res.Done || res.Stuck || step == maxSteps-1
					complete := i == lastContent && terminal && !answeredFinal
					if !emit(AnswerEvent(x.SessionID, answer, complete)) {
						return
					}
					answered = true
					if complete {
						answeredFinal = true
					}
				}
			case m.Role == chat.RoleTool:
				output, _ := FormatToolOutput(m.Content, x.toolOutputLimit())
				if !emit(ToolResultEvent(x.SessionID, m.Name, output, m.ToolCallID)) {
					return
				}
			}
		}
		cursor = len(trace)

		if res.Done {
			_ = x.Tracker.To(StateCompleted, "agent done")
			break
		}
		if res.Stuck {
			logger.Warn("agent reported repetition, stopping", "step", step)
			_ = x.Tracker.To(StateCompleted, "agent stuck")
			break
		}
	}

	if !x.Tracker.State().Terminal() {
		_ = x.Tracker.To(StateCompleted, "step budget exhausted")
	}

	// Synthesize an answer only for runs that emitted none; re-sending
	// content that already went out would duplicate it on the wire.
	if !answered {
		if !emit(AnswerEvent(x.SessionID, x.fallbackAnswer(traceStart), true)) {
			return
		}
	}
	x.persistDelta(ctx, logger, traceStart)
	emit(StatusEvent(x.SessionID, StatusComplete))
	logger.Info("execution finished", "state", string(x.Tracker.State()))
}

func (x *Executor) heartbeatLoop(ctx context.Context, ch chan<- Event, lastEmit *atomic.Int64) {
	interval := x.Opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastEmit.Load()))
			if idle < interval {
				continue
			}
			select {
			case ch <- HeartbeatEvent(x.SessionID):
				lastEmit.Store(time.Now().UnixNano())
			case <-ctx.Done():
				return
			default:
				// Transport is backed up; it does not need keeping alive.
			}
		}
	}
}

func (x *Executor) toState(next State) error {
	if x.Tracker.State() == next {
		return nil
	}
	return x.Tracker.To(next, "")
}

// delta is the ordered, deduplicated set of messages this execution
// produced, excluding the input user message (the caller persisted it).
func (x *Executor) delta(traceStart int) []chat.Message {
	trace := x.Agent.Trace()
	if traceStart > len(trace) {
		return nil
	}
	produced := make([]chat.Message, 0, len(trace)-traceStart)
	for _, m := range trace[traceStart:] {
		if m.Role == chat.RoleUser {
			continue
		}
		produced = append(produced, m)
	}
	return chat.Dedup(produced)
}

func (x *Executor) persistDelta(ctx context.Context, logger *slog.Logger, traceStart int) {
	x.persist(ctx, logger, x.delta(traceStart))
}

func (x *Executor) persist(ctx context.Context, logger *slog.Logger, delta []chat.Message) {
	if x.Store == nil || len(delta) == 0 {
		return
	}
	// Best-effort durability: use a fresh context so that a client
	// disconnect does not discard the partial trace.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	res, err := x.Store.AppendMessages(pctx, x.SessionID, x.BaseSeq, delta)
	if err != nil {
		logger.Error("persist execution delta", "error", err)
		return
	}
	if res.Conflict {
		logger.Warn("execution delta rejected", "base_seq", x.BaseSeq, "expected_base_seq", res.ExpectedBaseSeq)
	}
}

func (x *Executor) fallbackAnswer(traceStart int) string {
	trace := x.Agent.Trace()
	for i := len(trace) - 1; i >= traceStart; i-- {
		if trace[i].Role == chat.RoleAssistant && strings.TrimSpace(trace[i].Content) != "" {
			_, answer := SplitThought(trace[i])
			if answer != "" {
				return answer
			}
			return trace[i].Content
		}
	}
	return fallbackAnswer
}

// stepBudget picks the step ceiling from lightweight prompt heuristics,
// clamped by the configured maximum.
func (x *Executor) stepBudget(prompt string) int {
	limit := x.Opts.MaxSteps
	if limit <= 0 {
		limit = defaultMaxSteps
	}
	budget := 6
	lower := strings.ToLower(prompt)
	switch {
	case len(prompt) < 20:
		budget = 3
	case len(prompt) > 400:
		budget = 10
	}
	for _, kw := range []string{"analyze", "compare", "report", "detailed", "step by step"} {
		if strings.Contains(lower, kw) {
			budget = 10
			break
		}
	}
	if budget > limit {
		budget = limit
	}
	return budget
}

func (x *Executor) toolOutputLimit() int {
	if x.Opts.ToolOutputLimit > 0 {
		return x.Opts.ToolOutputLimit
	}
	return defaultToolOutputLimit
}

func lastAssistantContent(trace []chat.Message, from int) int {
	last := -1
	for i := from; i < len(trace); i++ {
		if trace[i].Role == chat.RoleAssistant && strings.TrimSpace(trace[i].Content) != "" {
			last = i
		}
	}
	return last
}

func userFacing(err error) string {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "quota") || strings.Contains(strings.ToLower(msg), "rate limit") {
		return "The model provider rejected the request due to usage limits. Please retry later."
	}
	return msg
}

func errorType(err error) string {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "quota"), strings.Contains(lower, "rate limit"):
		return "quota"
	case strings.Contains(lower, "context deadline"), strings.Contains(lower, "timeout"):
		return "timeout"
	default:
		return "upstream"
	}
}
