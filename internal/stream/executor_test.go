package stream_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/go-convo/internal/agent"
	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/stream"
	"github.com/flitsinc/go-convo/internal/testutil"
)

func collect(events <-chan stream.Event) []stream.Event {
	var out []stream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func ofType(events []stream.Event, kind stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestExecutorHappyPath(t *testing.T) {
	st := testutil.OpenTestFileStore(t)
	ctx := context.Background()
	if _, err := st.AppendMessages(ctx, "s1", 0, []chat.Message{chat.User("sum the data")}); err != nil {
		t.Fatalf("seed user message: %v", err)
	}

	ag := &testutil.ScriptedAgent{Steps: []agent.StepResult{
		{NewMessages: []chat.Message{
			{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{ID: "tc-1", Name: "sum", Arguments: `{"col":"a"}`}}},
			chat.ToolResult("tc-1", "sum", "Tool output: 42"),
		}},
		{NewMessages: []chat.Message{chat.Assistant("The total is 42.")}, Done: true, Final: true},
	}}

	exec := &stream.Executor{
		SessionID: "s1",
		Agent:     ag,
		Store:     st,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
		History:   nil,
		BaseSeq:   1,
	}
	events := collect(exec.Run(ctx, "sum the data"))

	if events[0].Type != stream.EventStatus || events[0].Status != stream.StatusProcessing {
		t.Fatalf("expected processing status first, got %+v", events[0])
	}
	calls := ofType(events, stream.EventToolCall)
	if len(calls) != 1 || calls[0].ToolCallID != "tc-1" || calls[0].ToolName != "sum" {
		t.Fatalf("tool call events: %+v", calls)
	}
	results := ofType(events, stream.EventToolResult)
	if len(results) != 1 || results[0].Output != "42" {
		t.Fatalf("tool result events: %+v", results)
	}
	answers := ofType(events, stream.EventAnswer)
	if len(answers) != 1 || !answers[0].IsComplete || answers[0].Content != "The total is 42." {
		t.Fatalf("answer events: %+v", answers)
	}
	last := events[len(events)-1]
	if last.Type != stream.EventStatus || last.Status != stream.StatusComplete {
		t.Fatalf("expected complete status last, got %+v", last)
	}
	if exec.Tracker.State() != stream.StateCompleted {
		t.Fatalf("state: %s", exec.Tracker.State())
	}

	meta, msgs, err := st.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta.MessageCount != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", meta.MessageCount)
	}
	if msgs[3].Content != "The total is 42." {
		t.Fatalf("delta not persisted in order: %+v", msgs)
	}
}

func TestExecutorDedupAcrossSteps(t *testing.T) {
	dup := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   "working on it",
		ToolCalls: []chat.ToolCall{{ID: "tc-9", Name: "lookup"}},
	}
	ag := &testutil.ScriptedAgent{Steps: []agent.StepResult{
		{NewMessages: []chat.Message{dup}},
		{NewMessages: []chat.Message{dup}},
		{NewMessages: []chat.Message{chat.Assistant("done")}, Done: true, Final: true},
	}}
	exec := &stream.Executor{
		SessionID: "s2",
		Agent:     ag,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
	}
	events := collect(exec.Run(context.Background(), "please analyze this carefully"))

	if calls := ofType(events, stream.EventToolCall); len(calls) != 1 {
		t.Fatalf("expected 1 tool call event, got %d", len(calls))
	}
	seen := map[string]int{}
	for _, ev := range ofType(events, stream.EventAnswer) {
		seen[ev.Content]++
	}
	if seen["working on it"] != 1 {
		t.Fatalf("duplicate content emitted %d times", seen["working on it"])
	}
}

// loopAgent never finishes and produces fresh content every step.
type loopAgent struct {
	trace []chat.Message
	step  int
}

func (a *loopAgent) Prime(history []chat.Message, prompt string) {
	a.trace = append(a.trace, chat.User(prompt))
}

func (a *loopAgent) Step(ctx context.Context) (agent.StepResult, error) {
	a.step++
	m := chat.Assistant(strings.Repeat("still working ", a.step))
	a.trace = append(a.trace, m)
	return agent.StepResult{NewMessages: []chat.Message{m}}, nil
}

func (a *loopAgent) Trace() []chat.Message { return append([]chat.Message{}, a.trace...) }

func TestExecutorRunawayLoopBound(t *testing.T) {
	ag := &loopAgent{}
	exec := &stream.Executor{
		SessionID: "s3",
		Agent:     ag,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
		Opts:      stream.Options{MaxSteps: 4},
	}
	events := collect(exec.Run(context.Background(), "analyze the report in detail"))

	if ag.step != 4 {
		t.Fatalf("expected exactly 4 steps, got %d", ag.step)
	}
	finals := 0
	contents := map[string]int{}
	for _, ev := range ofType(events, stream.EventAnswer) {
		if ev.IsComplete {
			finals++
		}
		contents[ev.Content]++
	}
	if finals != 1 {
		t.Fatalf("expected exactly one terminal answer, got %d", finals)
	}
	for content, n := range contents {
		if n > 1 {
			t.Fatalf("answer content emitted %d times: %q", n, content)
		}
	}
	if exec.Tracker.State() != stream.StateCompleted {
		t.Fatalf("state: %s", exec.Tracker.State())
	}
}

func TestExecutorBudgetExhaustedMarksLastAnswerComplete(t *testing.T) {
	ag := &testutil.ScriptedAgent{Steps: []agent.StepResult{
		{NewMessages: []chat.Message{chat.Assistant("partial analysis of the data")}},
	}}
	exec := &stream.Executor{
		SessionID: "s7",
		Agent:     ag,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
		Opts:      stream.Options{MaxSteps: 1},
	}
	events := collect(exec.Run(context.Background(), "analyze the data set"))

	answers := ofType(events, stream.EventAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected a single answer event, got %d: %+v", len(answers), answers)
	}
	if !answers[0].IsComplete || answers[0].Content != "partial analysis of the data" {
		t.Fatalf("answer: %+v", answers[0])
	}
	if exec.Tracker.State() != stream.StateCompleted {
		t.Fatalf("state: %s", exec.Tracker.State())
	}
}

func TestExecutorFallbackOnlyWhenNoAnswerEmitted(t *testing.T) {
	// A run that only produced tool activity still ends with one answer.
	ag := &testutil.ScriptedAgent{Steps: []agent.StepResult{
		{NewMessages: []chat.Message{
			{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{ID: "tc-1", Name: "probe_db"}}},
			chat.ToolResult("tc-1", "probe_db", "ok"),
		}, Done: true},
	}}
	exec := &stream.Executor{
		SessionID: "s8",
		Agent:     ag,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
	}
	events := collect(exec.Run(context.Background(), "check the database health"))

	answers := ofType(events, stream.EventAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected one synthesized answer, got %d", len(answers))
	}
	if !answers[0].IsComplete || answers[0].Content == "" {
		t.Fatalf("synthesized answer: %+v", answers[0])
	}
}

type failingAgent struct {
	trace []chat.Message
}

func (a *failingAgent) Prime(history []chat.Message, prompt string) {
	a.trace = append(a.trace, chat.User(prompt))
}

func (a *failingAgent) Step(ctx context.Context) (agent.StepResult, error) {
	return agent.StepResult{}, errors.New("provider quota exhausted")
}

func (a *failingAgent) Trace() []chat.Message { return append([]chat.Message{}, a.trace...) }

func TestExecutorErrorPath(t *testing.T) {
	st := testutil.OpenTestFileStore(t)
	ctx := context.Background()
	if _, err := st.AppendMessages(ctx, "s4", 0, []chat.Message{chat.User("hello there friend")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	exec := &stream.Executor{
		SessionID: "s4",
		Agent:     &failingAgent{},
		Store:     st,
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
		BaseSeq:   1,
	}
	events := collect(exec.Run(ctx, "hello there friend"))

	errs := ofType(events, stream.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error event, got %d", len(errs))
	}
	if errs[0].ErrorType != "quota" {
		t.Fatalf("error type: %q", errs[0].ErrorType)
	}
	if last := events[len(events)-1]; last.Type != stream.EventError {
		t.Fatalf("stream should end on the error event, got %+v", last)
	}
	if exec.Tracker.State() != stream.StateError {
		t.Fatalf("state: %s", exec.Tracker.State())
	}

	// Partial work durability: a synthetic assistant message landed.
	_, msgs, err := st.LoadSession(ctx, "s4")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lastMsg := msgs[len(msgs)-1]
	if lastMsg.Role != chat.RoleAssistant || !strings.Contains(lastMsg.Content, "could not be completed") {
		t.Fatalf("expected synthetic failure message, got %+v", lastMsg)
	}
}

func TestExecutorStopRequest(t *testing.T) {
	tracker := stream.NewTracker()
	tracker.RequestStop()
	exec := &stream.Executor{
		SessionID: "s5",
		Agent:     &loopAgent{},
		Tracker:   tracker,
		Logger:    testutil.DiscardLogger(),
	}
	events := collect(exec.Run(context.Background(), "long running analysis job"))

	last := events[len(events)-1]
	if last.Type != stream.EventStatus || last.Status != stream.StatusCancelled {
		t.Fatalf("expected cancelled status last, got %+v", last)
	}
	if len(ofType(events, stream.EventAnswer)) != 0 {
		t.Fatalf("cancelled run should not synthesize an answer")
	}
	if tracker.State() != stream.StateStopped {
		t.Fatalf("state: %s", tracker.State())
	}
}

type slowAgent struct {
	trace []chat.Message
	delay time.Duration
}

func (a *slowAgent) Prime(history []chat.Message, prompt string) {
	a.trace = append(a.trace, chat.User(prompt))
}

func (a *slowAgent) Step(ctx context.Context) (agent.StepResult, error) {
	time.Sleep(a.delay)
	m := chat.Assistant("slow result")
	a.trace = append(a.trace, m)
	return agent.StepResult{NewMessages: []chat.Message{m}, Done: true, Final: true}, nil
}

func (a *slowAgent) Trace() []chat.Message { return append([]chat.Message{}, a.trace...) }

func TestExecutorHeartbeatDuringIdle(t *testing.T) {
	exec := &stream.Executor{
		SessionID: "s6",
		Agent:     &slowAgent{delay: 120 * time.Millisecond},
		Tracker:   stream.NewTracker(),
		Logger:    testutil.DiscardLogger(),
		Opts:      stream.Options{HeartbeatInterval: 20 * time.Millisecond},
	}
	events := collect(exec.Run(context.Background(), "slow"))
	if len(ofType(events, stream.EventHeartbeat)) == 0 {
		t.Fatalf("expected at least one heartbeat while the agent was busy")
	}
	if len(ofType(events, stream.EventAnswer)) != 1 {
		t.Fatalf("heartbeats must not disturb message semantics")
	}
}
