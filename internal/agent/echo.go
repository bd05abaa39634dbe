package agent

import (
	"context"

	"github.com/flitsinc/go-convo/internal/chat"
)

// Echo is the built-in engine used when no model provider is wired. It
// answers each prompt by restating it, which is enough to exercise the
// full streaming and persistence path.
type Echo struct {
	trace  []chat.Message
	prompt string
	done   bool
}

func NewEcho() *Echo { return &Echo{} }

// EchoFactory builds an Echo per session.
func EchoFactory(ctx context.Context, sessionID string) (Agent, error) {
	return NewEcho(), nil
}

func (e *Echo) Prime(history []chat.Message, prompt string) {
	e.trace = append([]chat.Message{}, history...)
	e.trace = append(e.trace, chat.User(prompt))
	e.prompt = prompt
	e.done = false
}

func (e *Echo) Step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if e.done {
		return StepResult{Done: true}, nil
	}
	e.done = true
	reply := chat.Assistant("You said: " + e.prompt)
	e.trace = append(e.trace, reply)
	return StepResult{NewMessages: []chat.Message{reply}, Done: true, Final: true}, nil
}

func (e *Echo) Trace() []chat.Message {
	return append([]chat.Message{}, e.trace...)
}
