// Package agent defines the boundary to the model-driven step loop. The
// conversation engine never talks to an LLM directly; it only advances an
// Agent one step at a time and reads the messages each step produced.
package agent

import (
	"context"

	"github.com/flitsinc/go-convo/internal/chat"
)

// StepResult reports the outcome of one agent step.
type StepResult struct {
	// NewMessages are the messages appended to the agent's working trace
	// by this step, in production order.
	NewMessages []chat.Message
	// Done is set when the agent considers the exchange finished.
	Done bool
	// Final marks the last textual answer of this step as the final
	// analytical result. The executor relies on this flag instead of
	// sniffing prose markers.
	Final bool
	// Stuck is set when the agent detects it is repeating itself and
	// further steps would not make progress.
	Stuck bool
}

// Agent is one session's conversational engine. Implementations are not
// required to be safe for concurrent use; the registry serializes access
// per session.
type Agent interface {
	// Step advances the agent by one turn and reports what it produced.
	Step(ctx context.Context) (StepResult, error)
	// Prime seeds the agent's working memory: prior history first, then
	// the new user prompt.
	Prime(history []chat.Message, prompt string)
	// Trace returns the full working-memory trace accumulated so far,
	// including the primed history.
	Trace() []chat.Message
}

// Factory builds an agent for a session id. Construction may fail
// transiently (provider connectivity); the registry retries with backoff.
type Factory func(ctx context.Context, sessionID string) (Agent, error)
