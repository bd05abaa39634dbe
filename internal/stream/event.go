package stream

import (
	"encoding/json"
	"time"

	"github.com/flitsinc/go-convo/internal/idgen"
)

type EventType string

const (
	EventStatus     EventType = "status"
	EventThought    EventType = "thought"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventAnswer     EventType = "answer"
	EventError      EventType = "error"
	EventHeartbeat  EventType = "heartbeat"
)

// Status phase markers carried by EventStatus events.
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusCancelled  = "cancelled"
)

// Event is one unit of the wire stream. Events are ephemeral: only the
// messages they were derived from are persisted.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Status     string          `json:"status,omitempty"`
	Thought    string          `json:"thought,omitempty"`
	Content    string          `json:"content,omitempty"`
	IsComplete bool            `json:"is_complete,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   string          `json:"tool_args,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Output     string          `json:"output,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Message    string          `json:"message,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
}

func newEvent(sessionID string, kind EventType) Event {
	return Event{
		ID:        idgen.NewEventID(),
		Type:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

func StatusEvent(sessionID, phase string) Event {
	e := newEvent(sessionID, EventStatus)
	e.Status = phase
	return e
}

func ThoughtEvent(sessionID, thought string) Event {
	e := newEvent(sessionID, EventThought)
	e.Thought = thought
	return e
}

func ToolCallEvent(sessionID, name, args, callID string) Event {
	e := newEvent(sessionID, EventToolCall)
	e.ToolName = name
	e.ToolArgs = args
	e.ToolCallID = callID
	return e
}

func ToolResultEvent(sessionID, name, output, callID string) Event {
	e := newEvent(sessionID, EventToolResult)
	e.ToolName = name
	e.Output = output
	e.ToolCallID = callID
	return e
}

func AnswerEvent(sessionID, content string, complete bool) Event {
	e := newEvent(sessionID, EventAnswer)
	e.Content = content
	e.IsComplete = complete
	return e
}

func ErrorEvent(sessionID, message, errorType string) Event {
	e := newEvent(sessionID, EventError)
	e.Message = message
	e.ErrorType = errorType
	return e
}

func HeartbeatEvent(sessionID string) Event {
	return newEvent(sessionID, EventHeartbeat)
}
