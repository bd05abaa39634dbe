package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Role is a closed set. Conversion to and from the storage string happens
// exactly once, at the store boundary.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	case RoleTool:
		return RoleTool, true
	case RoleSystem:
		return RoleSystem, true
	}
	return "", false
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is one entry of a session log. A tool message always carries a
// non-empty ToolCallID; an assistant message with tool calls may have empty
// content. Messages are immutable once persisted.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Thought    string     `json:"thought,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ImageRef   string     `json:"image_ref,omitempty"`
}

func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }

func ToolResult(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// sigVersion is part of the hashed input. Bump it whenever the set of
// fields feeding Signature or ContentHash changes, so that hashes from
// different contract versions never compare equal.
const sigVersion = "v1"

const fieldSep = "\x1f"

// Signature identifies a message for idempotent-replay comparison. Two
// messages with equal signatures are treated as the same log entry.
func Signature(m Message) string {
	h := sha256.New()
	h.Write([]byte(sigVersion + fieldSep + string(m.Role) + fieldSep + m.Content + fieldSep + m.Thought + fieldSep + m.Name + fieldSep + m.ToolCallID))
	for _, tc := range m.ToolCalls {
		h.Write([]byte(fieldSep + tc.ID + fieldSep + tc.Name + fieldSep + tc.Arguments))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is the stream dedup key: role and textual content only, so a
// re-scan of the same trace never emits the same text twice.
func ContentHash(m Message) string {
	h := sha256.New()
	h.Write([]byte(sigVersion + fieldSep + string(m.Role) + fieldSep + m.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// ToolCallSignature folds the ordered tool calls of a message into one
// string, used as part of the end-of-run delta dedup key.
func ToolCallSignature(m Message) string {
	if len(m.ToolCalls) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tc := range m.ToolCalls {
		b.WriteString(tc.ID)
		b.WriteString(fieldSep)
		b.WriteString(tc.Name)
		b.WriteString(fieldSep)
		b.WriteString(tc.Arguments)
		b.WriteString(fieldSep)
	}
	return b.String()
}

// DedupKey is the end-of-run trace dedup key: (role, content, tool-call
// signature).
func DedupKey(m Message) string {
	return string(m.Role) + fieldSep + m.Content + fieldSep + ToolCallSignature(m)
}

// Dedup returns msgs with duplicate DedupKey entries removed, preserving
// first-occurrence order.
func Dedup(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		key := DedupKey(m)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

const (
	DefaultTitle   = "New conversation"
	titleMaxLength = 60
)

// DeriveTitle picks a session title from the first non-empty user message,
// falling back to the first non-empty message of any role, then to
// DefaultTitle.
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return TruncateTitle(m.Content)
		}
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			return TruncateTitle(m.Content)
		}
	}
	return DefaultTitle
}

func TruncateTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= titleMaxLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:titleMaxLength-1]) + "…"
}
