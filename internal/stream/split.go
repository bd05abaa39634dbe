package stream

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-convo/internal/chat"
)

// thoughtMarkers open a reasoning segment at the start of a message. The
// set is deliberately small; finality is decided by the agent, never by
// prose sniffing.
var thoughtMarkers = []string{"Thought:", "Thinking:", "Reasoning:"}

// answerMarkers separate the reasoning segment from the response segment.
var answerMarkers = []string{"Answer:", "Final Answer:", "Response:"}

// SplitThought separates a message into an optional thought segment and a
// response segment. A populated Thought field wins over inline markers.
func SplitThought(m chat.Message) (thought, answer string) {
	content := strings.TrimSpace(m.Content)
	if strings.TrimSpace(m.Thought) != "" {
		return strings.TrimSpace(m.Thought), content
	}

	marker := ""
	for _, prefix := range thoughtMarkers {
		if strings.HasPrefix(content, prefix) {
			marker = prefix
			break
		}
	}
	if marker == "" {
		return "", content
	}

	rest := strings.TrimSpace(strings.TrimPrefix(content, marker))
	for _, sep := range answerMarkers {
		if idx := strings.Index(rest, sep); idx >= 0 {
			thought = strings.TrimSpace(rest[:idx])
			answer = strings.TrimSpace(rest[idx+len(sep):])
			return thought, answer
		}
	}
	// No response separator: the first paragraph is the thought.
	if idx := strings.Index(rest, "\n\n"); idx >= 0 {
		return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx:])
	}
	return rest, ""
}

// toolBoilerplate prefixes are stripped from tool output before it goes on
// the wire.
var toolBoilerplate = []string{"Tool output:", "Observation:", "Result:"}

// FormatToolOutput strips known boilerplate prefixes and truncates overly
// long payloads, appending a marker that preserves the original length.
func FormatToolOutput(output string, limit int) (string, bool) {
	trimmed := strings.TrimSpace(output)
	for _, prefix := range toolBoilerplate {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			break
		}
	}
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed, false
	}
	total := len(trimmed)
	return trimmed[:limit] + fmt.Sprintf("\n…[truncated, %d chars total]", total), true
}
