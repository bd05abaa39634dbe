package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flitsinc/go-convo/internal/chat"
)

// exportSession writes a session to path in the requested format and
// returns the path written.
func exportSession(meta Meta, msgs []chat.Message, path string, format Format) (string, error) {
	var data []byte
	var err error
	switch format {
	case FormatJSON:
		data, err = exportJSON(meta, msgs)
	case FormatMarkdown:
		data = exportMarkdown(meta, msgs)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

func exportJSON(meta Meta, msgs []chat.Message) ([]byte, error) {
	doc := struct {
		Meta     Meta           `json:"meta"`
		Messages []chat.Message `json:"messages"`
	}{Meta: meta, Messages: msgs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

func exportMarkdown(meta Meta, msgs []chat.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	fmt.Fprintf(&b, "**Session:** %s  \n", meta.SessionID)
	fmt.Fprintf(&b, "**Messages:** %d  \n", meta.MessageCount)
	fmt.Fprintf(&b, "**Updated:** %s\n\n", meta.UpdatedAt.Format(time.RFC3339))
	b.WriteString("---\n\n")
	for i, m := range msgs {
		fmt.Fprintf(&b, "**%s:**\n\n", strings.ToUpper(string(m.Role)))
		if m.Thought != "" {
			fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(m.Thought, "\n", "\n> "))
		}
		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "- tool call `%s` (%s)\n", tc.Name, tc.ID)
			}
			b.WriteString("\n")
		}
		if m.Content != "" {
			b.WriteString(escapeMarkdown(m.Content))
			b.WriteString("\n\n")
		}
		if i < len(msgs)-1 {
			b.WriteString("---\n\n")
		}
	}
	return []byte(b.String())
}

// escapeMarkdown escapes emphasis markers outside code fences.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inCodeBlock := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "```"):
			inCodeBlock = !inCodeBlock
		case !inCodeBlock:
			line = strings.ReplaceAll(line, "**", `\*\*`)
			line = strings.ReplaceAll(line, "__", `\_\_`)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
