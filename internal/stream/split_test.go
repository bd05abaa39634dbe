package stream

import (
	"strings"
	"testing"

	"github.com/flitsinc/go-convo/internal/chat"
)

func TestSplitThoughtField(t *testing.T) {
	m := chat.Message{Role: chat.RoleAssistant, Content: "the answer", Thought: "considering options"}
	thought, answer := SplitThought(m)
	if thought != "considering options" || answer != "the answer" {
		t.Fatalf("got thought=%q answer=%q", thought, answer)
	}
}

func TestSplitThoughtMarkers(t *testing.T) {
	m := chat.Assistant("Thought: the user wants totals Answer: 42 items in total")
	thought, answer := SplitThought(m)
	if thought != "the user wants totals" {
		t.Fatalf("thought=%q", thought)
	}
	if answer != "42 items in total" {
		t.Fatalf("answer=%q", answer)
	}
}

func TestSplitThoughtParagraph(t *testing.T) {
	m := chat.Assistant("Reasoning: compare both lists\n\nThe lists differ in three places.")
	thought, answer := SplitThought(m)
	if thought != "compare both lists" {
		t.Fatalf("thought=%q", thought)
	}
	if answer != "The lists differ in three places." {
		t.Fatalf("answer=%q", answer)
	}
}

func TestSplitThoughtPlainContent(t *testing.T) {
	thought, answer := SplitThought(chat.Assistant("just an answer"))
	if thought != "" || answer != "just an answer" {
		t.Fatalf("got thought=%q answer=%q", thought, answer)
	}
}

func TestFormatToolOutputStripsBoilerplate(t *testing.T) {
	out, truncated := FormatToolOutput("Observation: it rained", 100)
	if truncated {
		t.Fatalf("short output should not truncate")
	}
	if out != "it rained" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatToolOutputTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	out, truncated := FormatToolOutput(long, 100)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if !strings.HasPrefix(out, strings.Repeat("x", 100)) {
		t.Fatalf("prefix lost")
	}
	if !strings.Contains(out, "[truncated, 500 chars total]") {
		t.Fatalf("marker missing original length: %q", out)
	}
}
