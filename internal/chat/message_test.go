package chat

import (
	"strings"
	"testing"
)

func TestSignatureCoversIdentityFields(t *testing.T) {
	base := Message{Role: RoleAssistant, Content: "hello"}
	variants := []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hello!"},
		{Role: RoleAssistant, Content: "hello", Thought: "hm"},
		{Role: RoleAssistant, Content: "hello", Name: "search"},
		{Role: RoleAssistant, Content: "hello", ToolCallID: "tc-1"},
		{Role: RoleAssistant, Content: "hello", ToolCalls: []ToolCall{{ID: "tc-1", Name: "search"}}},
	}
	sig := Signature(base)
	if sig != Signature(base) {
		t.Fatalf("signature not stable")
	}
	for i, v := range variants {
		if Signature(v) == sig {
			t.Fatalf("variant %d should produce a different signature", i)
		}
	}
}

func TestContentHashIgnoresToolFields(t *testing.T) {
	a := Message{Role: RoleAssistant, Content: "same", ToolCallID: "tc-1"}
	b := Message{Role: RoleAssistant, Content: "same", Name: "other"}
	if ContentHash(a) != ContentHash(b) {
		t.Fatalf("content hash should depend only on role and content")
	}
	c := Message{Role: RoleUser, Content: "same"}
	if ContentHash(a) == ContentHash(c) {
		t.Fatalf("content hash should depend on role")
	}
}

func TestDedupPreservesOrder(t *testing.T) {
	msgs := []Message{
		Assistant("one"),
		Assistant("two"),
		Assistant("one"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}}},
		Assistant("three"),
	}
	out := Dedup(msgs)
	if len(out) != 4 {
		t.Fatalf("expected 4 unique messages, got %d", len(out))
	}
	if out[0].Content != "one" || out[1].Content != "two" || out[3].Content != "three" {
		t.Fatalf("order not preserved: %+v", out)
	}
}

func TestDeriveTitle(t *testing.T) {
	if got := DeriveTitle(nil); got != DefaultTitle {
		t.Fatalf("empty log: got %q", got)
	}
	msgs := []Message{
		System("system prompt"),
		User("  "),
		User("help me plan a trip"),
	}
	if got := DeriveTitle(msgs); got != "help me plan a trip" {
		t.Fatalf("expected first non-empty user message, got %q", got)
	}
	noUser := []Message{System("system prompt"), Assistant("hi there")}
	if got := DeriveTitle(noUser); got != "system prompt" {
		t.Fatalf("expected first non-empty message of any role, got %q", got)
	}
}

func TestTruncateTitle(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := TruncateTitle(long)
	if len([]rune(got)) != titleMaxLength {
		t.Fatalf("expected %d runes, got %d (%q)", titleMaxLength, len([]rune(got)), got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
	if got := TruncateTitle("line\none  two"); got != "line one two" {
		t.Fatalf("expected whitespace collapse, got %q", got)
	}
}

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"user", "ASSISTANT", " tool ", "system"} {
		if _, ok := ParseRole(valid); !ok {
			t.Fatalf("expected %q to parse", valid)
		}
	}
	if _, ok := ParseRole("operator"); ok {
		t.Fatalf("unexpected role accepted")
	}
}
