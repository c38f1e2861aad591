package agent

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/buildloop/buildloop/internal/eventlog"
)

func TestTranslateAssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Working on it"},{"type":"tool_use","name":"exec","input":{"command":"npm test"}}]}}`
	events := translateLine([]byte(line))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != eventlog.EventAssistantText || events[0].Content != "Working on it" {
		t.Fatalf("unexpected text event: %+v", events[0])
	}
	if events[1].Kind != eventlog.EventToolUse || events[1].ToolName != "exec" {
		t.Fatalf("unexpected tool event: %+v", events[1])
	}
	if !strings.Contains(events[1].Content, "npm test") {
		t.Fatalf("tool input summary missing command: %q", events[1].Content)
	}
}

func TestTranslateToolResultCarriesErrorFlag(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":[{"type":"text","text":"command not found"}]}]}}`
	events := translateLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != eventlog.EventToolResult || !events[0].IsError {
		t.Fatalf("unexpected result event: %+v", events[0])
	}
	if events[0].Content != "command not found" {
		t.Fatalf("unexpected content: %q", events[0].Content)
	}
}

func TestTranslateCompactionBoundary(t *testing.T) {
	events := translateLine([]byte(`{"type":"system","subtype":"compact_boundary"}`))
	if len(events) != 1 || events[0].Kind != eventlog.EventCompactionBoundary {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestTranslateResultCarriesTokenUsage(t *testing.T) {
	line := `{"type":"result","duration_ms":5400,"result":"done","usage":{"input_tokens":1200,"output_tokens":340,"cache_creation_input_tokens":10,"cache_read_input_tokens":900}}`
	events := translateLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Subtype != "result" || ev.Tokens == nil {
		t.Fatalf("unexpected result event: %+v", ev)
	}
	if ev.Tokens.Input != 1200 || ev.Tokens.Output != 340 || ev.Tokens.CacheRead != 900 {
		t.Fatalf("unexpected token usage: %+v", ev.Tokens)
	}
	if ev.DurationMS != 5400 {
		t.Fatalf("unexpected duration: %d", ev.DurationMS)
	}
}

func TestTranslateIgnoresMalformedLines(t *testing.T) {
	if events := translateLine([]byte("not json at all")); events != nil {
		t.Fatalf("expected nil for malformed input, got %+v", events)
	}
	if events := translateLine([]byte(`{"type":"unknown_kind"}`)); events != nil {
		t.Fatalf("expected nil for unknown type, got %+v", events)
	}
}

func TestReadBoundedLineReportsOverflowAndRecovers(t *testing.T) {
	huge := strings.Repeat("a", 200_000)
	input := "first line\n" + huge + "\nlast line\n"
	reader := bufio.NewReaderSize(strings.NewReader(input), 4096)

	line, err := readBoundedLine(reader, 100_000)
	if err != nil || string(line) != "first line" {
		t.Fatalf("first read: %q %v", line, err)
	}
	_, err = readBoundedLine(reader, 100_000)
	if !errors.Is(err, errLineTooLong) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	line, err = readBoundedLine(reader, 100_000)
	if err != nil || string(line) != "last line" {
		t.Fatalf("stream did not realign after overflow: %q %v", line, err)
	}
}

func TestRenderPromptComposesKindAndSandbox(t *testing.T) {
	prompt := RenderPrompt("initializer", "docker", ".md")
	if !strings.Contains(prompt, "app_spec.md") {
		t.Fatalf("initializer prompt missing spec reference:\n%s", prompt)
	}
	if !strings.Contains(prompt, "/workspace") {
		t.Fatalf("docker addendum missing:\n%s", prompt)
	}
	coding := RenderPrompt("coding", "none", "")
	if !strings.Contains(coding, "get_next_task") {
		t.Fatalf("coding prompt missing task loop:\n%s", coding)
	}
	if strings.Contains(coding, "/workspace") {
		t.Fatalf("host prompt should not mention the container mount:\n%s", coding)
	}
}
