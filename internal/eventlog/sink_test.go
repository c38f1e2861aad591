package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestSinkWritesBothArtifacts(t *testing.T) {
	workspace := t.TempDir()
	sink, err := NewSink(workspace, "sess-1", 0, "initializer")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	events := []Event{
		{Kind: EventSessionStart, SessionKind: "initializer", Model: "test-model"},
		{Kind: EventAssistantText, Content: "planning the roadmap"},
		{Kind: EventToolUse, ToolName: "create_epic", Content: "title=Core features"},
		{Kind: EventToolResult, ToolName: "create_epic", Content: `{"id":1}`},
		{Kind: EventToolUse, ToolName: "browser_navigate", Content: "url=http://localhost:3000"},
		{Kind: EventToolResult, ToolName: "browser_navigate", IsError: true, Content: "connection refused"},
		{Kind: EventSessionEnd, DurationSeconds: 12.5, ToolUseCount: 2, ErrorCount: 1, Tokens: &Tokens{Input: 100, Output: 50}},
	}
	for _, ev := range events {
		if err := sink.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	jsonlPath := StructuredPath(workspace, 0, "initializer")
	file, err := os.Open(jsonlPath)
	if err != nil {
		t.Fatalf("open structured log: %v", err)
	}
	defer file.Close()

	var kinds []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if ev.SessionID != "sess-1" {
			t.Fatalf("record missing session id: %+v", ev)
		}
		if ev.TS.IsZero() {
			t.Fatalf("record missing timestamp: %+v", ev)
		}
		kinds = append(kinds, ev.Kind)
	}
	if kinds[0] != EventSessionStart || kinds[len(kinds)-1] != EventSessionEnd {
		t.Fatalf("log does not open with session_start and close with session_end: %v", kinds)
	}
	if len(kinds) != len(events) {
		t.Fatalf("expected %d records, got %d", len(events), len(kinds))
	}

	narrative, err := os.ReadFile(NarrativePath(workspace, 0, "initializer"))
	if err != nil {
		t.Fatalf("read narrative: %v", err)
	}
	if !strings.Contains(string(narrative), "create_epic") {
		t.Fatalf("narrative missing tool name:\n%s", narrative)
	}
	if !strings.Contains(string(narrative), "session end") {
		t.Fatalf("narrative missing footer:\n%s", narrative)
	}
}

func TestSinkCountersTrackToolsAndErrors(t *testing.T) {
	sink, err := NewSink(t.TempDir(), "sess-2", 1, "coding")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	sink.Append(Event{Kind: EventToolUse, ToolName: "exec"})
	sink.Append(Event{Kind: EventToolUse, ToolName: "exec"})
	sink.Append(Event{Kind: EventToolUse, ToolName: "browser_click"})
	sink.Append(Event{Kind: EventToolUse, ToolName: "browser_take_screenshot"})
	sink.Append(Event{Kind: EventToolResult, ToolName: "exec", IsError: true})
	sink.Append(Event{Kind: EventError, Content: "transport hiccup"})

	counters := sink.Snapshot()
	if counters.ToolUses != 4 {
		t.Fatalf("expected 4 tool uses, got %d", counters.ToolUses)
	}
	if counters.Errors != 2 {
		t.Fatalf("expected 2 errors, got %d", counters.Errors)
	}
	if counters.BrowserCalls != 2 {
		t.Fatalf("expected 2 browser calls, got %d", counters.BrowserCalls)
	}
	if counters.Screenshots != 1 {
		t.Fatalf("expected 1 screenshot call, got %d", counters.Screenshots)
	}
	if counters.PerTool["exec"] != 2 {
		t.Fatalf("expected per-tool count 2 for exec, got %d", counters.PerTool["exec"])
	}
}

func TestSinkTruncatesOversizedContent(t *testing.T) {
	workspace := t.TempDir()
	sink, err := NewSink(workspace, "sess-3", 2, "coding")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	huge := strings.Repeat("x", 100_000)
	if err := sink.Append(Event{Kind: EventToolResult, ToolName: "exec", Content: huge}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sink.Close()

	raw, err := os.ReadFile(StructuredPath(workspace, 2, "coding"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw[:len(raw)-1], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ev.Content) > 4096 {
		t.Fatalf("content not truncated: %d bytes", len(ev.Content))
	}
	if !strings.HasSuffix(ev.Content, "[truncated]") {
		t.Fatalf("missing truncation marker")
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	sink, err := NewSink(t.TempDir(), "sess-4", 3, "coding")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	sink.Close()
	if err := sink.Append(Event{Kind: EventAssistantText, Content: "late"}); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}
