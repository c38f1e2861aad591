package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Counters is a live snapshot of the running tallies maintained by a Sink.
// The orchestrator reads it mid-session for early-warning checks; the quality
// analyzer reads it post hoc.
type Counters struct {
	ToolUses     int
	Errors       int
	BrowserCalls int
	Screenshots  int
	PerTool      map[string]int
}

// Sink writes one session's event stream to two append-only artifacts in the
// project's log area: a structured jsonl record stream and a human-readable
// narrative. Writes are buffered by the OS; the files are fsynced on close
// only, so a crash yields a truncated-but-valid prefix.
type Sink struct {
	sessionID string

	mu       sync.Mutex
	jsonl    *os.File
	text     *os.File
	enc      *json.Encoder
	counters Counters
	closed   bool
}

// StructuredPath returns the jsonl artifact path for a session.
func StructuredPath(workspace string, sessionNumber int, kind string) string {
	return filepath.Join(workspace, "logs", fmt.Sprintf("session_%03d_%s.jsonl", sessionNumber, kind))
}

// NarrativePath returns the human-readable artifact path for a session.
func NarrativePath(workspace string, sessionNumber int, kind string) string {
	return filepath.Join(workspace, "logs", fmt.Sprintf("session_%03d_%s.txt", sessionNumber, kind))
}

// ReviewPath returns the deep-review text path for a session.
func ReviewPath(workspace string, sessionNumber int) string {
	return filepath.Join(workspace, "logs", fmt.Sprintf("session_%03d_review.md", sessionNumber))
}

// NewSink opens the two artifacts for the given session, creating the log
// directory as needed.
func NewSink(workspace, sessionID string, sessionNumber int, kind string) (*Sink, error) {
	logDir := filepath.Join(workspace, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	jsonl, err := os.OpenFile(StructuredPath(workspace, sessionNumber, kind), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open structured log: %w", err)
	}
	text, err := os.OpenFile(NarrativePath(workspace, sessionNumber, kind), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		jsonl.Close()
		return nil, fmt.Errorf("open narrative log: %w", err)
	}
	return &Sink{
		sessionID: sessionID,
		jsonl:     jsonl,
		text:      text,
		enc:       json.NewEncoder(jsonl),
		counters:  Counters{PerTool: make(map[string]int)},
	}, nil
}

// Append records one event in both artifacts and updates the running tallies.
// Events are never mutated after the fact.
func (s *Sink) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	ev.TS = ev.TS.In(time.UTC)
	ev.SessionID = s.sessionID
	ev.Content = truncate(ev.Content)

	switch ev.Kind {
	case EventToolUse:
		s.counters.ToolUses++
		s.counters.PerTool[ev.ToolName]++
		if isBrowserTool(ev.ToolName) {
			s.counters.BrowserCalls++
		}
		if isScreenshotTool(ev.ToolName) {
			s.counters.Screenshots++
		}
	case EventError:
		s.counters.Errors++
	case EventToolResult:
		if ev.IsError {
			s.counters.Errors++
		}
	}

	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.text.WriteString(narrate(ev)); err != nil {
		return fmt.Errorf("write narrative: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the running counters.
func (s *Sink) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.counters
	out.PerTool = make(map[string]int, len(s.counters.PerTool))
	for name, n := range s.counters.PerTool {
		out.PerTool[name] = n
	}
	return out
}

// Close fsyncs and closes both artifacts. Safe to call twice.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, f := range []*os.File{s.jsonl, s.text} {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync log: %w", err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log: %w", err)
		}
	}
	return firstErr
}

// isBrowserTool reports whether a tool name belongs to the browser-automation
// surface the agent uses for verification.
func isBrowserTool(name string) bool {
	lowered := strings.ToLower(name)
	return strings.Contains(lowered, "browser") || strings.Contains(lowered, "playwright") || strings.Contains(lowered, "puppeteer")
}

func isScreenshotTool(name string) bool {
	return strings.Contains(strings.ToLower(name), "screenshot")
}

// narrate renders one event as a line of the human-readable artifact.
func narrate(ev Event) string {
	ts := ev.TS.Format("15:04:05")
	switch ev.Kind {
	case EventSessionStart:
		return fmt.Sprintf("[%s] === session start (kind=%s model=%s) ===\n", ts, ev.SessionKind, ev.Model)
	case EventSessionEnd:
		return fmt.Sprintf("[%s] === session end (%.1fs, %d tool uses, %d errors) ===\n",
			ts, ev.DurationSeconds, ev.ToolUseCount, ev.ErrorCount)
	case EventAssistantText:
		return fmt.Sprintf("[%s] assistant: %s\n", ts, firstLine(ev.Content))
	case EventToolUse:
		return fmt.Sprintf("[%s] tool %s <- %s\n", ts, ev.ToolName, firstLine(ev.Content))
	case EventToolResult:
		marker := "ok"
		if ev.IsError {
			marker = "ERROR"
		}
		return fmt.Sprintf("[%s] tool %s -> %s: %s\n", ts, ev.ToolName, marker, firstLine(ev.Content))
	case EventError:
		return fmt.Sprintf("[%s] ERROR (%s): %s\n", ts, ev.ErrorKind, firstLine(ev.Content))
	case EventCompactionBoundary:
		return fmt.Sprintf("[%s] --- context compacted ---\n", ts)
	default:
		return fmt.Sprintf("[%s] %s: %s\n", ts, ev.Kind, firstLine(ev.Content))
	}
}

func firstLine(content string) string {
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}
	if len(content) > 200 {
		content = content[:200] + "…"
	}
	return content
}
