package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/fault"
)

// CLITransport spawns the external agent binary in stream-json mode and
// translates its line-delimited event output.
type CLITransport struct {
	Command string
	APIKey  string
}

func (t *CLITransport) Name() string { return "cli" }

// Stream launches the process and pumps translated events until the process
// exits, the context is cancelled, or a fatal transport error occurs.
func (t *CLITransport) Stream(ctx context.Context, inv Invocation) <-chan eventlog.Event {
	out := make(chan eventlog.Event, 64)
	go func() {
		defer close(out)
		t.run(ctx, inv, out)
	}()
	return out
}

func (t *CLITransport) run(ctx context.Context, inv Invocation, out chan<- eventlog.Event) {
	logger := common.Component("agent")
	command := t.Command
	if command == "" {
		command = "claude"
	}
	cmd := exec.CommandContext(ctx, command,
		"-p", inv.Prompt,
		"--model", inv.Model,
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	)
	cmd.Dir = inv.Workspace
	cmd.Env = append(os.Environ(), "AGENT_TOOLS_URL="+inv.BridgeURL)
	if t.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+t.APIKey)
	}
	// Own process group so cancellation reaps the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if devNull, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = devNull
		defer devNull.Close()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- errorEvent(fault.AgentTransport, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		out <- errorEvent(fault.AgentTransport, fmt.Sprintf("start agent: %v", err))
		return
	}

	bufferCap := inv.BufferCap
	if bufferCap <= 0 {
		bufferCap = 10 << 20
	}
	reader := bufio.NewReaderSize(stdout, 64<<10)
	for {
		line, err := readBoundedLine(reader, bufferCap)
		if errors.Is(err, errLineTooLong) {
			// One structured error, then keep consuming: the agent may
			// recover from an oversized tool payload.
			out <- errorEvent(fault.AgentTransport, fmt.Sprintf("event exceeded %d byte buffer", bufferCap))
			continue
		}
		if len(line) > 0 {
			for _, ev := range translateLine(line) {
				select {
				case out <- ev:
				case <-ctx.Done():
					_ = cmd.Wait()
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				out <- errorEvent(fault.AgentTransport, fmt.Sprintf("read agent stream: %v", err))
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			logger.Info("agent: process cancelled", "session", inv.SessionID)
			return
		}
		detail := strings.TrimSpace(stderrBuf.String())
		if len(detail) > 500 {
			detail = detail[:500]
		}
		out <- errorEvent(fault.AgentTransport, fmt.Sprintf("agent exited: %v: %s", err, detail))
	}
}

var errLineTooLong = errors.New("line exceeds buffer cap")

// readBoundedLine reads one newline-terminated line, discarding the remainder
// of any line longer than cap so the stream stays aligned.
func readBoundedLine(reader *bufio.Reader, capBytes int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil || errors.Is(err, io.EOF) {
			return bytes.TrimRight(line, "\n"), err
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) > capBytes {
				// Drain to the newline, then report overflow once.
				for {
					_, derr := reader.ReadSlice('\n')
					if derr == nil || errors.Is(derr, io.EOF) {
						return nil, errLineTooLong
					}
					if !errors.Is(derr, bufio.ErrBufferFull) {
						return nil, derr
					}
				}
			}
			continue
		}
		return nil, err
	}
}

// translateLine converts one stream-json record into internal events. Unknown
// record shapes are dropped silently; the agent stream carries plenty of
// chatter the core has no use for.
func translateLine(line []byte) []eventlog.Event {
	var raw map[string]any
	if json.Unmarshal(line, &raw) != nil {
		return nil
	}
	switch raw["type"] {
	case "assistant":
		return translateAssistant(raw)
	case "user":
		return translateToolResults(raw)
	case "system":
		subtype, _ := raw["subtype"].(string)
		if subtype == eventlog.SubtypeCompactBoundary {
			return []eventlog.Event{{Kind: eventlog.EventCompactionBoundary, Subtype: subtype}}
		}
		return []eventlog.Event{{Kind: eventlog.EventSystemNotice, Subtype: subtype}}
	case "result":
		return []eventlog.Event{translateResult(raw)}
	}
	return nil
}

func translateAssistant(raw map[string]any) []eventlog.Event {
	msg, _ := raw["message"].(map[string]any)
	content, _ := msg["content"].([]any)
	events := make([]eventlog.Event, 0, len(content))
	for _, c := range content {
		block, _ := c.(map[string]any)
		switch block["type"] {
		case "text":
			if text, _ := block["text"].(string); text != "" {
				events = append(events, eventlog.Event{Kind: eventlog.EventAssistantText, Content: text})
			}
		case "tool_use":
			name, _ := block["name"].(string)
			if name == "" {
				name = "unknown"
			}
			summary := ""
			if input, ok := block["input"].(map[string]any); ok {
				summary = summarizeInput(input)
			}
			events = append(events, eventlog.Event{
				Kind:     eventlog.EventToolUse,
				ToolName: name,
				Content:  summary,
			})
		}
	}
	return events
}

func translateToolResults(raw map[string]any) []eventlog.Event {
	msg, _ := raw["message"].(map[string]any)
	content, _ := msg["content"].([]any)
	var events []eventlog.Event
	for _, c := range content {
		block, _ := c.(map[string]any)
		if block["type"] != "tool_result" {
			continue
		}
		isError, _ := block["is_error"].(bool)
		events = append(events, eventlog.Event{
			Kind:    eventlog.EventToolResult,
			IsError: isError,
			Content: flattenContent(block["content"]),
		})
	}
	return events
}

func translateResult(raw map[string]any) eventlog.Event {
	ev := eventlog.Event{Kind: eventlog.EventSystemNotice, Subtype: "result"}
	if ms, ok := raw["duration_ms"].(float64); ok {
		ev.DurationMS = int64(ms)
	}
	if usage, ok := raw["usage"].(map[string]any); ok {
		ev.Tokens = &eventlog.Tokens{
			Input:         asInt64(usage["input_tokens"]),
			Output:        asInt64(usage["output_tokens"]),
			CacheCreation: asInt64(usage["cache_creation_input_tokens"]),
			CacheRead:     asInt64(usage["cache_read_input_tokens"]),
		}
	}
	if result, _ := raw["result"].(string); result != "" {
		ev.Content = result
	}
	return ev
}

// summarizeInput picks the most descriptive scalar out of a tool input so the
// log stays readable without replaying full payloads. Secret-looking keys are
// never echoed.
func summarizeInput(input map[string]any) string {
	for _, key := range []string{"command", "description", "message", "title", "pattern", "file_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return key + "=" + v
		}
	}
	redacted := make(map[string]any, len(input))
	for key, value := range input {
		lowered := strings.ToLower(key)
		if strings.Contains(lowered, "secret") || strings.Contains(lowered, "token") ||
			strings.Contains(lowered, "password") || strings.Contains(lowered, "api_key") ||
			strings.Contains(lowered, "apikey") {
			continue
		}
		redacted[key] = value
	}
	encoded, err := json.Marshal(redacted)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			block, _ := item.(map[string]any)
			if text, _ := block["text"].(string); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}
