package eventlog

import (
	"time"
)

// Event kinds recorded in the structured session stream.
const (
	EventSessionStart       = "session_start"
	EventSessionEnd         = "session_end"
	EventAssistantText      = "assistant_text"
	EventToolUse            = "tool_use"
	EventToolResult         = "tool_result"
	EventError              = "error"
	EventSystemNotice       = "system_notice"
	EventCompactionBoundary = "compaction_boundary"
)

// SubtypeCompactBoundary is the distinguished system-notice subtype emitted
// when the external agent compacts its context.
const SubtypeCompactBoundary = "compact_boundary"

// SubtypeSessionNote marks free-form housekeeping notes the agent records
// through the log_session tool.
const SubtypeSessionNote = "session_note"

// WrapUpMarker is the note content an agent emits when it deliberately winds
// a session down instead of running out of context mid-task.
const WrapUpMarker = "session wrap-up requested"

// maxContentBytes bounds the content field of any persisted record.
const maxContentBytes = 4096

// Tokens mirrors the usage block of the session footer record.
type Tokens struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
}

// Event is one self-describing record of the session stream. Exactly the
// fields relevant to the kind are populated; everything else stays zero and
// is omitted from the encoding.
type Event struct {
	TS        time.Time `json:"ts"`
	Kind      string    `json:"event"`
	SessionID string    `json:"session_id"`

	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Content    string `json:"content,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Subtype    string `json:"subtype,omitempty"`

	// Error taxonomy, set on error events.
	ErrorKind string `json:"error_kind,omitempty"`

	// Session header fields.
	SessionKind string `json:"kind,omitempty"`
	Model       string `json:"model,omitempty"`

	// Session footer fields.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ToolUseCount    int     `json:"tool_use_count,omitempty"`
	ErrorCount      int     `json:"error_count,omitempty"`
	Tokens          *Tokens `json:"tokens,omitempty"`
}

// truncate bounds content to the persisted limit without splitting the
// marker from the payload.
func truncate(content string) string {
	if len(content) <= maxContentBytes {
		return content
	}
	return content[:maxContentBytes-len("…[truncated]")] + "…[truncated]"
}
