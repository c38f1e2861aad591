// Package review derives quality signals from session event logs: a
// zero-cost quick pass after every session and an optional deep review
// produced by a second agent invocation.
package review

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/store"
)

// Metrics is the quantitative digest of one session's structured log.
type Metrics struct {
	ToolUses             int            `json:"tool_uses"`
	Errors               int            `json:"errors"`
	ErrorRate            float64        `json:"error_rate"`
	BrowserCalls         int            `json:"browser_calls"`
	Screenshots          int            `json:"screenshots"`
	PerTool              map[string]int `json:"per_tool"`
	TestPassUpdates      int            `json:"test_pass_updates"`
	VerifiedCompletions  int            `json:"verified_completions"`
	CompactionBoundaries int            `json:"compaction_boundaries"`
}

// Issue is one structured finding: a stable machine tag plus a human message.
type Issue struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// verificationWindow is how many preceding events may separate a browser
// check from the test-pass update it verifies.
const verificationWindow = 10

// Analyze parses a structured session log into metrics. The computation is a
// pure function of the file contents; re-running it on an unchanged log
// yields identical output.
func Analyze(jsonlPath string) (*Metrics, error) {
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	m := &Metrics{PerTool: make(map[string]int)}
	var window []eventlog.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A crash may leave one torn trailing record; the prefix is
			// still valid.
			continue
		}
		switch ev.Kind {
		case eventlog.EventToolUse:
			m.ToolUses++
			m.PerTool[ev.ToolName]++
			if isBrowserTool(ev.ToolName) {
				m.BrowserCalls++
			}
			if strings.Contains(strings.ToLower(ev.ToolName), "screenshot") {
				m.Screenshots++
			}
			if isTestPass(ev) {
				m.TestPassUpdates++
				if windowHasBrowserUse(window) {
					m.VerifiedCompletions++
				}
			}
		case eventlog.EventError:
			m.Errors++
		case eventlog.EventToolResult:
			if ev.IsError {
				m.Errors++
			}
		case eventlog.EventCompactionBoundary:
			m.CompactionBoundaries++
		}
		window = append(window, ev)
		if len(window) > verificationWindow {
			window = window[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	if m.ToolUses > 0 {
		m.ErrorRate = float64(m.Errors) / float64(m.ToolUses)
	}
	return m, nil
}

func isBrowserTool(name string) bool {
	lowered := strings.ToLower(name)
	return strings.Contains(lowered, "browser") || strings.Contains(lowered, "playwright") || strings.Contains(lowered, "puppeteer")
}

func isTestPass(ev eventlog.Event) bool {
	return strings.Contains(ev.ToolName, "update_test_result") && strings.Contains(ev.Content, "pass")
}

func windowHasBrowserUse(window []eventlog.Event) bool {
	for _, ev := range window {
		if ev.Kind == eventlog.EventToolUse && isBrowserTool(ev.ToolName) {
			return true
		}
	}
	return false
}

// Rating folds the metrics into a deterministic 1-10 score. Initializer
// sessions are exempt from the browser-verification penalties.
func Rating(m *Metrics, isInitializer bool) int {
	rating := 10
	if !isInitializer && m.BrowserCalls == 0 {
		rating -= 4
	}
	switch {
	case m.ErrorRate > 0.10:
		rating -= 3
	case m.ErrorRate > 0.05:
		rating -= 2
	case m.ErrorRate > 0.02:
		rating -= 1
	}
	if !isInitializer && m.TestPassUpdates > 0 && m.VerifiedCompletions == 0 {
		rating -= 2
	}
	if rating < 1 {
		rating = 1
	}
	if rating > 10 {
		rating = 10
	}
	return rating
}

// QuickCheck derives the structured findings for a session.
func QuickCheck(m *Metrics, isInitializer bool) (critical, warnings []Issue) {
	if !isInitializer && m.BrowserCalls == 0 {
		critical = append(critical, Issue{
			Tag:     "no_browser_verification",
			Message: "no browser-automation tool use in a coding session",
		})
	}
	if m.ErrorRate > 0.10 {
		critical = append(critical, Issue{
			Tag:     "high_error_rate",
			Message: fmt.Sprintf("error rate %.1f%% exceeds 10%%", m.ErrorRate*100),
		})
	} else if m.ErrorRate > 0.05 {
		warnings = append(warnings, Issue{
			Tag:     "elevated_error_rate",
			Message: fmt.Sprintf("error rate %.1f%% exceeds 5%%", m.ErrorRate*100),
		})
	}
	if !isInitializer && m.TestPassUpdates > 0 && m.VerifiedCompletions == 0 {
		critical = append(critical, Issue{
			Tag:     "unverified_completion",
			Message: "tests marked passing with no preceding browser verification",
		})
	}
	if !isInitializer && m.Screenshots == 0 && m.BrowserCalls > 0 {
		warnings = append(warnings, Issue{
			Tag:     "no_screenshots",
			Message: "browser automation used without taking screenshots",
		})
	}
	if m.ToolUses == 0 {
		warnings = append(warnings, Issue{
			Tag:     "no_tool_uses",
			Message: "session used no tools",
		})
	}
	return critical, warnings
}

// RunQuick analyzes the session's log artifact and persists the quick check.
// The persisted payload is a pure function of the log, so re-running it is
// byte-identical.
func RunQuick(ctx context.Context, st *store.Store, session *store.Session, workspace string) (*store.QualityCheck, error) {
	jsonlPath := eventlog.StructuredPath(workspace, session.SessionNumber, session.Kind)
	metrics, err := Analyze(jsonlPath)
	if err != nil {
		return nil, err
	}
	isInitializer := session.Kind == store.KindInitializer
	critical, warnings := QuickCheck(metrics, isInitializer)
	check := store.QualityCheck{
		SessionID:            session.ID,
		CheckType:            store.CheckQuick,
		Rating:               Rating(metrics, isInitializer),
		ToolUses:             metrics.ToolUses,
		Errors:               metrics.Errors,
		BrowserVerifications: metrics.BrowserCalls,
		CriticalIssues:       encodeIssues(critical),
		Warnings:             encodeIssues(warnings),
	}
	if err := st.AttachQualityCheck(ctx, check); err != nil {
		return nil, err
	}
	logQuick(session, check, critical, warnings)
	return &check, nil
}

func logQuick(session *store.Session, check store.QualityCheck, critical, warnings []Issue) {
	logger := common.Component("review")
	switch {
	case len(critical) > 0:
		logger.Warn("review: quick check found critical issues",
			"session", session.ID, "rating", check.Rating, "critical", len(critical))
	case len(warnings) > 0:
		logger.Info("review: quick check found warnings",
			"session", session.ID, "rating", check.Rating, "warnings", len(warnings))
	default:
		logger.Info("review: quick check clean",
			"session", session.ID, "rating", check.Rating)
	}
}

// encodeIssues renders issues as canonical JSON: sorted by tag, stable
// between runs.
func encodeIssues(issues []Issue) string {
	if len(issues) == 0 {
		return "[]"
	}
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tag < sorted[j].Tag })
	encoded, err := json.Marshal(sorted)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// DecodeIssues parses a persisted issue list.
func DecodeIssues(encoded string) ([]Issue, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}
	var issues []Issue
	if err := json.Unmarshal([]byte(encoded), &issues); err != nil {
		return nil, errors.New("malformed issue list")
	}
	return issues, nil
}
