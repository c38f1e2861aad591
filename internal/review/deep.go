package review

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/buildloop/buildloop/internal/agent"
	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/store"
)

// deepEvery schedules a deep review on every Nth session regardless of
// rating.
const deepEvery = 5

// deepRatingThreshold triggers a deep review when the quick rating falls
// below it.
const deepRatingThreshold = 7

// ShouldTriggerDeep decides whether a session earns a deep review: every 5th
// session (skipping session 0), a quick rating below 7, or 5+ sessions since
// the last deep review.
func ShouldTriggerDeep(sessionNumber, quickRating, lastDeepNumber int) bool {
	if sessionNumber == 0 {
		return false
	}
	if sessionNumber%deepEvery == 0 {
		return true
	}
	if quickRating < deepRatingThreshold {
		return true
	}
	return sessionNumber-lastDeepNumber >= deepEvery
}

var ratingPattern = regexp.MustCompile(`(?i)overall rating:\s*(\d+)\s*/\s*10`)

// ExtractRating pulls the integer rating out of a review text, or returns
// the fallback when none parses.
func ExtractRating(reviewText string, fallback int) int {
	match := ratingPattern.FindStringSubmatch(reviewText)
	if match == nil {
		return fallback
	}
	rating, err := strconv.Atoi(match[1])
	if err != nil || rating < 1 || rating > 10 {
		return fallback
	}
	return rating
}

// RunDeep produces a long-form qualitative review of a finalized session by
// launching a fresh agent invocation over the raw log artifact. The result is
// stored verbatim as the deep check's review text; the reviewed session's own
// counters are never touched. Failures are recorded as a review_error check
// and never affect session status.
func RunDeep(ctx context.Context, driver *agent.Driver, st *store.Store, session *store.Session, workspace, model string, quickRating int) {
	logger := common.Component("review")
	check, err := runDeep(ctx, driver, st, session, workspace, model, quickRating)
	if err != nil {
		logger.Error("review: deep review failed",
			"session", session.ID, "error", err)
		failed := store.QualityCheck{
			SessionID:      session.ID,
			CheckType:      store.CheckDeep,
			Rating:         quickRating,
			CriticalIssues: encodeIssues([]Issue{{Tag: "review_error", Message: err.Error()}}),
		}
		if attachErr := st.AttachQualityCheck(ctx, failed); attachErr != nil {
			logger.Error("review: record deep failure", "session", session.ID, "error", attachErr)
		}
		return
	}
	logger.Info("review: deep review complete",
		"session", session.ID, "rating", check.Rating)
}

func runDeep(ctx context.Context, driver *agent.Driver, st *store.Store, session *store.Session, workspace, model string, quickRating int) (*store.QualityCheck, error) {
	jsonlPath := eventlog.StructuredPath(workspace, session.SessionNumber, session.Kind)
	raw, err := os.ReadFile(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	inv := agent.Invocation{
		SessionID: session.ID,
		Kind:      store.KindReview,
		Model:     model,
		Prompt:    agent.RenderReviewPrompt(string(raw)),
		Workspace: workspace,
	}
	var text strings.Builder
	for ev := range driver.Run(ctx, inv) {
		switch ev.Kind {
		case eventlog.EventAssistantText:
			text.WriteString(ev.Content)
			text.WriteString("\n")
		case eventlog.EventError:
			return nil, fmt.Errorf("review agent: %s", ev.Content)
		}
	}
	reviewText := strings.TrimSpace(text.String())
	if reviewText == "" {
		return nil, fmt.Errorf("review agent produced no output")
	}
	if err := os.WriteFile(eventlog.ReviewPath(workspace, session.SessionNumber), []byte(reviewText+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write review artifact: %w", err)
	}
	check := store.QualityCheck{
		SessionID:  session.ID,
		CheckType:  store.CheckDeep,
		Rating:     ExtractRating(reviewText, quickRating),
		ReviewText: reviewText,
	}
	if err := st.AttachQualityCheck(ctx, check); err != nil {
		return nil, err
	}
	return &check, nil
}
