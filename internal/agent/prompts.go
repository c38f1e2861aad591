package agent

import (
	"fmt"
	"strings"
)

// PromptVersion tags the template set compiled into this build. Recorded on
// every session so later analysis can correlate behavior with the prompt in
// force.
const PromptVersion = "v3"

const basePrompt = `You are an autonomous software engineer working through a
long multi-session build. Project state (epics, tasks, tests) lives in a task
store you reach through the provided tools. Work inside the project workspace
only. Record every test outcome honestly with update_test_result; never mark
a task done while any of its tests is not passing.`

const initializerTemplate = `Read the specification in app_spec.%s at the
workspace root. Produce the complete roadmap for building it:
1. Create epics in delivery order with create_epic (ordinal, title, description).
2. Break each epic into small tasks with create_task or expand_epic.
3. Attach concrete acceptance tests to every task with create_test.
4. Write an init.sh that installs dependencies and starts the app, and a
   claude-progress.md describing the plan.
Do not start implementing tasks. When the roadmap is complete, call
log_session with a short summary and stop.`

const codingTemplate = `Call get_next_task to find the next open task, then
start_task before touching code. Implement the task, run the relevant checks
with exec, and verify the result end to end before recording it. Flip each of
the task's tests with update_test_result (pass or fail, with a short note),
and only then update_task_status done. If the session is running long, finish
the current task, call log_session with "session wrap-up requested", and
stop.`

const reviewTemplate = `You are reviewing a completed coding session. The raw
event log follows. Judge the work on: verification before completion, error
handling, scope discipline, and honesty of recorded test results. Structure
your answer as markdown with sections "Summary", "Issues", "Recommendations",
and end with a line "Overall rating: N/10" where N is an integer from 1 to
10.

%s`

const dockerAddendum = `Shell commands must go through the exec tool, which
runs them inside the project sandbox at /workspace. Do not use any other
shell; the workspace you see through the filesystem is the same directory.`

const hostAddendum = `Shell commands must go through the exec tool, which runs
them in the project workspace on this machine. Destructive commands are
blocked by policy.`

// RenderPrompt composes the final system prompt for a session kind: the base
// prompt, the per-kind template and the sandbox addendum.
func RenderPrompt(kind, sandboxKind, specExt string) string {
	var body string
	switch kind {
	case "initializer":
		ext := strings.TrimPrefix(specExt, ".")
		if ext == "" {
			ext = "txt"
		}
		body = fmt.Sprintf(initializerTemplate, ext)
	case "coding":
		body = codingTemplate
	default:
		body = codingTemplate
	}
	addendum := hostAddendum
	if sandboxKind == "docker" {
		addendum = dockerAddendum
	}
	return strings.Join([]string{basePrompt, body, addendum}, "\n\n")
}

// RenderReviewPrompt composes the deep-review prompt around a raw session
// log.
func RenderReviewPrompt(sessionLog string) string {
	return fmt.Sprintf(reviewTemplate, sessionLog)
}
