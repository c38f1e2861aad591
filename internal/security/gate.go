// Package security screens shell commands the core itself is about to run
// against a denylist of destructive or privilege-escalating fragments.
// Commands the agent runs inside a container sandbox are not gated here;
// containment is the sandbox's job.
package security

import (
	"regexp"
	"strings"

	"github.com/buildloop/buildloop/internal/fault"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

type rule struct {
	pattern *regexp.Regexp
	reason  string
}

var rules = []rule{
	{regexp.MustCompile(`(^|\s)sudo(\s|$)`), "process elevation"},
	{regexp.MustCompile(`(^|\s)su\s+-`), "process elevation"},
	{regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+(/|~|\$HOME)(\s|$)`), "recursive delete of a root path"},
	{regexp.MustCompile(`rm\s+-rf?\s+/\S*\s*$`), "recursive delete of a root path"},
	{regexp.MustCompile(`mkfs(\.|[\s])`), "filesystem format"},
	{regexp.MustCompile(`dd\s+.*of=/dev/`), "raw device write"},
	{regexp.MustCompile(`(^|\s)(apt|apt-get|yum|dnf|pacman|brew)\s+install`), "host package install"},
	{regexp.MustCompile(`(^|\s)shutdown(\s|$)|(^|\s)reboot(\s|$)|(^|\s)halt(\s|$)`), "host power control"},
	{regexp.MustCompile(`(^|\s)chmod\s+(-R\s+)?777\s+/(\s|$)`), "world-writable root"},
	{regexp.MustCompile(`>(>)?\s*/dev/sd[a-z]`), "raw device write"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`), "fork bomb"},
	{regexp.MustCompile(`curl[^|;]*\|\s*(ba)?sh`), "pipe remote script to shell"},
	{regexp.MustCompile(`wget[^|;]*\|\s*(ba)?sh`), "pipe remote script to shell"},
}

// Check screens a command string. It is a pure function: same input, same
// decision.
func Check(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}
	for _, r := range rules {
		if r.pattern.MatchString(trimmed) {
			return Decision{Allowed: false, Reason: r.reason}
		}
	}
	return Decision{Allowed: true}
}

// Gate returns a security_denied fault when the command is blocked, nil
// otherwise. The offending fragment is not echoed back; only the rule's
// reason is.
func Gate(command string) error {
	decision := Check(command)
	if decision.Allowed {
		return nil
	}
	return fault.New(fault.SecurityDenied, "command blocked: %s", decision.Reason)
}
