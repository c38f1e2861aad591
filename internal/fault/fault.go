package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for uniform surfacing across the tool bridge,
// the sandbox, and the orchestrator.
type Kind string

const (
	Precondition       Kind = "precondition"
	NotFound           Kind = "not_found"
	Forbidden          Kind = "forbidden"
	SandboxUnavailable Kind = "sandbox_unavailable"
	AgentTransport     Kind = "agent_transport"
	Timeout            Kind = "timeout"
	SecurityDenied     Kind = "security_denied"
	Storage            Kind = "storage"
)

// Error is the structured failure shape exchanged with the external agent
// and recorded on sessions.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a non-retriable fault of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retriable builds a fault the caller may retry.
func Retriable(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retriable: true}
}

// Find extracts a *Error from an error chain, nil when the chain carries
// none.
func Find(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// As extracts a *Error from an error chain. Unclassified errors map to a
// non-retriable storage fault so the agent always sees the uniform shape.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if fe := Find(err); fe != nil {
		return fe
	}
	return &Error{Kind: Storage, Message: err.Error()}
}

// IsKind reports whether err explicitly carries the given kind.
func IsKind(err error, kind Kind) bool {
	fe := Find(err)
	return fe != nil && fe.Kind == kind
}
