// Package agent drives one invocation of the external code-generation agent
// and translates its output into the internal session event stream.
package agent

import (
	"context"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/toolbridge"
)

// Invocation parameterizes a single agent run.
type Invocation struct {
	SessionID string
	Kind      string
	Model     string
	Prompt    string
	Workspace string
	BufferCap int

	// Bridge serves the tool catalog for this session. The CLI transport
	// passes its URL to the spawned process; the API transport calls it
	// directly.
	Bridge    *toolbridge.Bridge
	BridgeURL string
}

// Transport connects to one concrete external agent. Implementations emit
// translated events on the returned channel and close it when the stream
// ends. Fatal transport failures become a single terminal error event; they
// never escape as panics or errors through the call site.
type Transport interface {
	Name() string
	Stream(ctx context.Context, inv Invocation) <-chan eventlog.Event
}

// Driver runs agent invocations over a configured transport.
type Driver struct {
	transport Transport
}

// NewDriver builds a driver over the given transport.
func NewDriver(transport Transport) *Driver {
	return &Driver{transport: transport}
}

// Run starts the invocation and returns its lazy, finite, non-restartable
// event stream. Cancelling ctx closes the underlying transport; the stream
// drains and closes shortly after.
func (d *Driver) Run(ctx context.Context, inv Invocation) <-chan eventlog.Event {
	common.Component("agent").Info("agent: starting invocation",
		"transport", d.transport.Name(),
		"session", inv.SessionID,
		"model", inv.Model,
	)
	return d.transport.Stream(ctx, inv)
}

// errorEvent builds the uniform terminal error event for transport failures.
func errorEvent(kind fault.Kind, message string) eventlog.Event {
	return eventlog.Event{
		Kind:      eventlog.EventError,
		ErrorKind: string(kind),
		Content:   message,
	}
}
