package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/embervoice/avs-client/internal/protocol"
)

// EventSender delivers a device event to the service and processes its
// synchronous response. Implemented by the connection manager.
type EventSender interface {
	SendEvent(ctx context.Context, event *protocol.Event) error
}

// StateSource exposes a capability's state for event context assembly. The
// returned snapshot must be self-contained: a value the capability will not
// mutate after returning it.
type StateSource interface {
	ContextState() protocol.CapabilityState
}

// StateError reports a capability operation attempted in the wrong state.
type StateError struct {
	Capability string
	State      string
	Op         string
}

// Error executes the error method.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s while %s", e.Capability, e.Op, e.State)
}

// ContextBuilder assembles the context attached to outgoing events from
// immutable snapshots of every registered capability state.
type ContextBuilder struct {
	mu      sync.Mutex
	sources []StateSource
}

// NewContextBuilder executes the newContextBuilder function.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{}
}

// Register adds a capability state source. Registration order is the order
// states appear in the context.
func (b *ContextBuilder) Register(source StateSource) {
	b.mu.Lock()
	b.sources = append(b.sources, source)
	b.mu.Unlock()
}

// Snapshot captures the current state of every registered capability.
func (b *ContextBuilder) Snapshot() []protocol.CapabilityState {
	b.mu.Lock()
	sources := make([]StateSource, len(b.sources))
	copy(sources, b.sources)
	b.mu.Unlock()

	states := make([]protocol.CapabilityState, 0, len(sources))
	for _, source := range sources {
		states = append(states, source.ContextState())
	}
	return states
}
