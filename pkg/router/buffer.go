package router

import "github.com/gnosisguild/enclave/pkg/events"

// roleBuffer holds events addressed to not-yet-installed role recipients
// for one E3 context, draining in arrival order once a recipient is
// installed. Grounded directly on
// pkg/aggregator/buffer.go's FilterBuffer (itself grounded on
// original_source/crates/aggregator/src/keyshare_created_filter_buffer.rs),
// generalized one step further: that buffer holds one fixed event type
// for one destination, this one holds whatever arrives for any role name.
type roleBuffer struct {
	pending map[string][]*events.EnclaveEvent
}

func newRoleBuffer() *roleBuffer {
	return &roleBuffer{pending: make(map[string][]*events.EnclaveEvent)}
}

func (rb *roleBuffer) push(role string, ev *events.EnclaveEvent) {
	rb.pending[role] = append(rb.pending[role], ev)
}

func (rb *roleBuffer) drain(role string) []*events.EnclaveEvent {
	out := rb.pending[role]
	delete(rb.pending, role)
	return out
}
