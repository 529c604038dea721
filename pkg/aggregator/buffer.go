package aggregator

import (
	"sync"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
)

// extractE3ID pulls the e3_id out of a buffered event's payload.
type extractE3ID func(ev *events.EnclaveEvent) (e3ID string, ok bool)

// FilterBuffer sits in front of an aggregator: it holds bufferedType
// events that arrive before that E3's CommitteeFinalized, and drains them
// in arrival order once the committee is known; every other event type
// (including CommitteeFinalized itself) is forwarded immediately.
// Grounded directly on
// original_source/crates/aggregator/src/keyshare_created_filter_buffer.rs,
// generalized from its hardcoded KeyshareCreated/PublicKeyAggregator pair
// to any (bufferedType, destination) so the same code serves both the
// public-key and the plaintext aggregator (§4.6's buffering adapter and
// §4.7's "mirrors §4.6").
type FilterBuffer struct {
	bufferedType events.Type
	extract      extractE3ID
	dest         bus.Recipient

	inbox  bus.Recipient
	stopCh chan struct{}

	mu        sync.Mutex
	known     map[string]bool
	pending   map[string][]*events.EnclaveEvent
}

// NewFilterBuffer subscribes to CommitteeFinalized, bufferedType and
// Shutdown on b, forwarding accepted/drained events to dest, and starts
// its dispatch loop.
func NewFilterBuffer(b *bus.Bus, bufferedType events.Type, extract extractE3ID, dest bus.Recipient) *FilterBuffer {
	fb := &FilterBuffer{
		bufferedType: bufferedType,
		extract:      extract,
		dest:         dest,
		inbox:        bus.NewRecipient(),
		stopCh:       make(chan struct{}),
		known:        make(map[string]bool),
		pending:      make(map[string][]*events.EnclaveEvent),
	}
	b.Subscribe(events.TypeCommitteeFinalized, fb.inbox)
	b.Subscribe(bufferedType, fb.inbox)
	b.Subscribe(events.TypeShutdown, fb.inbox)
	go fb.run()
	return fb
}

func (fb *FilterBuffer) run() {
	for {
		select {
		case ev := <-fb.inbox:
			if ev.Type == events.TypeShutdown {
				fb.forward(ev)
				return
			}
			fb.handle(ev)
		case <-fb.stopCh:
			return
		}
	}
}

func (fb *FilterBuffer) handle(ev *events.EnclaveEvent) {
	switch ev.Type {
	case events.TypeCommitteeFinalized:
		fb.forward(ev) // forward committee first, as the rust original does

		payload, ok := ev.Payload.(*events.CommitteeFinalizedPayload)
		if !ok {
			return
		}

		fb.mu.Lock()
		fb.known[payload.E3ID] = true
		pending := fb.pending[payload.E3ID]
		delete(fb.pending, payload.E3ID)
		fb.mu.Unlock()

		for _, buffered := range pending {
			fb.forward(buffered)
		}

	case fb.bufferedType:
		e3ID, ok := fb.extract(ev)
		if !ok {
			return
		}

		fb.mu.Lock()
		if fb.known[e3ID] {
			fb.mu.Unlock()
			fb.forward(ev)
			return
		}
		fb.pending[e3ID] = append(fb.pending[e3ID], ev)
		fb.mu.Unlock()

	default:
		fb.forward(ev)
	}
}

func (fb *FilterBuffer) forward(ev *events.EnclaveEvent) {
	select {
	case fb.dest <- ev:
	case <-fb.stopCh:
	}
}

// Stop halts the buffer's dispatch loop.
func (fb *FilterBuffer) Stop() {
	select {
	case <-fb.stopCh:
	default:
		close(fb.stopCh)
	}
}
