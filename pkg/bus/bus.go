// Package bus implements the process-local, typed publish/subscribe hub for
// EnclaveEvents. It generalizes the teacher's events.Broker (a single
// broadcast topic) to per-event-type subscription plus a "*" wildcard,
// EventID-window deduplication, and optional history capture for tests.
package bus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
)

const (
	wildcard             = "*"
	subscriberBufferSize = 64
	dispatchBufferSize   = 256
	defaultDedupWindow   = 4096
)

// Recipient is a subscriber's inbox.
type Recipient chan *events.EnclaveEvent

// Bus is a single process's event dispatch hub. Zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[Recipient]bool

	dispatchCh chan *events.EnclaveEvent
	stopCh     chan struct{}

	errCh chan error

	dedup *lru.Cache // always set; New falls back to defaultDedupWindow

	historyMu sync.Mutex
	history   []*events.EnclaveEvent
	capture   bool

	clock *hlc.Clock
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithDeduplication sets the size of the EventID deduplication LRU window.
// Without this option the bus still deduplicates, over a window of
// defaultDedupWindow entries.
func WithDeduplication(windowSize int) Option {
	return func(b *Bus) {
		cache, err := lru.New(windowSize)
		if err == nil {
			b.dedup = cache
		}
	}
}

// WithHistory enables capture of every accepted (non-deduplicated) event in
// publish order, for debug/test inspection via History().
func WithHistory() Option {
	return func(b *Bus) { b.capture = true }
}

// New creates a Bus. Publish does not stamp events: they carry the HLC
// timestamp given to them when built (events.New / events.Derive).
func New(clock *hlc.Clock, opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string]map[Recipient]bool),
		dispatchCh:  make(chan *events.EnclaveEvent, dispatchBufferSize),
		stopCh:      make(chan struct{}),
		errCh:       make(chan error, 64),
		clock:       clock,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dedup == nil {
		cache, _ := lru.New(defaultDedupWindow)
		b.dedup = cache
	}
	return b
}

// Start begins the bus's dispatch loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts dispatch; already-enqueued events are dropped.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Errors returns the channel on which dispatch failures (panicking
// subscribers, among others) are reported. Per spec §4.1 this must never be
// allowed to kill the dispatch loop.
func (b *Bus) Errors() <-chan error {
	return b.errCh
}

// Subscribe registers recipient for eventType, or for every event type when
// eventType is "*". Subscribing the same recipient to multiple topics is
// supported and idempotent per topic.
func (b *Bus) Subscribe(eventType events.Type, recipient Recipient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := string(eventType)
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[Recipient]bool)
	}
	b.subscribers[topic][recipient] = true
}

// SubscribeAll registers recipient for every event type.
func (b *Bus) SubscribeAll(recipient Recipient) {
	b.Subscribe(wildcard, recipient)
}

// Unsubscribe removes recipient from every topic it is registered under.
func (b *Bus) Unsubscribe(recipient Recipient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, recipients := range b.subscribers {
		delete(recipients, recipient)
	}
}

// NewRecipient allocates a buffered inbox suitable for Subscribe.
func NewRecipient() Recipient {
	return make(Recipient, subscriberBufferSize)
}

// Publish enqueues event for dispatch. If the event's EventID was seen
// within the deduplication LRU window, the event is dropped
// silently — deduplication is a property of the bus, not an error.
func (b *Bus) Publish(event *events.EnclaveEvent) {
	if b.dedup != nil {
		if _, seen := b.dedup.Get(event.Context.EventID); seen {
			return
		}
		b.dedup.Add(event.Context.EventID, struct{}{})
	}

	if b.capture {
		b.historyMu.Lock()
		b.history = append(b.history, event)
		b.historyMu.Unlock()
	}

	select {
	case b.dispatchCh <- event:
	case <-b.stopCh:
	}
}

// History returns every captured event in order of first (non-deduplicated)
// publication. Only populated when the bus was constructed WithHistory.
func (b *Bus) History() []*events.EnclaveEvent {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]*events.EnclaveEvent, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.dispatchCh:
			b.dispatch(event)
		case <-b.stopCh:
			return
		}
	}
}

// dispatch delivers event to every matching recipient. Delivery preserves
// per-recipient ordering because each recipient's channel send happens on
// this single dispatch goroutine, in publish-acceptance order. Sends are
// wrapped in Trap so a recipient channel in an unexpected state (e.g.
// closed by a buggy caller) cannot take the whole bus down.
func (b *Bus) dispatch(event *events.EnclaveEvent) {
	b.mu.RLock()
	topic := string(event.Type)
	recipients := make([]Recipient, 0, len(b.subscribers[topic])+len(b.subscribers[wildcard]))
	for r := range b.subscribers[topic] {
		recipients = append(recipients, r)
	}
	for r := range b.subscribers[wildcard] {
		recipients = append(recipients, r)
	}
	b.mu.RUnlock()

	for _, r := range recipients {
		recipient := r
		err := enclaveerr.Trap(enclaveerr.Protocol, func() error {
			select {
			case recipient <- event:
			case <-b.stopCh:
			}
			return nil
		})
		if err != nil {
			select {
			case b.errCh <- err:
			default:
			}
		}
	}
}
