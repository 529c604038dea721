// Package netmgr is the network manager subsystem (spec §4.8): it carries
// every non-local-only EnclaveEvent to peers over an external gossip
// transport, and injects events received from peers back onto the local
// bus. Grounded on the teacher's style of wrapping a blocking subsystem
// (pkg/runtime, pkg/embedded) behind a small typed actor with its own
// inbox/stopCh, generalized to a dual in/out pump over a pluggable
// Transport so the gossip backend (PubsubTransport, pubsub.go) is
// substitutable in tests.
package netmgr

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/log"
)

const outboundQueueSize = 256

// critical event types must block rather than drop when the outbound
// queue is full, per spec §4.8 ("pk/decryption shares are critical and
// must block rather than drop").
var critical = map[events.Type]bool{
	events.TypeKeyshareCreated:        true,
	events.TypeDecryptionshareCreated: true,
}

// Transport is the gossip transport a Manager drives: publish raw bytes,
// receive raw bytes, tear down. PubsubTransport is the concrete
// libp2p-pubsub-backed implementation; tests substitute a fake.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Close() error
}

// wireMessage is the over-the-wire envelope. Payload stays raw until Type
// is known, so it can be unmarshaled into the right concrete struct via
// events.NewPayload.
type wireMessage struct {
	Type    events.Type     `json:"type"`
	Context events.Context  `json:"context"`
	Payload json.RawMessage `json:"payload"`
}

// Manager is the network manager subsystem.
type Manager struct {
	transport Transport
	bus       *bus.Bus
	clock     *hlc.Clock

	inbox  bus.Recipient
	outbox chan *events.EnclaveEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New builds a Manager gossiping over transport.
func New(transport Transport, b *bus.Bus, clock *hlc.Clock) *Manager {
	return &Manager{
		transport: transport,
		bus:       b,
		clock:     clock,
		inbox:     bus.NewRecipient(),
		outbox:    make(chan *events.EnclaveEvent, outboundQueueSize),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("netmgr"),
	}
}

// Start subscribes to every bus event and begins the outbound filter/
// enqueue loop, the outbound publish loop, and the inbound receive loop.
func (m *Manager) Start(ctx context.Context) {
	m.bus.SubscribeAll(m.inbox)
	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.outboundFilter() }()
	go func() { defer m.wg.Done(); m.outboundPublish(ctx) }()
	go func() { defer m.wg.Done(); m.inboundReceive(ctx) }()
}

// Stop halts every loop, closes the transport, and waits for clean exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.transport.Close()
	m.wg.Wait()
}

func (m *Manager) outboundFilter() {
	for {
		select {
		case ev := <-m.inbox:
			if ev.Type == events.TypeShutdown {
				return
			}
			if events.IsLocalOnly(ev.Type) {
				continue
			}
			m.enqueue(ev)
		case <-m.stopCh:
			return
		}
	}
}

// enqueue applies spec §4.8's backpressure rule: critical share events
// block until room is available; everything else is dropped on overflow.
func (m *Manager) enqueue(ev *events.EnclaveEvent) {
	if critical[ev.Type] {
		select {
		case m.outbox <- ev:
		case <-m.stopCh:
		}
		return
	}
	select {
	case m.outbox <- ev:
	default:
		m.logger.Warn().Str("event_type", string(ev.Type)).Msg("outbound gossip queue full, dropping non-critical event")
	}
}

func (m *Manager) outboundPublish(ctx context.Context) {
	for {
		select {
		case ev := <-m.outbox:
			m.publish(ctx, ev)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, ev *events.EnclaveEvent) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to marshal outbound event payload")
		return
	}
	data, err := json.Marshal(wireMessage{Type: ev.Type, Context: ev.Context, Payload: payload})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal outbound envelope")
		return
	}
	if err := m.transport.Publish(ctx, data); err != nil {
		m.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish outbound event")
	}
}

func (m *Manager) inboundReceive(ctx context.Context) {
	for {
		select {
		case data, ok := <-m.transport.Messages():
			if !ok {
				return
			}
			m.handleInbound(data)
		case <-m.stopCh:
			return
		}
	}
}

// handleInbound deserializes data, validates EventId, merges the remote
// HLC timestamp into the local clock, and republishes on the local bus.
// Bus-level deduplication (pkg/bus's EventId LRU) is what actually drops
// duplicates; this method only rejects malformed or tampered messages.
func (m *Manager) handleInbound(data []byte) {
	err := enclaveerr.Trap(enclaveerr.Net, func() error {
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		payload, ok := events.NewPayload(msg.Type)
		if !ok {
			return nil // unknown or local-only type from a peer; ignore, not an error
		}
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			return err
		}

		ctx := msg.Context
		ctx.Ts = m.clock.Receive(msg.Context.Ts)

		ev, err := events.FromRemote(msg.Type, ctx, payload)
		if err != nil {
			return err
		}
		m.bus.Publish(ev)
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to process inbound gossip message")
	}
}
