package sortition

import (
	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/log"
)

// Registry keeps a Sortition's operator set in sync with the chain's
// CiphernodeAdded/CiphernodeRemoved events, the local mirror of the
// on-chain ciphernode registry every committee selection draws from.
type Registry struct {
	sortition *Sortition
	bus       *bus.Bus
	inbox     bus.Recipient
	stopCh    chan struct{}
	logger    zerolog.Logger
}

// AttachRegistry creates a Registry, subscribes it to CiphernodeAdded,
// CiphernodeRemoved, and Shutdown, and starts its actor loop.
func AttachRegistry(b *bus.Bus, s *Sortition) *Registry {
	r := &Registry{
		sortition: s,
		bus:       b,
		inbox:     bus.NewRecipient(),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("sortition.registry"),
	}
	b.Subscribe(events.TypeCiphernodeAdded, r.inbox)
	b.Subscribe(events.TypeCiphernodeRemoved, r.inbox)
	b.Subscribe(events.TypeShutdown, r.inbox)
	go r.run()
	return r
}

func (r *Registry) run() {
	for {
		select {
		case ev := <-r.inbox:
			if ev.Type == events.TypeShutdown {
				return
			}
			if err := enclaveerr.Trap(enclaveerr.Sortition, func() error { return r.handle(ev) }); err != nil {
				r.logger.Error().Err(err).Msg("sortition registry failed to apply membership change")
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handle(ev *events.EnclaveEvent) error {
	switch p := ev.Payload.(type) {
	case *events.CiphernodeAddedPayload:
		return r.sortition.Add(p.ChainID, p.Address)
	case *events.CiphernodeRemovedPayload:
		return r.sortition.Remove(p.ChainID, p.Address)
	}
	return nil
}

// Stop halts the registry's actor loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}
