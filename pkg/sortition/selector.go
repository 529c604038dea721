package sortition

import (
	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/rs/zerolog"
)

// Selector is the actor that turns an E3Requested into a local
// CiphernodeSelected event when this node's address falls within the
// deterministic committee.
type Selector struct {
	sortition *Sortition
	bus       *bus.Bus
	clock     *hlc.Clock
	address   string
	inbox     bus.Recipient
	stopCh    chan struct{}
	logger    zerolog.Logger

	seq uint64
}

// Attach creates a Selector, subscribes it to E3Requested and Shutdown on
// the bus, and starts its actor loop.
func Attach(b *bus.Bus, s *Sortition, clock *hlc.Clock, address string) *Selector {
	sel := &Selector{
		sortition: s,
		bus:       b,
		clock:     clock,
		address:   address,
		inbox:     bus.NewRecipient(),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("sortition.selector"),
	}
	b.Subscribe(events.TypeE3Requested, sel.inbox)
	b.Subscribe(events.TypeShutdown, sel.inbox)
	go sel.run()
	return sel
}

func (sel *Selector) run() {
	for {
		select {
		case ev := <-sel.inbox:
			if ev.Type == events.TypeShutdown {
				return
			}
			if err := enclaveerr.Trap(enclaveerr.Sortition, func() error { return sel.handleE3Requested(ev) }); err != nil {
				sel.logger.Error().Err(err).Msg("sortition selector failed")
			}
		case <-sel.stopCh:
			return
		}
	}
}

func (sel *Selector) handleE3Requested(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.E3RequestedPayload)
	if !ok {
		return nil
	}

	chainID, err := events.E3ID(payload.E3ID).ChainID()
	if err != nil {
		return err
	}

	partyID, selected := sel.sortition.PartyIDFor(chainID, payload.Seed, int(payload.ThresholdN), sel.address)
	if !selected {
		sel.logger.Info().Str("e3_id", payload.E3ID).Msg("ciphernode was not selected")
		return nil
	}

	sel.logger.Info().Str("e3_id", payload.E3ID).Int("party_id", partyID).Msg("ciphernode selected")

	sel.seq++
	selectedEvent, err := events.Derive(sel.clock, sel.seq, ev, events.TypeCiphernodeSelected, payload.E3ID, &events.CiphernodeSelectedPayload{
		E3ID:       payload.E3ID,
		PartyID:    partyID,
		ThresholdM: payload.ThresholdM,
		ThresholdN: payload.ThresholdN,
		Seed:       payload.Seed,
		Params:     payload.Params,
	})
	if err != nil {
		return err
	}
	sel.bus.Publish(selectedEvent)
	return nil
}

// Stop halts the selector's actor loop.
func (sel *Selector) Stop() {
	close(sel.stopCh)
}
