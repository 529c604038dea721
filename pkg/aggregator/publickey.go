package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/fhe"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/gnosisguild/enclave/pkg/workpool"
)

// pkEntry is a public-key aggregator's per-E3 working state, combining the
// shared collector with the bits unique to pk aggregation (seed + params
// needed to rebuild the CRP when it comes time to aggregate).
type pkEntry struct {
	collector *collector
	seed      events.Seed
	params    []byte
	timer     *time.Timer
}

// pkSnapshot is persisted under store.PrefixPubkey + e3_id on every
// transition, per spec §4.6 "Persistence".
type pkSnapshot struct {
	Status        Status         `json:"status"`
	ThresholdM    int            `json:"threshold_m"`
	CommitteeSize int            `json:"committee_size"`
	Seed          events.Seed    `json:"seed"`
	Params        []byte         `json:"params"`
	Shares        map[int][]byte `json:"shares"`
}

// PublicKeyAggregator implements spec §4.6: collects KeyshareCreated pk
// shares, and once threshold_m of them have arrived for a committee
// member, combines them into the aggregated public key.
type PublicKeyAggregator struct {
	store *store.Store
	bus   *bus.Bus
	clock *hlc.Clock
	pool  *workpool.Pool

	buffer *FilterBuffer
	inbox  bus.Recipient
	stopCh chan struct{}
	logger zerolog.Logger

	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*pkEntry

	seq uint64
}

// AttachPublicKeyAggregator builds a PublicKeyAggregator, wires its
// KeyshareCreated filter buffer, and starts its dispatch loop.
func AttachPublicKeyAggregator(b *bus.Bus, st *store.Store, pool *workpool.Pool, clock *hlc.Clock, timeout time.Duration) *PublicKeyAggregator {
	pka := &PublicKeyAggregator{
		store:   st,
		bus:     b,
		clock:   clock,
		pool:    pool,
		inbox:   bus.NewRecipient(),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("aggregator.publickey"),
		timeout: timeout,
		entries: make(map[string]*pkEntry),
	}
	pka.buffer = NewFilterBuffer(b, events.TypeKeyshareCreated, extractKeyshareE3ID, pka.inbox)
	b.Subscribe(events.TypeE3Requested, pka.inbox)
	b.Subscribe(events.TypeShutdown, pka.inbox)
	go pka.run()
	return pka
}

func extractKeyshareE3ID(ev *events.EnclaveEvent) (string, bool) {
	payload, ok := ev.Payload.(*events.KeyshareCreatedPayload)
	if !ok {
		return "", false
	}
	return payload.E3ID, true
}

func (pka *PublicKeyAggregator) run() {
	for {
		select {
		case ev := <-pka.inbox:
			if ev.Type == events.TypeShutdown {
				pka.buffer.Stop()
				return
			}
			var err error
			switch ev.Type {
			case events.TypeE3Requested:
				err = enclaveerr.Trap(enclaveerr.Protocol, func() error { return pka.handleE3Requested(ev) })
			case events.TypeKeyshareCreated:
				err = enclaveerr.Trap(enclaveerr.Protocol, func() error { return pka.handleKeyshareCreated(ev) })
			}
			if err != nil {
				pka.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("public key aggregator failed")
			}
		case <-pka.stopCh:
			pka.buffer.Stop()
			return
		}
	}
}

func (pka *PublicKeyAggregator) handleE3Requested(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.E3RequestedPayload)
	if !ok {
		return nil
	}

	entry := &pkEntry{
		collector: newCollector(int(payload.ThresholdM)),
		seed:      payload.Seed,
		params:    payload.Params,
	}
	entry.collector.committeeSize = int(payload.ThresholdN)

	pka.mu.Lock()
	pka.entries[payload.E3ID] = entry
	pka.mu.Unlock()

	pka.armTimeout(ev, payload.E3ID)
	return pka.persist(payload.E3ID, entry)
}

func (pka *PublicKeyAggregator) armTimeout(triggering *events.EnclaveEvent, e3ID string) {
	entry, ok := pka.entryFor(e3ID)
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(pka.timeout, func() { pka.onTimeout(triggering, e3ID) })
}

func (pka *PublicKeyAggregator) onTimeout(triggering *events.EnclaveEvent, e3ID string) {
	pka.mu.Lock()
	entry, ok := pka.entries[e3ID]
	if !ok || entry.collector.status != StatusCollecting {
		pka.mu.Unlock()
		return
	}
	delete(pka.entries, e3ID)
	pka.mu.Unlock()

	pka.seq++
	failed, err := events.Derive(pka.clock, pka.seq, triggering, events.TypeE3Failed, e3ID, &events.E3FailedPayload{
		E3ID:   e3ID,
		Stage:  events.StageDkg,
		Reason: events.ReasonDKGTimeout,
	})
	if err != nil {
		pka.logger.Error().Err(err).Msg("failed to build E3Failed event")
		return
	}
	pka.bus.Publish(failed)
	pka.logger.Warn().Str("e3_id", e3ID).Msg("DKG timed out")
}

func (pka *PublicKeyAggregator) entryFor(e3ID string) (*pkEntry, bool) {
	pka.mu.Lock()
	defer pka.mu.Unlock()
	entry, ok := pka.entries[e3ID]
	return entry, ok
}

func (pka *PublicKeyAggregator) handleKeyshareCreated(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.KeyshareCreatedPayload)
	if !ok {
		return nil
	}

	entry, ok := pka.entryFor(payload.E3ID)
	if !ok {
		// No E3Requested seen for this id yet; nothing to collect into.
		return nil
	}

	pka.mu.Lock()
	outcome, reachedThreshold := entry.collector.collect(payload.PartyID, payload.PkShare)
	pka.mu.Unlock()

	switch outcome {
	case outcomeOutOfRange:
		return pka.emitProtocolError(ev, payload.E3ID, fmt.Sprintf("party_id %d outside committee for e3 %s", payload.PartyID, payload.E3ID))
	case outcomeDuplicate, outcomeIgnored:
		return nil
	}

	if err := pka.persist(payload.E3ID, entry); err != nil {
		return err
	}

	if reachedThreshold {
		go pka.compute(ev, payload.E3ID, entry)
	}
	return nil
}

func (pka *PublicKeyAggregator) compute(triggering *events.EnclaveEvent, e3ID string, entry *pkEntry) {
	params, err := fhe.ParamsFromBytes(entry.params)
	if err != nil {
		pka.logger.Error().Err(err).Str("e3_id", e3ID).Msg("materialize fhe params")
		return
	}

	pka.mu.Lock()
	shareBytes := entry.collector.orderedShares()
	pka.mu.Unlock()

	jobName := fmt.Sprintf("aggregate-pk:%s", e3ID)
	pkBytes, err := workpool.Run(context.Background(), pka.pool, jobName, func() ([]byte, error) {
		crp, err := fhe.DeriveCRP(params, entry.seed)
		if err != nil {
			return nil, err
		}
		return fhe.AggregatePublicKeyShares(params, crp, shareBytes)
	})
	if err != nil {
		pka.logger.Error().Err(err).Str("e3_id", e3ID).Msg("aggregate public key shares")
		return
	}

	pka.mu.Lock()
	entry.collector.complete()
	pka.mu.Unlock()
	if err := pka.persist(e3ID, entry); err != nil {
		pka.logger.Error().Err(err).Str("e3_id", e3ID).Msg("persist completed snapshot")
	}

	pka.mu.Lock()
	delete(pka.entries, e3ID)
	pka.mu.Unlock()

	pka.seq++
	aggregated, err := events.Derive(pka.clock, pka.seq, triggering, events.TypePublicKeyAggregated, e3ID, &events.PublicKeyAggregatedPayload{
		E3ID:    e3ID,
		PkBytes: pkBytes,
	})
	if err != nil {
		pka.logger.Error().Err(err).Msg("build PublicKeyAggregated event")
		return
	}
	pka.bus.Publish(aggregated)
	pka.logger.Info().Str("e3_id", e3ID).Msg("public key aggregated")
}

func (pka *PublicKeyAggregator) emitProtocolError(triggering *events.EnclaveEvent, e3ID, message string) error {
	pka.seq++
	errEvent, err := events.Derive(pka.clock, pka.seq, triggering, events.TypeErrorOccurred, e3ID, &events.ErrorOccurredPayload{
		Kind:    string(enclaveerr.Protocol),
		Message: message,
		E3ID:    e3ID,
	})
	if err != nil {
		return err
	}
	pka.bus.Publish(errEvent)
	return nil
}

func (pka *PublicKeyAggregator) persist(e3ID string, entry *pkEntry) error {
	pka.mu.Lock()
	snap := pkSnapshot{
		Status:        entry.collector.status,
		ThresholdM:    entry.collector.thresholdM,
		CommitteeSize: entry.collector.committeeSize,
		Seed:          entry.seed,
		Params:        entry.params,
		Shares:        entry.collector.shares,
	}
	pka.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("aggregator: encode pk snapshot: %w", err)
	}
	pka.seq++
	if err := pka.store.Put(store.PrefixPubkey+e3ID, pka.seq, data); err != nil {
		return fmt.Errorf("aggregator: persist pk snapshot: %w", err)
	}
	return nil
}

// Stop halts the aggregator's dispatch loop and its filter buffer.
func (pka *PublicKeyAggregator) Stop() {
	select {
	case <-pka.stopCh:
	default:
		close(pka.stopCh)
	}
}
