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

// ptEntry is a plaintext aggregator's per-E3 working state.
type ptEntry struct {
	collector        *collector
	params           []byte
	ciphertextOutput []byte // set once CiphertextOutputPublished arrives
	timer            *time.Timer
}

// ptSnapshot is persisted under store.PrefixPlaintext + e3_id on every
// transition, mirroring pkSnapshot per spec §4.7 "Mirrors §4.6".
type ptSnapshot struct {
	Status           Status         `json:"status"`
	ThresholdM       int            `json:"threshold_m"`
	CommitteeSize    int            `json:"committee_size"`
	Params           []byte         `json:"params"`
	CiphertextOutput []byte         `json:"ciphertext_output"`
	Shares           map[int][]byte `json:"shares"`
}

// PlaintextAggregator implements spec §4.7: collects
// DecryptionshareCreated shares over the published aggregated ciphertext
// and, once threshold_m have arrived, decodes the plaintext output —
// classically (additive combine) or, when ExperimentalTRBFV is set, via
// the Shamir-threshold path (spec's experimental_trbfv Open Question).
type PlaintextAggregator struct {
	store *store.Store
	bus   *bus.Bus
	clock *hlc.Clock
	pool  *workpool.Pool

	experimentalTRBFV bool

	buffer *FilterBuffer
	inbox  bus.Recipient
	stopCh chan struct{}
	logger zerolog.Logger

	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*ptEntry

	seq uint64
}

// AttachPlaintextAggregator builds a PlaintextAggregator, wires its
// DecryptionshareCreated filter buffer, and starts its dispatch loop.
func AttachPlaintextAggregator(b *bus.Bus, st *store.Store, pool *workpool.Pool, clock *hlc.Clock, timeout time.Duration, experimentalTRBFV bool) *PlaintextAggregator {
	pta := &PlaintextAggregator{
		store:             st,
		bus:               b,
		clock:             clock,
		pool:              pool,
		experimentalTRBFV: experimentalTRBFV,
		inbox:             bus.NewRecipient(),
		stopCh:            make(chan struct{}),
		logger:            log.WithComponent("aggregator.plaintext"),
		timeout:           timeout,
		entries:           make(map[string]*ptEntry),
	}
	pta.buffer = NewFilterBuffer(b, events.TypeDecryptionshareCreated, extractDecryptionshareE3ID, pta.inbox)
	b.Subscribe(events.TypeE3Requested, pta.inbox)
	b.Subscribe(events.TypeCiphertextOutputPublished, pta.inbox)
	b.Subscribe(events.TypeShutdown, pta.inbox)
	go pta.run()
	return pta
}

func extractDecryptionshareE3ID(ev *events.EnclaveEvent) (string, bool) {
	payload, ok := ev.Payload.(*events.DecryptionshareCreatedPayload)
	if !ok {
		return "", false
	}
	return payload.E3ID, true
}

func (pta *PlaintextAggregator) run() {
	for {
		select {
		case ev := <-pta.inbox:
			if ev.Type == events.TypeShutdown {
				pta.buffer.Stop()
				return
			}
			var err error
			switch ev.Type {
			case events.TypeE3Requested:
				err = enclaveerr.Trap(enclaveerr.Protocol, func() error { return pta.handleE3Requested(ev) })
			case events.TypeCiphertextOutputPublished:
				err = enclaveerr.Trap(enclaveerr.Protocol, func() error { return pta.handleCiphertextOutputPublished(ev) })
			case events.TypeDecryptionshareCreated:
				err = enclaveerr.Trap(enclaveerr.Protocol, func() error { return pta.handleDecryptionshareCreated(ev) })
			}
			if err != nil {
				pta.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("plaintext aggregator failed")
			}
		case <-pta.stopCh:
			pta.buffer.Stop()
			return
		}
	}
}

func (pta *PlaintextAggregator) handleE3Requested(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.E3RequestedPayload)
	if !ok {
		return nil
	}

	entry := &ptEntry{
		collector: newCollector(int(payload.ThresholdM)),
		params:    payload.Params,
	}
	entry.collector.committeeSize = int(payload.ThresholdN)

	pta.mu.Lock()
	pta.entries[payload.E3ID] = entry
	pta.mu.Unlock()

	return pta.persist(payload.E3ID, entry)
}

func (pta *PlaintextAggregator) handleCiphertextOutputPublished(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.CiphertextOutputPublishedPayload)
	if !ok {
		return nil
	}

	entry, ok := pta.entryFor(payload.E3ID)
	if !ok {
		return nil
	}

	pta.mu.Lock()
	entry.ciphertextOutput = payload.CiphertextOutput
	if entry.timer != nil {
		entry.timer.Stop()
	}
	pta.mu.Unlock()
	entry.timer = time.AfterFunc(pta.timeout, func() { pta.onTimeout(ev, payload.E3ID) })

	return pta.persist(payload.E3ID, entry)
}

func (pta *PlaintextAggregator) onTimeout(triggering *events.EnclaveEvent, e3ID string) {
	pta.mu.Lock()
	entry, ok := pta.entries[e3ID]
	if !ok || entry.collector.status != StatusCollecting {
		pta.mu.Unlock()
		return
	}
	delete(pta.entries, e3ID)
	pta.mu.Unlock()

	pta.seq++
	failed, err := events.Derive(pta.clock, pta.seq, triggering, events.TypeE3Failed, e3ID, &events.E3FailedPayload{
		E3ID:   e3ID,
		Stage:  events.StageDecryption,
		Reason: events.ReasonDecryptionTimeout,
	})
	if err != nil {
		pta.logger.Error().Err(err).Msg("failed to build E3Failed event")
		return
	}
	pta.bus.Publish(failed)
	pta.logger.Warn().Str("e3_id", e3ID).Msg("decryption timed out")
}

func (pta *PlaintextAggregator) entryFor(e3ID string) (*ptEntry, bool) {
	pta.mu.Lock()
	defer pta.mu.Unlock()
	entry, ok := pta.entries[e3ID]
	return entry, ok
}

func (pta *PlaintextAggregator) handleDecryptionshareCreated(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.DecryptionshareCreatedPayload)
	if !ok {
		return nil
	}

	entry, ok := pta.entryFor(payload.E3ID)
	if !ok {
		return nil
	}

	pta.mu.Lock()
	outcome, reachedThreshold := entry.collector.collect(payload.PartyID, payload.DShare)
	pta.mu.Unlock()

	switch outcome {
	case outcomeOutOfRange:
		return pta.emitProtocolError(ev, payload.E3ID, fmt.Sprintf("party_id %d outside committee for e3 %s", payload.PartyID, payload.E3ID))
	case outcomeDuplicate, outcomeIgnored:
		return nil
	}

	if err := pta.persist(payload.E3ID, entry); err != nil {
		return err
	}

	if reachedThreshold {
		go pta.compute(ev, payload.E3ID, entry)
	}
	return nil
}

func (pta *PlaintextAggregator) compute(triggering *events.EnclaveEvent, e3ID string, entry *ptEntry) {
	params, err := fhe.ParamsFromBytes(entry.params)
	if err != nil {
		pta.logger.Error().Err(err).Str("e3_id", e3ID).Msg("materialize fhe params")
		return
	}

	pta.mu.Lock()
	shareBytes := entry.collector.orderedShares()
	ciphertextOutput := entry.ciphertextOutput
	pta.mu.Unlock()

	jobName := fmt.Sprintf("aggregate-plaintext:%s", e3ID)
	decrypted, err := workpool.Run(context.Background(), pta.pool, jobName, func() ([]byte, error) {
		ct, err := fhe.CiphertextFromBytes(params, ciphertextOutput)
		if err != nil {
			return nil, err
		}
		if pta.experimentalTRBFV {
			return fhe.ThresholdDecrypt(params, ct, shareBytes)
		}
		return fhe.CombineDecryptionShares(params, ct, shareBytes)
	})
	if err != nil {
		pta.logger.Error().Err(err).Str("e3_id", e3ID).Msg("combine decryption shares")
		return
	}

	pta.mu.Lock()
	entry.collector.complete()
	pta.mu.Unlock()
	if err := pta.persist(e3ID, entry); err != nil {
		pta.logger.Error().Err(err).Str("e3_id", e3ID).Msg("persist completed snapshot")
	}

	pta.mu.Lock()
	delete(pta.entries, e3ID)
	pta.mu.Unlock()

	pta.seq++
	aggregated, err := events.Derive(pta.clock, pta.seq, triggering, events.TypePlaintextAggregated, e3ID, &events.PlaintextAggregatedPayload{
		E3ID:            e3ID,
		DecryptedOutput: decrypted,
	})
	if err != nil {
		pta.logger.Error().Err(err).Msg("build PlaintextAggregated event")
		return
	}
	pta.bus.Publish(aggregated)
	pta.logger.Info().Str("e3_id", e3ID).Msg("plaintext aggregated")
}

func (pta *PlaintextAggregator) emitProtocolError(triggering *events.EnclaveEvent, e3ID, message string) error {
	pta.seq++
	errEvent, err := events.Derive(pta.clock, pta.seq, triggering, events.TypeErrorOccurred, e3ID, &events.ErrorOccurredPayload{
		Kind:    string(enclaveerr.Protocol),
		Message: message,
		E3ID:    e3ID,
	})
	if err != nil {
		return err
	}
	pta.bus.Publish(errEvent)
	return nil
}

func (pta *PlaintextAggregator) persist(e3ID string, entry *ptEntry) error {
	pta.mu.Lock()
	snap := ptSnapshot{
		Status:           entry.collector.status,
		ThresholdM:       entry.collector.thresholdM,
		CommitteeSize:    entry.collector.committeeSize,
		Params:           entry.params,
		CiphertextOutput: entry.ciphertextOutput,
		Shares:           entry.collector.shares,
	}
	pta.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("aggregator: encode plaintext snapshot: %w", err)
	}
	pta.seq++
	if err := pta.store.Put(store.PrefixPlaintext+e3ID, pta.seq, data); err != nil {
		return fmt.Errorf("aggregator: persist plaintext snapshot: %w", err)
	}
	return nil
}

// Stop halts the aggregator's dispatch loop and its filter buffer.
func (pta *PlaintextAggregator) Stop() {
	select {
	case <-pta.stopCh:
	default:
		close(pta.stopCh)
	}
}
