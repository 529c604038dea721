// Package keyshare is the per-node, per-E3 actor that generates this
// node's threshold-BFV public-key share and, later, its decryption share.
// Grounded on the teacher's per-node actor idiom (pkg/sortition.Selector)
// generalized to a longer-lived per-E3 lifecycle, with cryptography
// dispatched through pkg/workpool and secret bytes encrypted at rest via
// pkg/security before pkg/store ever sees them.
package keyshare

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/fhe"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/security"
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/gnosisguild/enclave/pkg/workpool"
)

// record is the JSON envelope encrypted as a unit and persisted under
// store.PrefixKeyshare + e3_id. Params travels with the secret key so
// CiphertextOutputPublished can rebuild the same bfv.Parameters without a
// second lookup.
type record struct {
	PartyID int    `json:"party_id"`
	Params  []byte `json:"params"`
	SkBytes []byte `json:"sk_bytes"`
}

// Actor is this node's keyshare actor. One Actor serves every E3 this node
// participates in; state is keyed by e3_id in the datastore, not in memory.
type Actor struct {
	store   *store.Store
	secrets *security.SecretsManager
	pool    *workpool.Pool
	bus     *bus.Bus
	clock   *hlc.Clock

	inbox  bus.Recipient
	stopCh chan struct{}
	logger zerolog.Logger

	seq uint64
}

// Attach builds a keyshare Actor, subscribes it to the events it reacts
// to, and starts its actor loop.
func Attach(b *bus.Bus, st *store.Store, secrets *security.SecretsManager, pool *workpool.Pool, clock *hlc.Clock) *Actor {
	a := &Actor{
		store:   st,
		secrets: secrets,
		pool:    pool,
		bus:     b,
		clock:   clock,
		inbox:   bus.NewRecipient(),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("keyshare"),
	}
	b.Subscribe(events.TypeCiphernodeSelected, a.inbox)
	b.Subscribe(events.TypeCiphertextOutputPublished, a.inbox)
	b.Subscribe(events.TypePlaintextAggregated, a.inbox)
	b.Subscribe(events.TypeShutdown, a.inbox)
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case ev := <-a.inbox:
			a.handle(ev)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Actor) handle(ev *events.EnclaveEvent) {
	var err error
	switch ev.Type {
	case events.TypeCiphernodeSelected:
		err = enclaveerr.Trap(enclaveerr.KeyGeneration, func() error { return a.handleCiphernodeSelected(ev) })
	case events.TypeCiphertextOutputPublished:
		err = enclaveerr.Trap(enclaveerr.KeyGeneration, func() error { return a.handleCiphertextOutputPublished(ev) })
	case events.TypePlaintextAggregated:
		err = enclaveerr.Trap(enclaveerr.Data, func() error { return a.handlePlaintextAggregated(ev) })
	case events.TypeShutdown:
		close(a.stopCh)
		return
	default:
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("keyshare actor failed")
	}
}

// handleCiphernodeSelected implements spec §4.5's "On CiphernodeSelected"
// steps 1-5: derive the CRP, sample sk, compute the public-key share,
// encrypt and persist sk, and emit KeyshareCreated.
func (a *Actor) handleCiphernodeSelected(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.CiphernodeSelectedPayload)
	if !ok {
		return nil
	}

	params, err := fhe.ParamsFromBytes(payload.Params)
	if err != nil {
		return fmt.Errorf("keyshare: materialize fhe params: %w", err)
	}

	type generated struct {
		pkShare []byte
		skBytes []byte
	}

	jobName := fmt.Sprintf("keyshare-gen:%s", payload.E3ID)
	out, err := workpool.Run(context.Background(), a.pool, jobName, func() (generated, error) {
		crp, err := fhe.DeriveCRP(params, payload.Seed)
		if err != nil {
			return generated{}, err
		}
		sk := fhe.GenerateSecretKey(params)
		pkShare, err := fhe.GenPublicKeyShare(params, sk, crp)
		if err != nil {
			return generated{}, err
		}
		skBytes, err := fhe.SecretKeyToBytes(sk)
		if err != nil {
			return generated{}, err
		}
		return generated{pkShare: pkShare, skBytes: skBytes}, nil
	})
	if err != nil {
		return fmt.Errorf("keyshare: generate share: %w", err)
	}

	if err := a.persist(payload.E3ID, payload.PartyID, payload.Params, out.skBytes); err != nil {
		return err
	}

	a.seq++
	created, err := events.Derive(a.clock, a.seq, ev, events.TypeKeyshareCreated, payload.E3ID, &events.KeyshareCreatedPayload{
		E3ID:    payload.E3ID,
		PartyID: payload.PartyID,
		PkShare: out.pkShare,
	})
	if err != nil {
		return err
	}
	a.bus.Publish(created)
	a.logger.Info().Str("e3_id", payload.E3ID).Int("party_id", payload.PartyID).Msg("keyshare created")
	return nil
}

// handleCiphertextOutputPublished implements spec §4.5's "On
// CiphertextOutputPublished" steps 1-3: reload sk, compute d_share = sk·c1,
// emit DecryptionshareCreated.
func (a *Actor) handleCiphertextOutputPublished(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.CiphertextOutputPublishedPayload)
	if !ok {
		return nil
	}

	rec, found, err := a.load(payload.E3ID)
	if err != nil {
		return err
	}
	if !found {
		// This node was never selected for this E3; nothing to decrypt.
		return nil
	}

	params, err := fhe.ParamsFromBytes(rec.Params)
	if err != nil {
		return fmt.Errorf("keyshare: materialize fhe params: %w", err)
	}
	sk, err := fhe.SecretKeyFromBytes(params, rec.SkBytes)
	if err != nil {
		return fmt.Errorf("keyshare: decode secret key: %w", err)
	}

	jobName := fmt.Sprintf("keyshare-decrypt:%s", payload.E3ID)
	dShare, err := workpool.Run(context.Background(), a.pool, jobName, func() ([]byte, error) {
		ct, err := fhe.CiphertextFromBytes(params, payload.CiphertextOutput)
		if err != nil {
			return nil, err
		}
		return fhe.GenDecryptionShare(params, sk, ct)
	})
	if err != nil {
		return fmt.Errorf("keyshare: generate decryption share: %w", err)
	}

	a.seq++
	created, err := events.Derive(a.clock, a.seq, ev, events.TypeDecryptionshareCreated, payload.E3ID, &events.DecryptionshareCreatedPayload{
		E3ID:    payload.E3ID,
		PartyID: rec.PartyID,
		DShare:  dShare,
	})
	if err != nil {
		return err
	}
	a.bus.Publish(created)
	a.logger.Info().Str("e3_id", payload.E3ID).Int("party_id", rec.PartyID).Msg("decryption share created")
	return nil
}

// handlePlaintextAggregated destroys the secret once the E3 is complete,
// per spec §4.5 step 4.
func (a *Actor) handlePlaintextAggregated(ev *events.EnclaveEvent) error {
	payload, ok := ev.Payload.(*events.PlaintextAggregatedPayload)
	if !ok {
		return nil
	}
	return a.Purge(payload.E3ID)
}

// Purge erases this node's keyshare secret for e3ID, whether the E3
// completed normally or was purged explicitly by an operator.
func (a *Actor) Purge(e3ID string) error {
	if err := a.store.Delete(store.PrefixKeyshare + e3ID); err != nil {
		return fmt.Errorf("keyshare: purge %s: %w", e3ID, err)
	}
	return nil
}

func (a *Actor) persist(e3ID string, partyID int, params []byte, skBytes []byte) error {
	rec := record{PartyID: partyID, Params: params, SkBytes: skBytes}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keyshare: encode record: %w", err)
	}
	ciphertext, err := a.secrets.EncryptSecret(plaintext)
	if err != nil {
		return fmt.Errorf("keyshare: encrypt record: %w", err)
	}

	a.seq++
	if err := a.store.Put(store.PrefixKeyshare+e3ID, a.seq, ciphertext); err != nil {
		return fmt.Errorf("keyshare: persist record: %w", err)
	}
	return nil
}

func (a *Actor) load(e3ID string) (record, bool, error) {
	ciphertext, _, ok, err := a.store.Get(store.PrefixKeyshare + e3ID)
	if err != nil {
		return record{}, false, fmt.Errorf("keyshare: load record: %w", err)
	}
	if !ok {
		return record{}, false, nil
	}

	plaintext, err := a.secrets.DecryptSecret(ciphertext)
	if err != nil {
		return record{}, false, fmt.Errorf("keyshare: decrypt record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, false, fmt.Errorf("keyshare: decode record: %w", err)
	}
	return rec, true, nil
}

// Stop halts the actor's loop without processing a Shutdown event.
func (a *Actor) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
}
