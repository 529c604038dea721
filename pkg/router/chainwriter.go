package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/log"
)

// TxSender is the subset of chain.TxSender a ChainWriter needs. Declared
// locally so pkg/router never imports pkg/chain — extensions are wired
// together by their caller (cmd/ciphernode), not by package dependency.
type TxSender interface {
	PublishCommittee(ctx context.Context, e3ID events.E3ID, committee []string, pkBytes []byte) error
	PublishPlaintextOutput(ctx context.Context, e3ID events.E3ID, plaintext []byte, proofBytes []byte) error
}

// ChainWriter is the Extension that submits an E3's results back on-chain:
// the finalized committee once CommitteeFinalized carries its address list
// and PublicKeyAggregated later supplies the combined key, and the
// decrypted output once PlaintextAggregated fires. Proof bytes come from
// the ZK prover backend, explicitly out of scope for this core; until that
// pipeline exists this extension submits an empty proof placeholder.
type ChainWriter struct {
	sender TxSender
	logger zerolog.Logger
}

// NewChainWriter builds a ChainWriter submitting through sender.
func NewChainWriter(sender TxSender) *ChainWriter {
	return &ChainWriter{sender: sender, logger: log.WithComponent("router.chain_writer")}
}

func (w *ChainWriter) Name() string { return "chain_writer" }

func (w *ChainWriter) OnEvent(ctx *Context, ev *events.EnclaveEvent) {
	switch ev.Type {
	case events.TypeCommitteeFinalized:
		payload, ok := ev.Payload.(*events.CommitteeFinalizedPayload)
		if !ok {
			return
		}
		ctx.Set("committee", payload.Committee)

	case events.TypePublicKeyAggregated:
		payload, ok := ev.Payload.(*events.PublicKeyAggregatedPayload)
		if !ok {
			return
		}
		var committee []string
		if v, ok := ctx.Get("committee"); ok {
			committee, _ = v.([]string)
		}
		go w.publishCommittee(ctx.E3ID, committee, payload.PkBytes)

	case events.TypePlaintextAggregated:
		payload, ok := ev.Payload.(*events.PlaintextAggregatedPayload)
		if !ok {
			return
		}
		go w.publishPlaintext(ctx.E3ID, payload.DecryptedOutput)
	}
}

// Hydrate is a no-op: ChainWriter holds no state across events beyond the
// committee it reads back off ctx within the same still-open Context.
func (w *ChainWriter) Hydrate(ctx *Context, snapshot []byte) {}

func (w *ChainWriter) publishCommittee(e3ID events.E3ID, committee []string, pkBytes []byte) {
	if err := w.sender.PublishCommittee(context.Background(), e3ID, committee, pkBytes); err != nil {
		w.logger.Error().Err(err).Str("e3_id", string(e3ID)).Msg("failed to publish committee")
	}
}

func (w *ChainWriter) publishPlaintext(e3ID events.E3ID, plaintext []byte) {
	if err := w.sender.PublishPlaintextOutput(context.Background(), e3ID, plaintext, nil); err != nil {
		w.logger.Error().Err(err).Str("e3_id", string(e3ID)).Msg("failed to publish plaintext output")
	}
}
