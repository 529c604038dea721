// Package chain implements one log-reader state machine per configured
// chain (spec §4.2): translate EVM logs into EnclaveEvents, distinguishing
// historical replay from live tailing, and the write-side collaborator
// that publishes committee/plaintext results back on-chain.
//
// Grounded on github.com/ethereum/go-ethereum's core/types and common
// packages (the same packages cosmos-solidity-ibc-eureka's generated
// abigen bindings build their Watch/Filter/Parse methods against) and on
// original_source/crates/evm-helpers/src/listener.rs and retry.rs for the
// sync/backoff control flow.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gnosisguild/enclave/pkg/events"
)

// LogSource is the read-side collaborator a Reader drives: historical
// replay via FilterLogs, live tailing via SubscribeFilterLogs, and the
// current chain head for computing how far behind a fresh node is.
type LogSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	// BlockTimestamp resolves a block number to its unix timestamp, needed
	// for the HLC-from-chain derivation (spec §4.2) since core/types.Log
	// itself carries no timestamp field.
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
}

// TxSender is the write-side collaborator: the two on-chain writes a
// ciphernode ever makes, per spec §6.
type TxSender interface {
	PublishCommittee(ctx context.Context, e3ID events.E3ID, committee []string, pkBytes []byte) error
	PublishPlaintextOutput(ctx context.Context, e3ID events.E3ID, plaintext []byte, proofBytes []byte) error
}

// Extractor decodes one contract's log into an EnclaveEvent. blockTimestamp
// is the unix timestamp of log.BlockNumber, resolved by the Reader via
// LogSource.BlockTimestamp before the extractor is called. Unknown topics
// are ignored by returning ok=false, never an error — only a malformed
// *known* topic is a decoding failure.
type Extractor func(log ethtypes.Log, chainID uint64, blockTimestamp uint64) (ev *events.EnclaveEvent, ok bool)

// ExtractorSet dispatches a log to the Extractor registered for its
// topic0, the same registry shape abigen's per-event Parse* methods
// provide individually; here multiple contracts' events share one Reader.
type ExtractorSet map[common.Hash]Extractor

// Decode runs the Extractor registered for log's topic0, if any.
func (s ExtractorSet) Decode(log ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(log.Topics) == 0 {
		return nil, false
	}
	extractor, ok := s[log.Topics[0]]
	if !ok {
		return nil, false
	}
	return extractor(log, chainID, blockTimestamp)
}
