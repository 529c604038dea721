package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
)

// Event signatures this package knows how to decode — the concrete
// contract topics spec §6 names for the "FULL" extractor registry:
// E3Requested, CommitteeFinalized, CiphertextOutputPublished,
// CiphernodeAdded/Removed. Each indexed e3Id keeps ABI decoding scoped to
// non-indexed fields, the same split abigen's generated Unpack helpers use.
const (
	sigE3Requested               = "E3Requested(uint256,uint32,uint32,bytes32,bytes,uint64,uint64)"
	sigCommitteeFinalized        = "CommitteeFinalized(uint256,address[])"
	sigCiphertextOutputPublished = "CiphertextOutputPublished(uint256,bytes)"
	sigCiphernodeAdded           = "CiphernodeAdded(address)"
	sigCiphernodeRemoved         = "CiphernodeRemoved(address)"
)

var (
	topicE3Requested               = crypto.Keccak256Hash([]byte(sigE3Requested))
	topicCommitteeFinalized        = crypto.Keccak256Hash([]byte(sigCommitteeFinalized))
	topicCiphertextOutputPublished = crypto.Keccak256Hash([]byte(sigCiphertextOutputPublished))
	topicCiphernodeAdded           = crypto.Keccak256Hash([]byte(sigCiphernodeAdded))
	topicCiphernodeRemoved         = crypto.Keccak256Hash([]byte(sigCiphernodeRemoved))
)

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			panic("chain: bad abi type " + t + ": " + err.Error())
		}
		args[i] = abi.Argument{Type: ty}
	}
	return args
}

var (
	argsE3Requested               = mustArgs("uint32", "uint32", "bytes32", "bytes", "uint64", "uint64")
	argsCommitteeFinalized        = mustArgs("address[]")
	argsCiphertextOutputPublished = mustArgs("bytes")
)

// DefaultExtractors builds the ExtractorSet for the Enclave contract's
// event set, keyed by topic0.
func DefaultExtractors() ExtractorSet {
	return ExtractorSet{
		topicE3Requested:               extractE3Requested,
		topicCommitteeFinalized:        extractCommitteeFinalized,
		topicCiphertextOutputPublished: extractCiphertextOutputPublished,
		topicCiphernodeAdded:           extractCiphernodeAdded,
		topicCiphernodeRemoved:         extractCiphernodeRemoved,
	}
}

func e3IDFromTopic(l ethtypes.Log, chainID uint64) events.E3ID {
	idOnChain := new(big.Int).SetBytes(l.Topics[1].Bytes()).String()
	return events.NewE3ID(chainID, idOnChain)
}

func extractE3Requested(l ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(l.Topics) < 2 {
		return nil, false
	}
	values, err := argsE3Requested.Unpack(l.Data)
	if err != nil || len(values) != 6 {
		return nil, false
	}
	var seed events.Seed
	rawSeed := values[2].([32]byte)
	copy(seed[:], rawSeed[:])

	payload := &events.E3RequestedPayload{
		E3ID:       string(e3IDFromTopic(l, chainID)),
		ThresholdM: values[0].(uint32),
		ThresholdN: values[1].(uint32),
		Seed:       seed,
		Params:     values[3].([]byte),
		EsiPerCt:   values[4].(uint64),
		ErrorSize:  values[5].(uint64),
	}
	ev := newLogEvent(l, chainID, blockTimestamp, events.TypeE3Requested, payload.E3ID, payload)
	return ev, ev != nil
}

func extractCommitteeFinalized(l ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(l.Topics) < 2 {
		return nil, false
	}
	values, err := argsCommitteeFinalized.Unpack(l.Data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	addrs, ok := values[0].([]common.Address)
	if !ok {
		return nil, false
	}
	committee := make([]string, len(addrs))
	for i, a := range addrs {
		committee[i] = a.Hex()
	}

	payload := &events.CommitteeFinalizedPayload{
		E3ID:      string(e3IDFromTopic(l, chainID)),
		Committee: committee,
	}
	ev := newLogEvent(l, chainID, blockTimestamp, events.TypeCommitteeFinalized, payload.E3ID, payload)
	return ev, ev != nil
}

func extractCiphertextOutputPublished(l ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(l.Topics) < 2 {
		return nil, false
	}
	values, err := argsCiphertextOutputPublished.Unpack(l.Data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	payload := &events.CiphertextOutputPublishedPayload{
		E3ID:             string(e3IDFromTopic(l, chainID)),
		CiphertextOutput: values[0].([]byte),
	}
	ev := newLogEvent(l, chainID, blockTimestamp, events.TypeCiphertextOutputPublished, payload.E3ID, payload)
	return ev, ev != nil
}

func extractCiphernodeAdded(l ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(l.Topics) < 2 {
		return nil, false
	}
	payload := &events.CiphernodeAddedPayload{
		ChainID: chainID,
		Address: common.HexToAddress(l.Topics[1].Hex()).Hex(),
	}
	ev := newLogEvent(l, chainID, blockTimestamp, events.TypeCiphernodeAdded, "", payload)
	return ev, ev != nil
}

func extractCiphernodeRemoved(l ethtypes.Log, chainID uint64, blockTimestamp uint64) (*events.EnclaveEvent, bool) {
	if len(l.Topics) < 2 {
		return nil, false
	}
	payload := &events.CiphernodeRemovedPayload{
		ChainID: chainID,
		Address: common.HexToAddress(l.Topics[1].Hex()).Hex(),
	}
	ev := newLogEvent(l, chainID, blockTimestamp, events.TypeCiphernodeRemoved, "", payload)
	return ev, ev != nil
}

// newLogEvent stamps the HLC-from-chain timestamp (spec §4.2: block
// timestamp as physical, log index as counter, chain id as node identity)
// directly into the event's context, bypassing events.New's local-clock
// stamping since this event originates on-chain, not locally.
func newLogEvent(l ethtypes.Log, chainID uint64, blockTimestamp uint64, t events.Type, aggregateID string, payload interface{}) *events.EnclaveEvent {
	id, err := events.ComputeEventID(t, payload)
	if err != nil {
		return nil
	}
	return &events.EnclaveEvent{
		Type: t,
		Context: events.Context{
			EventID:     id,
			AggregateID: aggregateID,
			Seq:         uint64(l.BlockNumber)<<32 | uint64(l.Index),
			Ts:          hlc.FromChain(blockTimestamp, uint32(l.Index), chainID),
		},
		Payload: payload,
	}
}
