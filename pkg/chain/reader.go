package chain

import (
	"context"
	"encoding/binary"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/store"
)

// syncState is the Reader's position in Init -> Syncing -> Buffering ->
// Live (spec §4.2).
type syncState int

const (
	stateInit syncState = iota
	stateSyncing
	stateBuffering
	stateLive
)

// Reader is the per-chain log-reader actor. It owns one live subscription
// plus a historical-replay pass over the gap between the last persisted
// block and the chain head, and emits one EnclaveEvent per decoded log on
// the shared bus.
type Reader struct {
	chainID    uint64
	source     LogSource
	extractors ExtractorSet
	addresses  []common.Address

	store      *store.Store
	bus        *bus.Bus
	clock      *hlc.Clock
	startBlock uint64

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	mu              sync.Mutex
	state           syncState
	buffer          []ethtypes.Log
	blockTimestamps map[uint64]uint64
	lastSeq         uint64
}

// NewReader builds a Reader for one chain's set of watched contract
// addresses, with the given extractor registry. startBlock is the floor a
// fresh reader (no persisted block yet) syncs historical logs from,
// instead of genesis.
func NewReader(chainID uint64, source LogSource, addresses []common.Address, extractors ExtractorSet, st *store.Store, b *bus.Bus, clock *hlc.Clock, startBlock uint64) *Reader {
	return &Reader{
		chainID:    chainID,
		source:     source,
		extractors: extractors,
		addresses:  addresses,
		store:      st,
		bus:        b,
		clock:      clock,
		startBlock: startBlock,
		logger:     log.WithComponent("chain.reader").With().Uint64("chain_id", chainID).Logger(),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		state:           stateInit,
		blockTimestamps: make(map[uint64]uint64),
	}
}

func (r *Reader) storeKey() string {
	return store.PrefixEvmReader + strconv.FormatUint(r.chainID, 10)
}

func (r *Reader) persistedBlock() uint64 {
	data, _, ok, err := r.store.Get(r.storeKey())
	if err != nil || !ok || len(data) < 8 {
		return r.startBlock
	}
	return binary.BigEndian.Uint64(data)
}

func (r *Reader) persistBlock(block uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)
	r.lastSeq++
	return r.store.Put(r.storeKey(), r.lastSeq, buf)
}

// Start runs the sync state machine and live-tail loop until ctx is
// cancelled or Stop is called. It blocks; callers run it in a goroutine.
func (r *Reader) Start(ctx context.Context) {
	defer close(r.doneCh)

	query := ethereum.FilterQuery{Addresses: r.addresses}

	liveLogs := make(chan ethtypes.Log, 256)
	sub, err := r.withSubscription(ctx, query, liveLogs)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to open live log subscription")
		return
	}
	defer sub.Unsubscribe()

	// Drain the live subscription from the moment it opens. handleLog
	// buffers anything that arrives before the reader reaches stateLive,
	// so this must run concurrently with the historical passes below —
	// otherwise logs pile up behind the channel's fixed capacity and the
	// underlying subscription stalls before the reader ever starts
	// reading it.
	subErrCh := sub.Err()
	liveDone := make(chan struct{})
	go func() {
		defer close(liveDone)
		for {
			select {
			case l := <-liveLogs:
				r.handleLog(ctx, l)
			case err := <-subErrCh:
				if err != nil {
					r.logger.Error().Err(err).Msg("live subscription error")
				}
				return
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	r.setState(stateSyncing)
	if err := r.syncHistorical(ctx, query); err != nil {
		r.logger.Error().Err(err).Msg("historical sync failed")
		return
	}
	r.emitLifecycle(events.TypeHistoricalSyncComplete, &events.HistoricalSyncCompletePayload{ChainID: r.chainID})
	r.setState(stateBuffering)

	// Close the race window: replay anything committed between the
	// historical snapshot and now, before trusting the live buffer.
	if err := r.syncHistorical(ctx, query); err != nil {
		r.logger.Error().Err(err).Msg("catch-up sync failed")
		return
	}

	r.drainBuffer(ctx)
	r.emitLifecycle(events.TypeSyncEnd, &events.SyncEndPayload{ChainID: r.chainID})
	r.setState(stateLive)

	<-liveDone
}

func (r *Reader) withSubscription(ctx context.Context, query ethereum.FilterQuery, sink chan<- ethtypes.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := ReadBackoff.Run(ctx, "subscribe_filter_logs", nil, func() error {
		s, err := r.source.SubscribeFilterLogs(ctx, query, sink)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}

// syncHistorical fetches logs from the last persisted block through the
// current chain head and emits them directly (the "sender" of Syncing
// state); logs arriving on the live subscription meanwhile are buffered
// by handleLog's state check, not lost.
func (r *Reader) syncHistorical(ctx context.Context, query ethereum.FilterQuery) error {
	from := r.persistedBlock()

	var head uint64
	if err := ReadBackoff.Run(ctx, "latest_block", nil, func() error {
		h, err := r.source.LatestBlock(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}); err != nil {
		return err
	}
	if head < from {
		return nil
	}

	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(head)

	var logs []ethtypes.Log
	if err := ReadBackoff.Run(ctx, "filter_logs", nil, func() error {
		l, err := r.source.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = l
		return nil
	}); err != nil {
		return err
	}

	for _, l := range logs {
		r.emitDecoded(ctx, l)
	}
	return r.persistBlock(head + 1)
}

// handleLog is the live-subscription log handler: buffer it while still
// closing the historical gap, emit directly once Live.
func (r *Reader) handleLog(ctx context.Context, l ethtypes.Log) {
	r.mu.Lock()
	st := r.state
	if st == stateSyncing || st == stateBuffering {
		r.buffer = append(r.buffer, l)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.emitDecoded(ctx, l)
}

// drainBuffer emits buffered live logs in arrival order, repeating until
// the buffer is empty, and switches to stateLive under the same lock that
// finds it empty, so no log is left behind in the buffer.
func (r *Reader) drainBuffer(ctx context.Context) {
	for {
		r.mu.Lock()
		pending := r.buffer
		r.buffer = nil
		if len(pending) == 0 {
			r.state = stateLive
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, l := range pending {
			r.emitDecoded(ctx, l)
		}
	}
}

func (r *Reader) setState(s syncState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// emitDecoded decodes l via the extractor registry and publishes the
// resulting event. A log missing BlockNumber/time/LogIndex data is a
// fatal bug per spec §4.2 ("only non-pending blocks are subscribed"); it
// is reported, not silently dropped.
func (r *Reader) emitDecoded(ctx context.Context, l ethtypes.Log) {
	if l.Removed {
		return
	}
	err := enclaveerr.Trap(enclaveerr.Evm, func() error {
		ts, err := r.blockTimestamp(ctx, l.BlockNumber)
		if err != nil {
			return err
		}
		ev, ok := r.extractors.Decode(l, r.chainID, ts)
		if !ok {
			return nil
		}
		r.bus.Publish(ev)
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("tx_hash", l.TxHash.Hex()).
			Uint("log_index", l.Index).
			Msg("failed to decode chain log")
	}
}

// blockTimestamp resolves and caches a block's unix timestamp, since
// several logs in one historical batch typically share a block.
func (r *Reader) blockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	r.mu.Lock()
	if ts, ok := r.blockTimestamps[blockNumber]; ok {
		r.mu.Unlock()
		return ts, nil
	}
	r.mu.Unlock()

	var ts uint64
	err := ReadBackoff.Run(ctx, "block_timestamp", nil, func() error {
		t, err := r.source.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			return err
		}
		ts = t
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.blockTimestamps[blockNumber] = ts
	r.mu.Unlock()
	return ts, nil
}

func (r *Reader) emitLifecycle(t events.Type, payload interface{}) {
	r.lastSeq++
	ev, err := events.New(r.clock, r.lastSeq, t, "", payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event_type", string(t)).Msg("failed to build lifecycle event")
		return
	}
	r.bus.Publish(ev)
}

// Stop halts the Reader's Start loop.
func (r *Reader) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}
