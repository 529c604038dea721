package chain

import (
	"context"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/store"
)

// fakeSubscription implements ethereum.Subscription and never errors,
// enough to drive the Reader's live-tail select loop in tests.
type fakeSubscription struct {
	errCh chan error
}

func (f *fakeSubscription) Unsubscribe()      {}
func (f *fakeSubscription) Err() <-chan error { return f.errCh }

// fakeSource is an in-memory LogSource: a fixed set of historical logs
// plus a controllable live subscription channel.
type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	historical []ethtypes.Log
	liveSink   chan<- ethtypes.Log
}

func (f *fakeSource) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ethtypes.Log
	for _, l := range f.historical {
		if query.FromBlock != nil && l.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && l.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeSource) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.liveSink = ch
	f.mu.Unlock()
	return &fakeSubscription{errCh: make(chan error)}, nil
}

func (f *fakeSource) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	return 1_700_000_000 + blockNumber, nil
}

func (f *fakeSource) pushLive(l ethtypes.Log) {
	f.mu.Lock()
	sink := f.liveSink
	f.mu.Unlock()
	sink <- l
}

var testCiphernodeAddedTopic = topicCiphernodeAdded

func ciphernodeAddedLog(blockNumber uint64, logIndex uint, addr common.Address) ethtypes.Log {
	return ethtypes.Log{
		Address:     common.HexToAddress("0xabc"),
		Topics:      []common.Hash{testCiphernodeAddedTopic, common.BytesToHash(addr.Bytes())},
		BlockNumber: blockNumber,
		Index:       logIndex,
	}
}

func newTestReader(t *testing.T, source *fakeSource) (*Reader, *bus.Bus, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "chain-test")
	require.NoError(t, err)
	st, err := store.Open(dir)
	require.NoError(t, err)

	clock := hlc.New("node-test")
	b := bus.New(clock, bus.WithHistory())
	b.Start()

	r := NewReader(1, source, []common.Address{common.HexToAddress("0xabc")}, DefaultExtractors(), st, b, clock, 0)

	cleanup := func() {
		b.Stop()
		st.Close()
		os.RemoveAll(dir)
	}
	return r, b, cleanup
}

func TestReaderReplaysHistoricalLogsThenGoesLive(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{
		head:       10,
		historical: []ethtypes.Log{ciphernodeAddedLog(5, 0, addr)},
	}
	r, b, cleanup := newTestReader(t, source)
	defer cleanup()

	out := bus.NewRecipient()
	b.Subscribe(events.TypeCiphernodeAdded, out)
	syncEnd := bus.NewRecipient()
	b.Subscribe(events.TypeSyncEnd, syncEnd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)
	defer r.Stop()

	select {
	case ev := <-out:
		payload, ok := ev.Payload.(*events.CiphernodeAddedPayload)
		require.True(t, ok)
		require.Equal(t, addr.Hex(), payload.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for historical CiphernodeAdded")
	}

	select {
	case <-syncEnd:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SyncEnd")
	}
}

func TestReaderPersistsLastSeenBlockAcrossRestarts(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	source := &fakeSource{
		head:       3,
		historical: []ethtypes.Log{ciphernodeAddedLog(3, 0, addr)},
	}
	r, b, cleanup := newTestReader(t, source)
	defer cleanup()

	out := bus.NewRecipient()
	b.Subscribe(events.TypeCiphernodeAdded, out)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Start(ctx)

	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CiphernodeAdded")
	}
	cancel()
	r.Stop()

	restarted := NewReader(1, source, r.addresses, DefaultExtractors(), r.store, b, hlc.New("node-test"), 0)
	require.Equal(t, uint64(4), restarted.persistedBlock())
}

func TestReaderLiveLogGoesDirectlyOnceLive(t *testing.T) {
	source := &fakeSource{head: 0}
	r, b, cleanup := newTestReader(t, source)
	defer cleanup()

	out := bus.NewRecipient()
	b.Subscribe(events.TypeCiphernodeAdded, out)
	syncEnd := bus.NewRecipient()
	b.Subscribe(events.TypeSyncEnd, syncEnd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)
	defer r.Stop()

	select {
	case <-syncEnd:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SyncEnd")
	}

	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	source.pushLive(ciphernodeAddedLog(1, 0, addr))

	select {
	case ev := <-out:
		payload, ok := ev.Payload.(*events.CiphernodeAddedPayload)
		require.True(t, ok)
		require.Equal(t, addr.Hex(), payload.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live CiphernodeAdded")
	}
}

var _ = big.NewInt
