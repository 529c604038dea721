package netmgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
)

type fakeTransport struct {
	mu        sync.Mutex
	published [][]byte
	inbound   chan []byte
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 64)}
}

func (f *fakeTransport) Publish(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.published = append(f.published, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte { return f.inbound }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.inbound)
		f.closed = true
	}
	return nil
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestManagerSkipsLocalOnlyEventsOutbound(t *testing.T) {
	transport := newFakeTransport()
	clock := hlc.New("node-a")
	b := bus.New(clock)
	b.Start()
	defer b.Stop()

	m := New(transport, b, clock)
	m.Start(context.Background())
	defer m.Stop()

	ev, err := events.New(clock, 1, events.TypeSyncStart, "", &events.SyncStartPayload{ChainID: 1})
	require.NoError(t, err)
	b.Publish(ev)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, transport.publishedCount())
}

func TestManagerPublishesNonLocalOnlyEvents(t *testing.T) {
	transport := newFakeTransport()
	clock := hlc.New("node-a")
	b := bus.New(clock)
	b.Start()
	defer b.Stop()

	m := New(transport, b, clock)
	m.Start(context.Background())
	defer m.Stop()

	ev, err := events.New(clock, 1, events.TypeKeyshareCreated, "1:1", &events.KeyshareCreatedPayload{E3ID: "1:1", PartyID: 0, PkShare: []byte("x")})
	require.NoError(t, err)
	b.Publish(ev)

	require.Eventually(t, func() bool { return transport.publishedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManagerInjectsInboundEventsOnBus(t *testing.T) {
	transport := newFakeTransport()
	clock := hlc.New("node-b")
	b := bus.New(clock)
	b.Start()
	defer b.Stop()

	out := bus.NewRecipient()
	b.Subscribe(events.TypeKeyshareCreated, out)

	m := New(transport, b, clock)
	m.Start(context.Background())
	defer m.Stop()

	remoteClock := hlc.New("node-remote")
	remoteEv, err := events.New(remoteClock, 1, events.TypeKeyshareCreated, "1:2", &events.KeyshareCreatedPayload{E3ID: "1:2", PartyID: 1, PkShare: []byte("y")})
	require.NoError(t, err)
	payload, err := json.Marshal(remoteEv.Payload)
	require.NoError(t, err)
	wire, err := json.Marshal(wireMessage{Type: remoteEv.Type, Context: remoteEv.Context, Payload: payload})
	require.NoError(t, err)
	transport.inbound <- wire

	select {
	case got := <-out:
		p, ok := got.Payload.(*events.KeyshareCreatedPayload)
		require.True(t, ok)
		require.Equal(t, "y", string(p.PkShare))
		require.Equal(t, remoteEv.Context.EventID, got.Context.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected inbound event")
	}
}

func TestManagerRejectsInboundEventWithMismatchedEventID(t *testing.T) {
	transport := newFakeTransport()
	clock := hlc.New("node-b")
	b := bus.New(clock, bus.WithHistory())
	b.Start()
	defer b.Stop()

	m := New(transport, b, clock)
	m.Start(context.Background())
	defer m.Stop()

	payload, err := json.Marshal(&events.KeyshareCreatedPayload{E3ID: "1:3", PartyID: 0, PkShare: []byte("z")})
	require.NoError(t, err)
	ctx := events.Context{EventID: "bogus", AggregateID: "1:3"}
	wire, err := json.Marshal(wireMessage{Type: events.TypeKeyshareCreated, Context: ctx, Payload: payload})
	require.NoError(t, err)
	transport.inbound <- wire

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, b.History())
}
