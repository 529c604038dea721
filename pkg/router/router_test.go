package router

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/store"
)

// recordingExtension captures every OnEvent call it receives, in order.
type recordingExtension struct {
	name  string
	calls chan *events.EnclaveEvent
}

func newRecordingExtension(name string) *recordingExtension {
	return &recordingExtension{name: name, calls: make(chan *events.EnclaveEvent, 16)}
}

func (e *recordingExtension) Name() string { return e.name }
func (e *recordingExtension) OnEvent(ctx *Context, ev *events.EnclaveEvent) {
	e.calls <- ev
}
func (e *recordingExtension) Hydrate(ctx *Context, snapshot []byte) {}

func newTestRouter(t *testing.T, extensions ...Extension) (*Router, *bus.Bus, *store.Store, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "router-test")
	require.NoError(t, err)
	st, err := store.Open(dir)
	require.NoError(t, err)

	clock := hlc.New("node-test")
	b := bus.New(clock, bus.WithHistory())
	b.Start()

	r := New(b, st, extensions...)
	cleanup := func() {
		b.Stop()
		st.Close()
		os.RemoveAll(dir)
	}
	return r, b, st, cleanup
}

func TestRouterDispatchesE3ScopedEventsToExtensions(t *testing.T) {
	ext := newRecordingExtension("recorder")
	r, b, _, cleanup := newTestRouter(t, ext)
	defer cleanup()
	r.Start()
	defer r.Stop()

	clock := hlc.New("node-test")
	ev, err := events.New(clock, 1, events.TypeE3Requested, "1:7", &events.E3RequestedPayload{E3ID: "1:7"})
	require.NoError(t, err)
	b.Publish(ev)

	select {
	case got := <-ext.calls:
		require.Equal(t, events.TypeE3Requested, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for extension dispatch")
	}
}

func TestRouterIgnoresEventsWithoutAggregateID(t *testing.T) {
	ext := newRecordingExtension("recorder")
	r, b, _, cleanup := newTestRouter(t, ext)
	defer cleanup()
	r.Start()
	defer r.Stop()

	clock := hlc.New("node-test")
	ev, err := events.New(clock, 1, events.TypeCiphernodeAdded, "", &events.CiphernodeAddedPayload{ChainID: 1, Address: "0xabc"})
	require.NoError(t, err)
	b.Publish(ev)

	select {
	case <-ext.calls:
		t.Fatal("extension should not have been invoked for a non-E3-scoped event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRouterBuffersUntilRoleRecipientInstalledThenDrainsInOrder(t *testing.T) {
	installer := newRecordingExtension("installer")
	r, b, _, cleanup := newTestRouter(t, installer)
	defer cleanup()
	r.Start()
	defer r.Stop()

	clock := hlc.New("node-test")
	e3ID := "1:9"

	ev1, err := events.New(clock, 1, events.TypeKeyshareCreated, e3ID, &events.KeyshareCreatedPayload{E3ID: e3ID, PartyID: 0, PkShare: []byte("a")})
	require.NoError(t, err)
	b.Publish(ev1)
	ev2, err := events.New(clock, 2, events.TypeKeyshareCreated, e3ID, &events.KeyshareCreatedPayload{E3ID: e3ID, PartyID: 1, PkShare: []byte("b")})
	require.NoError(t, err)
	b.Publish(ev2)

	require.Eventually(t, func() bool {
		select {
		case <-installer.calls:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		select {
		case <-installer.calls:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	recipient := bus.NewRecipient()
	r.mu.Lock()
	ctx := r.contexts[events.E3ID(e3ID)]
	r.mu.Unlock()
	require.NotNil(t, ctx)
	ctx.SetRecipient("publickey", recipient)

	first := <-recipient
	second := <-recipient
	require.Equal(t, ev1.Context.EventID, first.Context.EventID)
	require.Equal(t, ev2.Context.EventID, second.Context.EventID)
}

func TestRouterCheckpointsAndDropsContextOnTerminalEvent(t *testing.T) {
	r, b, st, cleanup := newTestRouter(t)
	defer cleanup()
	r.Start()
	defer r.Stop()

	clock := hlc.New("node-test")
	e3ID := "1:11"
	ev, err := events.New(clock, 1, events.TypePlaintextAggregated, e3ID, &events.PlaintextAggregatedPayload{E3ID: e3ID, DecryptedOutput: []byte("out")})
	require.NoError(t, err)
	b.Publish(ev)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.contexts[events.E3ID(e3ID)]
		return !ok
	}, time.Second, 10*time.Millisecond)

	data, _, ok, err := st.Get(store.PrefixContext + e3ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(data), statusDone)
}

func TestRouterHydratesOnlyActivePersistedContexts(t *testing.T) {
	dir, err := os.MkdirTemp("", "router-hydrate-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	st, err := store.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Put(store.PrefixContext+"1:20", 1, []byte(`{"e3_id":"1:20","status":"active"}`)))
	require.NoError(t, st.Put(store.PrefixContext+"1:21", 2, []byte(`{"e3_id":"1:21","status":"done"}`)))

	clock := hlc.New("node-test")
	b := bus.New(clock)
	b.Start()
	defer b.Stop()

	hydrated := newRecordingExtension("hydrator")
	r := New(b, st, hydrated)
	r.Start()
	defer r.Stop()

	r.mu.Lock()
	_, activeOK := r.contexts[events.E3ID("1:20")]
	_, doneOK := r.contexts[events.E3ID("1:21")]
	r.mu.Unlock()
	require.True(t, activeOK)
	require.False(t, doneOK)
}
