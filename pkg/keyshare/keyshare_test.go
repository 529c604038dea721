package keyshare

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/fhe"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/security"
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/gnosisguild/enclave/pkg/workpool"
)

func testParamsBytes(t *testing.T) []byte {
	t.Helper()
	literal := bfv.ParametersLiteral{
		LogN:             12,
		LogQ:             []int{39, 39},
		LogP:             []int{30},
		PlaintextModulus: 65537,
	}
	raw, err := fhe.ParamsToBytes(literal)
	require.NoError(t, err)
	return raw
}

func newTestActor(t *testing.T) (*Actor, *bus.Bus, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "keyshare-test")
	require.NoError(t, err)

	st, err := store.Open(dir)
	require.NoError(t, err)

	salt, err := security.LoadOrCreateSalt(st)
	require.NoError(t, err)
	sm, err := security.NewSecretsManagerFromPassword("test-password", salt)
	require.NoError(t, err)

	pool := workpool.New(2)
	clock := hlc.New("node-a")
	b := bus.New(clock, bus.WithHistory())
	b.Start()

	actor := Attach(b, st, sm, pool, clock)

	cleanup := func() {
		actor.Stop()
		b.Stop()
		st.Close()
		os.RemoveAll(dir)
	}
	return actor, b, cleanup
}

func TestCiphernodeSelectedProducesKeyshareCreated(t *testing.T) {
	_, b, cleanup := newTestActor(t)
	defer cleanup()

	inbox := bus.NewRecipient()
	b.Subscribe(events.TypeKeyshareCreated, inbox)

	clock := hlc.New("node-a")
	ev, err := events.New(clock, 1, events.TypeCiphernodeSelected, "1:e3-1", &events.CiphernodeSelectedPayload{
		E3ID:       "1:e3-1",
		PartyID:    0,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(ev)

	select {
	case created := <-inbox:
		payload, ok := created.Payload.(*events.KeyshareCreatedPayload)
		require.True(t, ok)
		require.Equal(t, "1:e3-1", payload.E3ID)
		require.Equal(t, 0, payload.PartyID)
		require.NotEmpty(t, payload.PkShare)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for KeyshareCreated")
	}
}

func TestPurgeRemovesPersistedSecret(t *testing.T) {
	actor, b, cleanup := newTestActor(t)
	defer cleanup()

	inbox := bus.NewRecipient()
	b.Subscribe(events.TypeKeyshareCreated, inbox)

	clock := hlc.New("node-a")
	ev, err := events.New(clock, 1, events.TypeCiphernodeSelected, "1:e3-2", &events.CiphernodeSelectedPayload{
		E3ID:       "1:e3-2",
		PartyID:    1,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(ev)

	select {
	case <-inbox:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for KeyshareCreated")
	}

	_, found, err := actor.load("1:e3-2")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, actor.Purge("1:e3-2"))

	_, found, err = actor.load("1:e3-2")
	require.NoError(t, err)
	require.False(t, found)
}
