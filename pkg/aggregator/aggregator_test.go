package aggregator

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
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/gnosisguild/enclave/pkg/workpool"
)

func testParamsBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := fhe.ParamsToBytes(bfv.ParametersLiteral{
		LogN:             12,
		LogQ:             []int{39, 39},
		LogP:             []int{30},
		PlaintextModulus: 65537,
	})
	require.NoError(t, err)
	return raw
}

func newTestBus(t *testing.T) (*bus.Bus, *store.Store, *hlc.Clock, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "aggregator-test")
	require.NoError(t, err)
	st, err := store.Open(dir)
	require.NoError(t, err)

	clock := hlc.New("node-test")
	b := bus.New(clock, bus.WithHistory())
	b.Start()

	cleanup := func() {
		b.Stop()
		st.Close()
		os.RemoveAll(dir)
	}
	return b, st, clock, cleanup
}

func publishKeyshare(t *testing.T, b *bus.Bus, clock *hlc.Clock, seq uint64, e3ID string, partyID int, pkShare []byte) {
	t.Helper()
	ev, err := events.New(clock, seq, events.TypeKeyshareCreated, e3ID, &events.KeyshareCreatedPayload{
		E3ID:    e3ID,
		PartyID: partyID,
		PkShare: pkShare,
	})
	require.NoError(t, err)
	b.Publish(ev)
}

// realPkShare builds a decodable public-key share for testParamsBytes and
// the zero seed the tests' E3Requested events carry, so the aggregator's
// AggregatePublicKeyShares call can succeed.
func realPkShare(t *testing.T) []byte {
	t.Helper()
	params, err := fhe.ParamsFromBytes(testParamsBytes(t))
	require.NoError(t, err)
	crp, err := fhe.DeriveCRP(params, events.Seed{})
	require.NoError(t, err)
	share, err := fhe.GenPublicKeyShare(params, fhe.GenerateSecretKey(params), crp)
	require.NoError(t, err)
	return share
}

func publishCommittee(t *testing.T, b *bus.Bus, clock *hlc.Clock, seq uint64, e3ID string) {
	t.Helper()
	ev, err := events.New(clock, seq, events.TypeCommitteeFinalized, e3ID, &events.CommitteeFinalizedPayload{
		E3ID:      e3ID,
		Committee: []string{"0xa", "0xb", "0xc"},
	})
	require.NoError(t, err)
	b.Publish(ev)
}

func TestPublicKeyAggregatorHappyPath(t *testing.T) {
	b, st, clock, cleanup := newTestBus(t)
	defer cleanup()

	pool := workpool.New(2)
	pka := AttachPublicKeyAggregator(b, st, pool, clock, time.Minute)
	defer pka.Stop()

	out := bus.NewRecipient()
	b.Subscribe(events.TypePublicKeyAggregated, out)

	e3ID := "1:e3-happy"
	req, err := events.New(clock, 1, events.TypeE3Requested, e3ID, &events.E3RequestedPayload{
		E3ID:       e3ID,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(req)

	publishCommittee(t, b, clock, 2, e3ID)
	publishKeyshare(t, b, clock, 3, e3ID, 0, realPkShare(t))
	publishKeyshare(t, b, clock, 4, e3ID, 1, realPkShare(t))

	select {
	case ev := <-out:
		payload, ok := ev.Payload.(*events.PublicKeyAggregatedPayload)
		require.True(t, ok)
		require.Equal(t, e3ID, payload.E3ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PublicKeyAggregated")
	}
}

func TestPublicKeyAggregatorBuffersShareBeforeCommitteeFinalized(t *testing.T) {
	b, st, clock, cleanup := newTestBus(t)
	defer cleanup()

	pool := workpool.New(2)
	pka := AttachPublicKeyAggregator(b, st, pool, clock, time.Minute)
	defer pka.Stop()

	out := bus.NewRecipient()
	b.Subscribe(events.TypePublicKeyAggregated, out)

	e3ID := "1:e3-buffered"
	req, err := events.New(clock, 1, events.TypeE3Requested, e3ID, &events.E3RequestedPayload{
		E3ID:       e3ID,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(req)

	// KeyshareCreated(A) before CommitteeFinalized (spec S3).
	publishKeyshare(t, b, clock, 2, e3ID, 0, realPkShare(t))

	committeeFinalized, err := events.New(clock, 3, events.TypeCommitteeFinalized, e3ID, &events.CommitteeFinalizedPayload{
		E3ID:      e3ID,
		Committee: []string{"0xa", "0xb", "0xc"},
	})
	require.NoError(t, err)
	b.Publish(committeeFinalized)

	publishKeyshare(t, b, clock, 4, e3ID, 1, realPkShare(t))

	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PublicKeyAggregated")
	}
}

func TestPublicKeyAggregatorRejectsOutOfRangePartyID(t *testing.T) {
	b, st, clock, cleanup := newTestBus(t)
	defer cleanup()

	pool := workpool.New(2)
	pka := AttachPublicKeyAggregator(b, st, pool, clock, time.Minute)
	defer pka.Stop()

	errOut := bus.NewRecipient()
	b.Subscribe(events.TypeErrorOccurred, errOut)
	pkOut := bus.NewRecipient()
	b.Subscribe(events.TypePublicKeyAggregated, pkOut)

	e3ID := "1:e3-forged"
	req, err := events.New(clock, 1, events.TypeE3Requested, e3ID, &events.E3RequestedPayload{
		E3ID:       e3ID,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(req)

	committeeFinalized, err := events.New(clock, 2, events.TypeCommitteeFinalized, e3ID, &events.CommitteeFinalizedPayload{
		E3ID:      e3ID,
		Committee: []string{"0xa", "0xb", "0xc"},
	})
	require.NoError(t, err)
	b.Publish(committeeFinalized)

	publishKeyshare(t, b, clock, 3, e3ID, 9, []byte("forged-share"))

	select {
	case ev := <-errOut:
		payload, ok := ev.Payload.(*events.ErrorOccurredPayload)
		require.True(t, ok)
		require.Equal(t, e3ID, payload.E3ID)
	case <-pkOut:
		t.Fatal("forged out-of-range share should not have advanced the aggregator")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the forged-share error event")
	}
}

func TestPublicKeyAggregatorDropsDuplicateShare(t *testing.T) {
	b, st, clock, cleanup := newTestBus(t)
	defer cleanup()

	pool := workpool.New(2)
	pka := AttachPublicKeyAggregator(b, st, pool, clock, time.Minute)
	defer pka.Stop()

	out := bus.NewRecipient()
	b.Subscribe(events.TypePublicKeyAggregated, out)

	e3ID := "1:e3-dup"
	req, err := events.New(clock, 1, events.TypeE3Requested, e3ID, &events.E3RequestedPayload{
		E3ID:       e3ID,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(req)

	publishCommittee(t, b, clock, 2, e3ID)
	publishKeyshare(t, b, clock, 3, e3ID, 0, realPkShare(t))
	publishKeyshare(t, b, clock, 4, e3ID, 0, []byte("share-0-replay"))

	select {
	case <-out:
		t.Fatal("aggregator reached threshold from a duplicate share")
	case <-time.After(300 * time.Millisecond):
	}

	publishKeyshare(t, b, clock, 5, e3ID, 1, realPkShare(t))

	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PublicKeyAggregated after the real second share")
	}
}

func TestPublicKeyAggregatorTimesOutWhenThresholdNotReached(t *testing.T) {
	b, st, clock, cleanup := newTestBus(t)
	defer cleanup()

	pool := workpool.New(2)
	pka := AttachPublicKeyAggregator(b, st, pool, clock, 50*time.Millisecond)
	defer pka.Stop()

	failOut := bus.NewRecipient()
	b.Subscribe(events.TypeE3Failed, failOut)

	e3ID := "1:e3-timeout"
	req, err := events.New(clock, 1, events.TypeE3Requested, e3ID, &events.E3RequestedPayload{
		E3ID:       e3ID,
		ThresholdM: 2,
		ThresholdN: 3,
		Params:     testParamsBytes(t),
	})
	require.NoError(t, err)
	b.Publish(req)

	select {
	case ev := <-failOut:
		payload, ok := ev.Payload.(*events.E3FailedPayload)
		require.True(t, ok)
		require.Equal(t, events.StageDkg, payload.Stage)
		require.Equal(t, events.ReasonDKGTimeout, payload.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for E3Failed")
	}
}
