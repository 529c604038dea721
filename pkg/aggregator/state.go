// Package aggregator implements the two per-E3 share aggregators
// (PublicKeyAggregator, PlaintextAggregator) that drive an E3 through
// Collecting -> Computing -> Complete, grounded on the "apply a command,
// persist the resulting state" shape of the teacher's
// pkg/manager.WarrenFSM, reinterpreted as a plain bus-driven state
// machine instead of a Raft-applied one (E3 has no cross-node consensus
// requirement; ordering comes from chain + HLC).
package aggregator

import "sort"

// Status is a collector's position in its state machine.
type Status string

const (
	StatusCollecting Status = "Collecting"
	StatusComputing  Status = "Computing"
	StatusComplete   Status = "Complete"
)

// collector holds one E3's share-accumulation state, shared by both
// aggregator flavors (public-key shares, decryption shares) since the
// collect/threshold/duplicate/range rules are identical (spec §4.6 Rules,
// mirrored for decryption shares by §4.7).
type collector struct {
	status        Status
	thresholdM    int
	committeeSize int // threshold_n from E3Requested; 0 disables the range check
	shares        map[int][]byte
}

func newCollector(thresholdM int) *collector {
	return &collector{
		status:     StatusCollecting,
		thresholdM: thresholdM,
		shares:     make(map[int][]byte),
	}
}

// collectOutcome reports what happened to a submitted share.
type collectOutcome int

const (
	outcomeAccepted collectOutcome = iota
	outcomeDuplicate
	outcomeOutOfRange
	outcomeIgnored // collector not in Collecting (already computing/complete)
)

// collect records partyID's share if the collector is still accepting
// shares. Returns whether the threshold was just reached (the caller
// should move to Computing and launch the aggregation in that case).
func (c *collector) collect(partyID int, share []byte) (outcome collectOutcome, reachedThreshold bool) {
	if c.status != StatusCollecting {
		return outcomeIgnored, false
	}
	if c.committeeSize > 0 && (partyID < 0 || partyID >= c.committeeSize) {
		return outcomeOutOfRange, false
	}
	if _, exists := c.shares[partyID]; exists {
		return outcomeDuplicate, false
	}

	c.shares[partyID] = share
	if len(c.shares) >= c.thresholdM {
		c.status = StatusComputing
		return outcomeAccepted, true
	}
	return outcomeAccepted, false
}

// orderedShares returns the collected shares ordered by party id, so every
// node aggregates in the same order (aggregation itself is associative and
// commutative per spec §4.6, but a stable order keeps results
// byte-for-byte reproducible across nodes for the same input set).
func (c *collector) orderedShares() [][]byte {
	ids := make([]int, 0, len(c.shares))
	for id := range c.shares {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = c.shares[id]
	}
	return out
}

func (c *collector) complete() {
	c.status = StatusComplete
}
