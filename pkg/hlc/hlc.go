// Package hlc implements a Hybrid Logical Clock: a (physical_ms, counter,
// node_id) timestamp that provides a total, causality-respecting order
// across events produced locally and events received from remote nodes.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a single HLC reading. Ordering is (Physical, Counter, NodeID)
// lexicographically.
type Timestamp struct {
	Physical int64
	Counter  uint32
	NodeID   string
}

// Compare returns -1, 0 or 1 as t sorts before, equal to, or after other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Physical != other.Physical:
		if t.Physical < other.Physical {
			return -1
		}
		return 1
	case t.Counter != other.Counter:
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	case t.NodeID != other.NodeID:
		if t.NodeID < other.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d.%s", t.Physical, t.Counter, t.NodeID)
}

// nowFn is overridden in tests for deterministic physical time.
var nowFn = func() int64 { return time.Now().UnixMilli() }

// Clock is a mutex-guarded HLC for a single node. The zero value is not
// usable; construct with New.
type Clock struct {
	mu     sync.Mutex
	last   Timestamp
	nodeID string
}

// New creates a Clock for the given node identity, the value stamped on
// every timestamp produced by this node.
func New(nodeID string) *Clock {
	return &Clock{
		last:   Timestamp{Physical: nowFn(), Counter: 0, NodeID: nodeID},
		nodeID: nodeID,
	}
}

// Now advances the clock for a locally produced event and returns the new
// timestamp. If the wall clock has advanced past the last timestamp, the
// counter resets to 0; otherwise it increments, guaranteeing monotonicity.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := nowFn()
	if phys > c.last.Physical {
		c.last = Timestamp{Physical: phys, Counter: 0, NodeID: c.nodeID}
	} else {
		c.last = Timestamp{Physical: c.last.Physical, Counter: c.last.Counter + 1, NodeID: c.nodeID}
	}
	return c.last
}

// Receive merges a remote timestamp into the local clock: new = max(local,
// remote, physical) + tick. This is the HLC receive() rule from spec §4.1;
// the returned timestamp is always strictly greater than both the prior
// local reading and the remote one.
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := nowFn()
	maxPhysical := phys
	if c.last.Physical > maxPhysical {
		maxPhysical = c.last.Physical
	}
	if remote.Physical > maxPhysical {
		maxPhysical = remote.Physical
	}

	var counter uint32
	switch {
	case maxPhysical == c.last.Physical && maxPhysical == remote.Physical:
		if c.last.Counter > remote.Counter {
			counter = c.last.Counter + 1
		} else {
			counter = remote.Counter + 1
		}
	case maxPhysical == c.last.Physical:
		counter = c.last.Counter + 1
	case maxPhysical == remote.Physical:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	c.last = Timestamp{Physical: maxPhysical, Counter: counter, NodeID: c.nodeID}
	return c.last
}

// Last returns the most recently issued timestamp without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// FromChain builds the total-order timestamp the chain reader stamps on
// chain-originated events per spec §4.2: block timestamp (microseconds) as
// the physical component, log index as the counter, and the chain id
// rendered as the node identity so on-chain events from different chains
// never collide on NodeID.
func FromChain(blockTimestampUnix uint64, logIndex uint32, chainID uint64) Timestamp {
	return Timestamp{
		Physical: int64(blockTimestampUnix) * 1_000_000,
		Counter:  logIndex,
		NodeID:   fmt.Sprintf("chain:%d", chainID),
	}
}
