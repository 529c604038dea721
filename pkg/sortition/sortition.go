// Package sortition implements distance sortition over the registered
// operator set for a chain, and the actor that turns an E3Requested event
// into a local CiphernodeSelected when this node is chosen.
//
// Grounded on the teacher's pkg/scheduler.Scheduler (a mutex-guarded set
// queried by a periodic/event-driven loop) and on the select-then-emit
// control flow of original_source's ciphernode_selector.rs.
package sortition

import (
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/rs/zerolog"
)

// Sortition owns the registered operator set, one per chain, and answers
// deterministic committee-selection queries over it.
type Sortition struct {
	mu      sync.RWMutex
	sets    map[uint64]map[string]bool // chain_id -> lowercased address set
	store   *store.Store
	logger  zerolog.Logger
}

// New creates a Sortition backed by st for persistence of the operator set.
func New(st *store.Store) *Sortition {
	return &Sortition{
		sets:   make(map[uint64]map[string]bool),
		store:  st,
		logger: log.WithComponent("sortition"),
	}
}

// Hydrate loads the persisted operator set for every chain from the store.
func (s *Sortition) Hydrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.ForEachPrefix(store.PrefixSortition, func(e store.Entry) error {
		chainID, addrs, err := decodeSortitionEntry(e.Key, e.Value)
		if err != nil {
			return err
		}
		set := make(map[string]bool, len(addrs))
		for _, a := range addrs {
			set[strings.ToLower(a)] = true
		}
		s.sets[chainID] = set
		return nil
	})
}

// Add registers an operator address on chainID, persisting the mutation.
func (s *Sortition) Add(chainID uint64, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sets[chainID] == nil {
		s.sets[chainID] = make(map[string]bool)
	}
	s.sets[chainID][strings.ToLower(address)] = true
	return s.persist(chainID)
}

// Remove deregisters an operator address on chainID, persisting the mutation.
func (s *Sortition) Remove(chainID uint64, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sets[chainID] != nil {
		delete(s.sets[chainID], strings.ToLower(address))
	}
	return s.persist(chainID)
}

// persist must be called with s.mu held.
func (s *Sortition) persist(chainID uint64) error {
	addrs := make([]string, 0, len(s.sets[chainID]))
	for a := range s.sets[chainID] {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return s.store.Put(sortitionKey(chainID), 0, encodeSortitionEntry(addrs))
}

// Committee returns the deterministic committee of n operator addresses for
// (chainID, seed), per the distance-sortition algorithm in spec §4.4:
// d(a) = xor(address_as_u256, seed_as_u256), ascending sort, ties broken
// lexicographically by address, first n taken. The position in that sorted
// prefix is the party id.
func (s *Sortition) Committee(chainID uint64, seed events.Seed, n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	operators := make([]string, 0, len(s.sets[chainID]))
	for a := range s.sets[chainID] {
		operators = append(operators, a)
	}

	seedInt := new(big.Int).SetBytes(seed[:])

	type ranked struct {
		addr     string
		distance *big.Int
	}
	ranks := make([]ranked, 0, len(operators))
	for _, addr := range operators {
		ranks = append(ranks, ranked{addr: addr, distance: distance(addr, seedInt)})
	}

	sort.Slice(ranks, func(i, j int) bool {
		cmp := ranks[i].distance.Cmp(ranks[j].distance)
		if cmp != 0 {
			return cmp < 0
		}
		return ranks[i].addr < ranks[j].addr
	})

	if n > len(ranks) {
		n = len(ranks)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranks[i].addr
	}
	return out
}

// PartyIDFor returns the committee position of address within the
// deterministic committee for (chainID, seed, n), or ok=false if address
// would not be selected.
func (s *Sortition) PartyIDFor(chainID uint64, seed events.Seed, n int, address string) (int, bool) {
	committee := s.Committee(chainID, seed, n)
	lower := strings.ToLower(address)
	for i, addr := range committee {
		if addr == lower {
			return i, true
		}
	}
	return 0, false
}

// distance computes xor(address_as_u256, seed_as_u256) for an address.
func distance(addr string, seedInt *big.Int) *big.Int {
	addrBytes := addressBytes(addr)
	if addrBytes == nil {
		return new(big.Int).Lsh(big.NewInt(1), 256)
	}
	addrInt := new(big.Int).SetBytes(addrBytes)
	return new(big.Int).Xor(addrInt, seedInt)
}

// addressBytes strips an optional "0x" prefix and decodes hex, returning
// nil for a malformed address; distance then gives it 2^256, above every
// u256 distance, so malformed addresses sort last rather than panicking,
// since a registered-set entry should already be validated at ingestion time.
func addressBytes(addr string) []byte {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	b, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil
	}
	return b.Bytes()
}
