package events

import (
	"fmt"
	"strconv"
	"strings"
)

// E3ID is the canonical string rendering of (chain_id, id_on_chain):
// "<chain_id>:<id_on_chain>", e.g. "1:42".
type E3ID string

// NewE3ID renders an E3ID from its components.
func NewE3ID(chainID uint64, idOnChain string) E3ID {
	return E3ID(fmt.Sprintf("%d:%s", chainID, idOnChain))
}

// ChainID returns the chain id component of e.
func (e E3ID) ChainID() (uint64, error) {
	chainID, _, err := e.Split()
	return chainID, err
}

// Split decomposes e into its chain id and on-chain id components.
func (e E3ID) Split() (chainID uint64, idOnChain string, err error) {
	parts := strings.SplitN(string(e), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("events: malformed e3_id %q", e)
	}
	chainID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("events: malformed e3_id %q: %w", e, err)
	}
	return chainID, parts[1], nil
}
