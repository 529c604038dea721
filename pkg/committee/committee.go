// Package committee holds the finalized member list for one E3: an ordered
// set of addresses plus the reverse index that makes party-id lookups O(1).
package committee

import "strings"

// Committee is the ordered member list for one E3. Member i's lowercased
// address is the unique identity for party id i.
type Committee struct {
	members []string
	index   map[string]int
}

// New builds a Committee from an ordered address list, lowercasing each
// member and rebuilding the reverse index.
func New(members []string) *Committee {
	c := &Committee{
		members: make([]string, len(members)),
		index:   make(map[string]int, len(members)),
	}
	for i, addr := range members {
		lower := strings.ToLower(addr)
		c.members[i] = lower
		c.index[lower] = i
	}
	return c
}

// Members returns the ordered member list (index = party_id).
func (c *Committee) Members() []string {
	out := make([]string, len(c.members))
	copy(out, c.members)
	return out
}

// Size returns the committee's member count.
func (c *Committee) Size() int {
	return len(c.members)
}

// PartyID returns the party id for addr, and whether addr is a member.
func (c *Committee) PartyID(addr string) (int, bool) {
	id, ok := c.index[strings.ToLower(addr)]
	return id, ok
}

// Contains reports whether addr is a committee member.
func (c *Committee) Contains(addr string) bool {
	_, ok := c.PartyID(addr)
	return ok
}
