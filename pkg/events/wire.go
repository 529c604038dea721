package events

// payloadFactories builds a zero-value pointer to the concrete payload
// struct for a wire-eligible event type, so a decoder that only has a Type
// string and a raw payload can unmarshal into the right Go type. Local-only
// types (see IsLocalOnly) never cross the wire and have no entry here.
var payloadFactories = map[Type]func() interface{}{
	TypeE3Requested:               func() interface{} { return &E3RequestedPayload{} },
	TypeCommitteeFinalized:        func() interface{} { return &CommitteeFinalizedPayload{} },
	TypeKeyshareCreated:           func() interface{} { return &KeyshareCreatedPayload{} },
	TypePublicKeyAggregated:       func() interface{} { return &PublicKeyAggregatedPayload{} },
	TypeCiphertextOutputPublished: func() interface{} { return &CiphertextOutputPublishedPayload{} },
	TypeDecryptionshareCreated:    func() interface{} { return &DecryptionshareCreatedPayload{} },
	TypePlaintextAggregated:       func() interface{} { return &PlaintextAggregatedPayload{} },
	TypeCiphernodeAdded:           func() interface{} { return &CiphernodeAddedPayload{} },
	TypeCiphernodeRemoved:         func() interface{} { return &CiphernodeRemovedPayload{} },
	TypeE3Failed:                  func() interface{} { return &E3FailedPayload{} },
}

// NewPayload returns a fresh, zero-valued payload pointer for t, suitable
// as a json.Unmarshal target, and whether t is known to be wire-eligible.
func NewPayload(t Type) (interface{}, bool) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, false
	}
	return factory(), true
}
