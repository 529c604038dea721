// Package events defines the EnclaveEvent sum type: every domain event a
// ciphernode produces or consumes, its canonical serialization, and the
// deduplication identifier derived from that serialization.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gnosisguild/enclave/pkg/hlc"
)

// Type names one of the event variants. Names are canonical and stable on
// the wire.
type Type string

const (
	TypeE3Requested               Type = "E3Requested"
	TypeCommitteeFinalized        Type = "CommitteeFinalized"
	TypeCiphernodeSelected        Type = "CiphernodeSelected"
	TypeKeyshareCreated           Type = "KeyshareCreated"
	TypePublicKeyAggregated       Type = "PublicKeyAggregated"
	TypeCiphertextOutputPublished Type = "CiphertextOutputPublished"
	TypeDecryptionshareCreated    Type = "DecryptionshareCreated"
	TypePlaintextAggregated       Type = "PlaintextAggregated"
	TypeCiphernodeAdded           Type = "CiphernodeAdded"
	TypeCiphernodeRemoved         Type = "CiphernodeRemoved"
	TypeE3Failed                  Type = "E3Failed"
	TypeSyncStart                 Type = "SyncStart"
	TypeSyncEnd                   Type = "SyncEnd"
	TypeHistoricalSyncComplete    Type = "HistoricalSyncComplete"
	TypeShutdown                  Type = "Shutdown"
	TypeErrorOccurred             Type = "ErrorOccurred"
)

// localOnly is the set of event types that must never be gossiped to peers,
// per spec §6 "Local-only events".
var localOnly = map[Type]bool{
	TypeCiphernodeSelected:     true,
	TypeSyncStart:              true,
	TypeSyncEnd:                true,
	TypeHistoricalSyncComplete: true,
	TypeShutdown:               true,
	TypeErrorOccurred:          true,
}

// IsLocalOnly reports whether events of this type must not be published to
// the network manager's gossip transport.
func IsLocalOnly(t Type) bool {
	return localOnly[t]
}

// Context carries identity, causality, and ordering metadata shared by
// every event, independent of its payload.
type Context struct {
	EventID     string        `json:"event_id"`
	CausationID string        `json:"causation_id,omitempty"`
	OriginID    string        `json:"origin_id,omitempty"`
	AggregateID string        `json:"aggregate_id"` // the e3_id this event belongs to, if any
	Seq         uint64        `json:"seq"`
	Ts          hlc.Timestamp `json:"ts"`
}

// EnclaveEvent is the tagged union of all domain events. Payload holds one
// of the Payload* structs in payloads.go, selected by Type.
type EnclaveEvent struct {
	Type    Type        `json:"type"`
	Context Context     `json:"context"`
	Payload interface{} `json:"payload"`
}

// wireEnvelope is the canonical serialization used to compute EventID: type
// and payload only, so the EventID is stable regardless of causation or
// local sequence bookkeeping, which vary node to node for the same event.
type wireEnvelope struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
}

func canonicalize(t Type, payload interface{}) ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: t, Payload: payload})
}

// ComputeEventID returns the EventID for (t, payload): the hex-encoded
// SHA-256 of the canonical serialization, per spec invariant "EventId =
// hash(canonical_serialization(event))".
func ComputeEventID(t Type, payload interface{}) (string, error) {
	data, err := canonicalize(t, payload)
	if err != nil {
		return "", fmt.Errorf("events: canonicalize: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// New builds an EnclaveEvent of the given type and payload, computing its
// EventID and stamping a local HLC timestamp and sequence number.
func New(clock *hlc.Clock, seq uint64, t Type, aggregateID string, payload interface{}) (*EnclaveEvent, error) {
	id, err := ComputeEventID(t, payload)
	if err != nil {
		return nil, err
	}
	return &EnclaveEvent{
		Type: t,
		Context: Context{
			EventID:     id,
			OriginID:    uuid.NewString(),
			AggregateID: aggregateID,
			Seq:         seq,
			Ts:          clock.Now(),
		},
		Payload: payload,
	}, nil
}

// Derive builds a new EnclaveEvent caused by parent, inheriting its OriginID
// and chaining CausationID, the way a handler reacting to one event produces
// another (e.g. KeyshareCreated caused by CiphernodeSelected).
func Derive(clock *hlc.Clock, seq uint64, parent *EnclaveEvent, t Type, aggregateID string, payload interface{}) (*EnclaveEvent, error) {
	ev, err := New(clock, seq, t, aggregateID, payload)
	if err != nil {
		return nil, err
	}
	ev.Context.CausationID = parent.Context.EventID
	ev.Context.OriginID = parent.Context.OriginID
	return ev, nil
}

// FromRemote reconstructs an EnclaveEvent received over the network manager,
// verifying that EventID matches the canonical serialization of the
// decoded payload.
func FromRemote(t Type, ctx Context, payload interface{}) (*EnclaveEvent, error) {
	id, err := ComputeEventID(t, payload)
	if err != nil {
		return nil, err
	}
	if id != ctx.EventID {
		return nil, fmt.Errorf("events: event id mismatch: got %s want %s", ctx.EventID, id)
	}
	return &EnclaveEvent{Type: t, Context: ctx, Payload: payload}, nil
}
