package events

// Seed is the 32-byte randomness supplied on-chain for sortition.
type Seed [32]byte

// E3RequestedPayload is emitted by the chain reader when a new E3 is
// requested on the Enclave contract.
type E3RequestedPayload struct {
	E3ID        string `json:"e3_id"`
	ThresholdM  uint32 `json:"threshold_m"`
	ThresholdN  uint32 `json:"threshold_n"`
	Seed        Seed   `json:"seed"`
	Params      []byte `json:"params"`
	EsiPerCt    uint64 `json:"esi_per_ct"`
	ErrorSize   uint64 `json:"error_size"`
}

// CommitteeFinalizedPayload announces the finalized committee member list
// for an E3, in party-id order.
type CommitteeFinalizedPayload struct {
	E3ID      string   `json:"e3_id"`
	Committee []string `json:"committee"`
}

// CiphernodeSelectedPayload is emitted locally by sortition when this node
// is a member of the selected committee.
type CiphernodeSelectedPayload struct {
	E3ID       string `json:"e3_id"`
	PartyID    int    `json:"party_id"`
	ThresholdM uint32 `json:"threshold_m"`
	ThresholdN uint32 `json:"threshold_n"`
	Seed       Seed   `json:"seed"`
	Params     []byte `json:"params"`
}

// KeyshareCreatedPayload carries one committee member's public-key share.
type KeyshareCreatedPayload struct {
	E3ID     string `json:"e3_id"`
	PartyID  int    `json:"party_id"`
	PkShare  []byte `json:"pk_share"`
}

// PublicKeyAggregatedPayload carries the combined public key for an E3.
type PublicKeyAggregatedPayload struct {
	E3ID   string `json:"e3_id"`
	PkBytes []byte `json:"pk_bytes"`
}

// CiphertextOutputPublishedPayload carries the homomorphically aggregated
// user inputs, published by the chain once input collection closes.
type CiphertextOutputPublishedPayload struct {
	E3ID             string `json:"e3_id"`
	CiphertextOutput []byte `json:"ciphertext_output"`
}

// DecryptionshareCreatedPayload carries one committee member's decryption
// share over the aggregated ciphertext.
type DecryptionshareCreatedPayload struct {
	E3ID    string `json:"e3_id"`
	PartyID int    `json:"party_id"`
	DShare  []byte `json:"d_share"`
}

// PlaintextAggregatedPayload carries the final decrypted output for an E3.
type PlaintextAggregatedPayload struct {
	E3ID            string `json:"e3_id"`
	DecryptedOutput []byte `json:"decrypted_output"`
}

// CiphernodeAddedPayload / CiphernodeRemovedPayload mutate the registered
// operator set for a chain.
type CiphernodeAddedPayload struct {
	ChainID uint64 `json:"chain_id"`
	Address string `json:"address"`
}

type CiphernodeRemovedPayload struct {
	ChainID uint64 `json:"chain_id"`
	Address string `json:"address"`
}

// FailureStage names the stage an E3 failed at.
type FailureStage string

const (
	StageDkg        FailureStage = "Dkg"
	StageDecryption FailureStage = "Decryption"
)

// FailureReason names why an E3 failed.
type FailureReason string

const (
	ReasonDKGTimeout        FailureReason = "DKGTimeout"
	ReasonDecryptionTimeout FailureReason = "DecryptionTimeout"
	ReasonProtocolViolation FailureReason = "ProtocolViolation"
	ReasonKeyGeneration     FailureReason = "KeyGeneration"
)

// E3FailedPayload terminates an E3's lifecycle unsuccessfully.
type E3FailedPayload struct {
	E3ID   string       `json:"e3_id"`
	Stage  FailureStage `json:"stage"`
	Reason FailureReason `json:"reason"`
}

// SyncStartPayload / SyncEndPayload / HistoricalSyncCompletePayload are
// internal chain-reader lifecycle markers; they never leave the node.
type SyncStartPayload struct {
	ChainID uint64 `json:"chain_id"`
}

type SyncEndPayload struct {
	ChainID uint64 `json:"chain_id"`
}

type HistoricalSyncCompletePayload struct {
	ChainID uint64 `json:"chain_id"`
}

// ShutdownPayload carries no data; it signals graceful actor teardown.
type ShutdownPayload struct{}

// ErrorOccurredPayload is the wire form of an enclaveerr.Error. Actors
// publish it on the main bus like any other event (it is local-only, so
// it is never gossiped); there is no separate error collector and no
// debug-only mirroring.
type ErrorOccurredPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	E3ID    string `json:"e3_id,omitempty"`
}
