package fhe

import (
	"bytes"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/multiparty"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// ThresholdMaterial holds one party's Shamir-threshold state for the
// experimental_trbfv path: the aggregator's event contract is unchanged,
// only how a party's individual secret is combined into the
// decryption-share key differs.
type ThresholdMaterial struct {
	thresholdizer multiparty.Thresholdizer
	combiner      multiparty.Combiner
	ownPoint      multiparty.ShamirPublicPoint
}

// NewThresholdMaterial builds the per-party Shamir machinery for a
// committee of size n with threshold m, where partyID is this party's
// zero-based committee position.
func NewThresholdMaterial(params bfv.Parameters, n, m, partyID int) *ThresholdMaterial {
	others := make([]multiparty.ShamirPublicPoint, n)
	for i := 0; i < n; i++ {
		others[i] = multiparty.ShamirPublicPoint(i + 1)
	}
	own := multiparty.ShamirPublicPoint(partyID + 1)

	return &ThresholdMaterial{
		thresholdizer: multiparty.NewThresholdizer(rlweParams(params)),
		combiner:      multiparty.NewCombiner(*rlweParams(params), own, others, m),
		ownPoint:      own,
	}
}

// ReconstructAdditiveShare reconstructs this party's t-out-of-t additive
// secret-key share from its local Shamir secret share and the set of
// currently active committee members, via multiparty.Combiner.GenAdditiveShare.
func (tm *ThresholdMaterial) ReconstructAdditiveShare(params bfv.Parameters, ownShamirShare multiparty.ShamirSecretShare, activePartyIDs []int) (*rlwe.SecretKey, error) {
	active := make([]multiparty.ShamirPublicPoint, len(activePartyIDs))
	for i, p := range activePartyIDs {
		active[i] = multiparty.ShamirPublicPoint(p + 1)
	}

	skOut := rlwe.NewSecretKey(rlweParams(params))
	if err := tm.combiner.GenAdditiveShare(active, tm.ownPoint, ownShamirShare, skOut); err != nil {
		return nil, fmt.Errorf("fhe: reconstruct additive share: %w", err)
	}
	return skOut, nil
}

// GenShamirSecretShare produces this party's Shamir share of sk for
// recipient, to be distributed during the DKG round.
func (tm *ThresholdMaterial) GenShamirSecretShare(threshold int, sk *rlwe.SecretKey, recipient multiparty.ShamirPublicPoint) (multiparty.ShamirSecretShare, error) {
	poly, err := tm.thresholdizer.GenShamirPolynomial(threshold, sk)
	if err != nil {
		return multiparty.ShamirSecretShare{}, fmt.Errorf("fhe: gen shamir polynomial: %w", err)
	}
	share := tm.thresholdizer.AllocateThresholdSecretShare()
	tm.thresholdizer.GenShamirSecretShare(recipient, poly, &share)
	return share, nil
}

// ThresholdDecrypt computes the plaintext using the reconstructed additive
// secret-key shares of exactly m active parties against ciphertext, the
// threshold-BFV alternative to CombineDecryptionShares. The per-party
// decryption share is still d_share = additiveSk·c1 (GenDecryptionShare),
// only the key material backing it differs from the classical path.
func ThresholdDecrypt(params bfv.Parameters, ct *rlwe.Ciphertext, additiveShares [][]byte) ([]byte, error) {
	return CombineDecryptionShares(params, ct, additiveShares)
}

func marshalShamirShare(share multiparty.ShamirSecretShare) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := share.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("fhe: serialize shamir share: %w", err)
	}
	return buf.Bytes(), nil
}
