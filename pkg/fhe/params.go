// Package fhe is the threshold-BFV glue between the ciphernode keyshare
// actor and the aggregators: CRP derivation, public-key share generation
// and aggregation, and decryption-share generation/combination (classical
// additive, or the experimental_trbfv Shamir-threshold path).
//
// Grounded on github.com/tuneinsight/lattigo/v5's schemes/bfv, core/rlwe
// and multiparty packages; the per-party operations mirror spec §4.5's
// literal formulas (pk_share = a·sk + e, d_share = sk·c1, pk = Σpk_share_i)
// rather than lattigo's higher-level re-encryption protocols, since those
// formulas are exactly what the ciphernode keyshare actor is specified to
// compute.
package fhe

import (
	"encoding/json"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// ParamsFromBytes decodes the JSON-encoded bfv.ParametersLiteral carried in
// an E3Requested/CiphernodeSelected payload's Params field into concrete
// BFV parameters.
func ParamsFromBytes(raw []byte) (bfv.Parameters, error) {
	var literal bfv.ParametersLiteral
	if err := json.Unmarshal(raw, &literal); err != nil {
		return bfv.Parameters{}, fmt.Errorf("fhe: decode params: %w", err)
	}
	params, err := bfv.NewParametersFromLiteral(literal)
	if err != nil {
		return bfv.Parameters{}, fmt.Errorf("fhe: build params: %w", err)
	}
	return params, nil
}

// ParamsToBytes re-encodes params as the JSON ParametersLiteral wire form.
func ParamsToBytes(literal bfv.ParametersLiteral) ([]byte, error) {
	data, err := json.Marshal(literal)
	if err != nil {
		return nil, fmt.Errorf("fhe: encode params: %w", err)
	}
	return data, nil
}

// rlweParams adapts bfv.Parameters to the rlwe.ParameterProvider interface
// the multiparty protocols expect.
func rlweParams(params bfv.Parameters) *rlwe.Parameters {
	return params.GetRLWEParameters()
}
