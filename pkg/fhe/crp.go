package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/multiparty"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"

	"github.com/gnosisguild/enclave/pkg/events"
)

// DeriveCRP deterministically derives the Common Random Polynomial for
// (params, seed): every node that computes this for the same inputs gets
// byte-identical output, since the seed keys the PRNG backing the sample.
func DeriveCRP(params bfv.Parameters, seed events.Seed) (multiparty.PublicKeyGenCRP, error) {
	prng, err := sampling.NewKeyedPRNG(seed[:])
	if err != nil {
		return multiparty.PublicKeyGenCRP{}, fmt.Errorf("fhe: keyed prng: %w", err)
	}
	ckg := multiparty.NewPublicKeyGenProtocol(rlweParams(params))
	return ckg.SampleCRP(prng), nil
}
