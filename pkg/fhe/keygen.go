package fhe

import (
	"bytes"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/multiparty"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// GenerateSecretKey samples this node's threshold-BFV secret-key share.
func GenerateSecretKey(params bfv.Parameters) *rlwe.SecretKey {
	kgen := rlwe.NewKeyGenerator(rlweParams(params))
	return kgen.GenSecretKeyNew()
}

// SecretKeyToBytes serializes sk for encryption-at-rest by the keyshare
// actor (spec §4.5 step 4: "Encrypt sk ... and persist").
func SecretKeyToBytes(sk *rlwe.SecretKey) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := sk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("fhe: serialize secret key: %w", err)
	}
	return buf.Bytes(), nil
}

// SecretKeyFromBytes decodes a secret key serialized by SecretKeyToBytes.
func SecretKeyFromBytes(params bfv.Parameters, raw []byte) (*rlwe.SecretKey, error) {
	sk := rlwe.NewSecretKey(rlweParams(params))
	if _, err := sk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("fhe: decode secret key: %w", err)
	}
	return sk, nil
}

// GenPublicKeyShare computes this party's public-key share, crp·sk + e,
// and returns its wire serialization, per spec §4.5 step 3.
func GenPublicKeyShare(params bfv.Parameters, sk *rlwe.SecretKey, crp multiparty.PublicKeyGenCRP) ([]byte, error) {
	ckg := multiparty.NewPublicKeyGenProtocol(rlweParams(params))
	share := ckg.AllocateShare()
	ckg.GenShare(sk, crp, &share)

	var buf bytes.Buffer
	if _, err := share.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("fhe: serialize pk share: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePublicKeyShare(params bfv.Parameters, raw []byte) (multiparty.PublicKeyGenShare, error) {
	ckg := multiparty.NewPublicKeyGenProtocol(rlweParams(params))
	share := ckg.AllocateShare()
	if _, err := share.ReadFrom(bytes.NewReader(raw)); err != nil {
		return multiparty.PublicKeyGenShare{}, fmt.Errorf("fhe: decode pk share: %w", err)
	}
	return share, nil
}

// AggregatePublicKeyShares combines threshold_m public-key shares into the
// aggregated public key pk = Σ pk_share_i, per spec §4.6 "Rules".
func AggregatePublicKeyShares(params bfv.Parameters, crp multiparty.PublicKeyGenCRP, shareBytes [][]byte) ([]byte, error) {
	if len(shareBytes) == 0 {
		return nil, fmt.Errorf("fhe: no public key shares to aggregate")
	}

	ckg := multiparty.NewPublicKeyGenProtocol(rlweParams(params))
	acc := ckg.AllocateShare()

	for i, raw := range shareBytes {
		share, err := decodePublicKeyShare(params, raw)
		if err != nil {
			return nil, fmt.Errorf("fhe: share %d: %w", i, err)
		}
		if i == 0 {
			acc = share
			continue
		}
		ckg.AggregateShares(acc, share, &acc)
	}

	pk := rlwe.NewPublicKey(rlweParams(params))
	ckg.GenPublicKey(acc, crp, pk)

	var buf bytes.Buffer
	if _, err := pk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("fhe: serialize aggregated public key: %w", err)
	}
	return buf.Bytes(), nil
}
