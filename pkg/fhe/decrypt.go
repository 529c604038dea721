package fhe

import (
	"bytes"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// CiphertextFromBytes decodes the aggregated user-input ciphertext
// published on chain as CiphertextOutputPublished.
func CiphertextFromBytes(params bfv.Parameters, raw []byte) (*rlwe.Ciphertext, error) {
	ct := rlwe.NewCiphertext(rlweParams(params), 1)
	if _, err := ct.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("fhe: decode ciphertext: %w", err)
	}
	return ct, nil
}

// GenDecryptionShare computes this party's decryption share, d_share =
// sk·c1, per spec §4.5 step 2. Mirrors the sk-application half of
// core/rlwe's single-party Decryptor.Decrypt, stopping short of adding c0
// (that happens once during combine, not per party).
func GenDecryptionShare(params bfv.Parameters, sk *rlwe.SecretKey, ct *rlwe.Ciphertext) ([]byte, error) {
	ringQ := rlweParams(params).RingQ().AtLevel(ct.Level())

	share := ringQ.NewPoly()
	if ct.IsNTT {
		share.Copy(ct.Value[1])
	} else {
		ringQ.NTTLazy(ct.Value[1], share)
	}
	ringQ.MulCoeffsMontgomery(share, sk.Value.Q, share)
	ringQ.Reduce(share, share)

	var buf bytes.Buffer
	if _, err := share.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("fhe: serialize decryption share: %w", err)
	}
	return buf.Bytes(), nil
}

// CombineDecryptionShares sums threshold_m decryption shares with c0 and
// decodes the resulting plaintext polynomial into the plaintext byte
// encoding, per spec §4.7 ("output is the decoded plaintext bytes").
func CombineDecryptionShares(params bfv.Parameters, ct *rlwe.Ciphertext, shareBytes [][]byte) ([]byte, error) {
	if len(shareBytes) == 0 {
		return nil, fmt.Errorf("fhe: no decryption shares to combine")
	}

	ringQ := rlweParams(params).RingQ().AtLevel(ct.Level())

	acc := ringQ.NewPoly()
	if ct.IsNTT {
		acc.Copy(ct.Value[0])
	} else {
		ringQ.NTTLazy(ct.Value[0], acc)
	}

	for i, raw := range shareBytes {
		share := ringQ.NewPoly()
		if _, err := share.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("fhe: decode decryption share %d: %w", i, err)
		}
		ringQ.Add(acc, share, acc)
	}
	ringQ.Reduce(acc, acc)
	ringQ.INTT(acc, acc)

	pt := rlwe.NewPlaintext(rlweParams(params), ct.Level())
	*pt.MetaData = *ct.MetaData
	pt.Value.Copy(acc)

	encoder := bfv.NewEncoder(params)
	values := make([]uint64, rlweParams(params).N())
	if err := encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("fhe: decode plaintext: %w", err)
	}

	return uint64sToBytes(values), nil
}

func uint64sToBytes(values []uint64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		out[i*8] = byte(v >> 56)
		out[i*8+1] = byte(v >> 48)
		out[i*8+2] = byte(v >> 40)
		out[i*8+3] = byte(v >> 32)
		out[i*8+4] = byte(v >> 24)
		out[i*8+5] = byte(v >> 16)
		out[i*8+6] = byte(v >> 8)
		out[i*8+7] = byte(v)
	}
	return out
}
