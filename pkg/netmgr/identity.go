package netmgr

import (
	"crypto/rand"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/gnosisguild/enclave/pkg/security"
	"github.com/gnosisguild/enclave/pkg/store"
)

// LoadOrGenerateIdentity returns this node's libp2p identity keypair. The
// first time a node starts it generates an Ed25519 key, encrypts it with
// secrets, and persists it under store.PrefixNetKey; every later start
// decrypts and returns the same key, per spec §4.8's "encrypted
// libp2p-style identity keypair, loaded at startup."
func LoadOrGenerateIdentity(st *store.Store, secrets *security.SecretsManager) (libp2pcrypto.PrivKey, error) {
	data, _, ok, err := st.Get(store.PrefixNetKey)
	if err != nil {
		return nil, err
	}
	if ok {
		plain, err := secrets.DecryptSecret(data)
		if err != nil {
			return nil, err
		}
		return libp2pcrypto.UnmarshalPrivateKey(plain)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	encrypted, err := secrets.EncryptSecret(raw)
	if err != nil {
		return nil, err
	}
	if err := st.Put(store.PrefixNetKey, 1, encrypted); err != nil {
		return nil, err
	}
	return priv, nil
}
