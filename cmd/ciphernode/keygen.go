package main

import (
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/gnosisguild/enclave/pkg/netmgr"
	"github.com/gnosisguild/enclave/pkg/security"
	"github.com/gnosisguild/enclave/pkg/store"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate (or load) this node's libp2p network identity",
	Long: `Keygen generates an Ed25519 network identity the first time it runs
against a data directory, encrypts it at rest in the node's datastore, and
writes an encrypted backup copy to --key-file. Running it again against an
already-initialized data directory loads the existing identity instead of
replacing it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		keyFile, _ := cmd.Flags().GetString("key-file")
		password := os.Getenv("CIPHERNODE_SECRET_PASSWORD")
		if password == "" {
			return fmt.Errorf("CIPHERNODE_SECRET_PASSWORD must be set to encrypt the identity key")
		}

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		salt, err := security.LoadOrCreateSalt(st)
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		secrets, err := security.NewSecretsManagerFromPassword(password, salt)
		if err != nil {
			return fmt.Errorf("failed to derive secrets key: %w", err)
		}

		priv, err := netmgr.LoadOrGenerateIdentity(st, secrets)
		if err != nil {
			return fmt.Errorf("failed to load or generate identity: %w", err)
		}

		raw, err := priv.Raw()
		if err != nil {
			return fmt.Errorf("failed to marshal identity: %w", err)
		}
		encrypted, err := secrets.EncryptSecret(raw)
		if err != nil {
			return fmt.Errorf("failed to encrypt identity backup: %w", err)
		}
		if keyFile != "" {
			if err := os.WriteFile(keyFile, encrypted, 0o600); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}
		}

		id, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return fmt.Errorf("failed to derive peer id: %w", err)
		}
		fmt.Printf("Network identity ready.\n  Peer ID: %s\n", id.String())
		if keyFile != "" {
			fmt.Printf("  Encrypted backup written to: %s\n", keyFile)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("data-dir", "./data", "Node data directory")
	keygenCmd.Flags().String("key-file", "", "Path to write an encrypted backup of the identity key")
}
