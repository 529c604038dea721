// Package config loads the ciphernode's YAML configuration document, the
// way cmd/warren's apply command loads resource YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainConfig describes one EVM chain the node reads from and writes to.
type ChainConfig struct {
	Name       string            `yaml:"name"`
	ChainID    uint64            `yaml:"chainId"`
	RPCURL     string            `yaml:"rpcUrl"`
	BasicAuth  string            `yaml:"basicAuth,omitempty"`
	BearerAuth string            `yaml:"bearerAuth,omitempty"`
	Contracts  ContractAddresses `yaml:"contracts"`
	// FinalizationWindow is the chain's committee finalization window. It
	// is loaded with the document; the chain reader does not consult it.
	FinalizationWindow uint64 `yaml:"finalizationWindow"`
	// StartBlock is the floor a fresh reader (no persisted block yet) syncs
	// historical logs from, instead of genesis. Required for any non-local
	// RPC, since most public providers refuse to serve full history from
	// block 0.
	StartBlock uint64 `yaml:"startBlock"`
}

// ContractAddresses names the on-chain contracts a chain reader watches.
type ContractAddresses struct {
	Enclave           string `yaml:"enclave"`
	CiphernodeRegistry string `yaml:"ciphernodeRegistry"`
	FilterRegistry    string `yaml:"filterRegistry,omitempty"`
	BondingRegistry   string `yaml:"bondingRegistry,omitempty"`
	TicketRegistry    string `yaml:"ticketRegistry,omitempty"`
}

// NodeConfig describes this node's identity and network settings.
type NodeConfig struct {
	KeyFilePath  string   `yaml:"keyFilePath"`
	Address      string   `yaml:"address"`
	QuicPort     int      `yaml:"quicPort"`
	MDNS         bool     `yaml:"mdns"`
	Peers        []string `yaml:"peers,omitempty"`
	OTLPEndpoint string   `yaml:"otlpEndpoint,omitempty"`

	// GossipTopic names the pubsub topic ciphernodes gossip EnclaveEvents
	// over; ListenAddrs are the libp2p multiaddrs this node listens on.
	GossipTopic string   `yaml:"gossipTopic,omitempty"`
	ListenAddrs []string `yaml:"listenAddrs,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Chains    []ChainConfig `yaml:"chains"`
	Node      NodeConfig    `yaml:"node"`
	DataDir   string        `yaml:"dataDir"`
	LogLevel  string        `yaml:"logLevel"`
	LogJSON   bool          `yaml:"logJson"`

	// ExperimentalTRBFV selects the threshold-BFV combine path for plaintext
	// aggregation instead of the classical additive combine. See spec's
	// Open Question on the two parallel aggregation implementations.
	ExperimentalTRBFV bool `yaml:"experimentalTrbfv"`

	// MetricsAddr is where /metrics, /health, /ready and /live are served;
	// when empty, `start` serves them on 127.0.0.1:9090.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that are known-broken at startup, rather
// than failing confusingly later. A fresh node (no persisted block yet)
// syncing historical logs from genesis against a non-local RPC almost
// always indicates a misconfigured endpoint (most public RPCs refuse to
// serve full history from block 0), so a chain pointed at a non-local RPC
// is required to set an explicit startBlock.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain is required")
	}
	for _, chain := range c.Chains {
		if chain.RPCURL == "" {
			return fmt.Errorf("config: chain %q missing rpcUrl", chain.Name)
		}
		if chain.Contracts.Enclave == "" {
			return fmt.Errorf("config: chain %q missing contracts.enclave", chain.Name)
		}
		if chain.StartBlock == 0 && !isLocalRPC(chain.RPCURL) {
			return fmt.Errorf("config: chain %q requires startBlock against a non-local RPC", chain.Name)
		}
	}
	if c.Node.KeyFilePath == "" {
		return fmt.Errorf("config: node.keyFilePath is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("config: node.address is required")
	}
	return nil
}

func isLocalRPC(url string) bool {
	return len(url) >= len("http://localhost") && (url[:len("http://localhost")] == "http://localhost" ||
		(len(url) >= len("ws://localhost") && url[:len("ws://localhost")] == "ws://localhost") ||
		(len(url) >= len("http://127.0.0.1") && url[:len("http://127.0.0.1")] == "http://127.0.0.1"))
}
