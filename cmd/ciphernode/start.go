package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/gnosisguild/enclave/pkg/aggregator"
	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/chain"
	"github.com/gnosisguild/enclave/pkg/config"
	"github.com/gnosisguild/enclave/pkg/hlc"
	"github.com/gnosisguild/enclave/pkg/keyshare"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/metrics"
	"github.com/gnosisguild/enclave/pkg/netmgr"
	"github.com/gnosisguild/enclave/pkg/router"
	"github.com/gnosisguild/enclave/pkg/security"
	"github.com/gnosisguild/enclave/pkg/sortition"
	"github.com/gnosisguild/enclave/pkg/store"
	"github.com/gnosisguild/enclave/pkg/workpool"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run this ciphernode",
	Long: `Start opens the node's datastore, dials every configured chain,
joins the gossip network, and runs the E3 router until it receives
SIGINT/SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("config", "./ciphernode.yaml", "Path to the node's configuration file")
	startCmd.Flags().Int("max-tasks", 8, "Maximum concurrent FHE worker-pool tasks")
	startCmd.Flags().Duration("aggregation-timeout", 2*time.Minute, "How long the public-key and plaintext aggregators wait for a quorum of shares before emitting E3Failed")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")
	aggTimeout, _ := cmd.Flags().GetDuration("aggregation-timeout")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	password := os.Getenv("CIPHERNODE_SECRET_PASSWORD")
	if password == "" {
		return fmt.Errorf("CIPHERNODE_SECRET_PASSWORD must be set")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	log.Info("datastore opened")

	salt, err := security.LoadOrCreateSalt(st)
	if err != nil {
		return fmt.Errorf("failed to load salt: %w", err)
	}
	secrets, err := security.NewSecretsManagerFromPassword(password, salt)
	if err != nil {
		return fmt.Errorf("failed to derive secrets key: %w", err)
	}

	clock := hlc.New(cfg.Node.Address)
	b := bus.New(clock, bus.WithHistory())
	b.Start()
	log.Info("event bus running")

	// Sortition: hydrate the persisted operator set, then keep it in sync
	// with on-chain membership changes and dispatch committee selection.
	st8n := sortition.New(st)
	if err := st8n.Hydrate(); err != nil {
		return fmt.Errorf("failed to hydrate sortition: %w", err)
	}
	selector := sortition.Attach(b, st8n, clock, cfg.Node.Address)
	registry := sortition.AttachRegistry(b, st8n)

	pool := workpool.New(maxTasks)

	ksActor := keyshare.Attach(b, st, secrets, pool, clock)
	pkAgg := aggregator.AttachPublicKeyAggregator(b, st, pool, clock, aggTimeout)
	ptAgg := aggregator.AttachPlaintextAggregator(b, st, pool, clock, aggTimeout, cfg.ExperimentalTRBFV)

	// One chain.Reader per configured chain, plus a ChainWriter extension
	// bound to the first chain's Enclave contract for committee/plaintext
	// publication.
	var readers []*chain.Reader
	var logSources []*chain.EthLogSource
	var routerExtensions []router.Extension

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, chainCfg := range cfg.Chains {
		source, err := chain.DialEthLogSource(ctx, chainCfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial chain %q: %w", chainCfg.Name, err)
		}
		logSources = append(logSources, source)

		addresses := []common.Address{common.HexToAddress(chainCfg.Contracts.Enclave)}
		if chainCfg.Contracts.CiphernodeRegistry != "" {
			addresses = append(addresses, common.HexToAddress(chainCfg.Contracts.CiphernodeRegistry))
		}
		if chainCfg.Contracts.FilterRegistry != "" {
			addresses = append(addresses, common.HexToAddress(chainCfg.Contracts.FilterRegistry))
		}

		reader := chain.NewReader(chainCfg.ChainID, source, addresses, chain.DefaultExtractors(), st, b, clock, chainCfg.StartBlock)
		go reader.Start(ctx)
		readers = append(readers, reader)
		log.WithChain(chainCfg.ChainID).Info("chain reader started")

		if i == 0 {
			writerExt, err := buildChainWriter(ctx, chainCfg)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("chain writer disabled: node will not submit on-chain transactions")
			} else {
				routerExtensions = append(routerExtensions, writerExt)
			}
		}
	}

	r := router.New(b, st, routerExtensions...)
	r.Start()
	log.Info("router running")

	identity, err := netmgr.LoadOrGenerateIdentity(st, secrets)
	if err != nil {
		return fmt.Errorf("failed to load network identity: %w", err)
	}
	topic := cfg.Node.GossipTopic
	if topic == "" {
		topic = "enclave-e3"
	}
	transport, err := netmgr.NewPubsubTransport(ctx, identity, cfg.Node.ListenAddrs, topic)
	if err != nil {
		return fmt.Errorf("failed to start network transport: %w", err)
	}
	netMgr := netmgr.New(transport, b, clock)
	netMgr.Start(ctx)
	log.Info("network manager running")

	collector := metrics.NewCollector(b, r)
	collector.Start()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "opened")
	metrics.RegisterComponent("bus", true, "running")
	metrics.RegisterComponent("chain", len(readers) > 0, "syncing")

	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	netMgr.Stop()
	r.Stop()
	for _, reader := range readers {
		reader.Stop()
	}
	for _, source := range logSources {
		source.Close()
	}
	ptAgg.Stop()
	pkAgg.Stop()
	ksActor.Stop()
	registry.Stop()
	selector.Stop()
	collector.Stop()
	b.Stop()
	cancel()

	if err := st.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// buildChainWriter dials a dedicated write-path client for chainCfg and
// binds it to a ChainWriter extension, reading the submitting account's key
// from CIPHERNODE_SIGNER_KEY. Returns an error if no signer key is
// configured, in which case the caller runs read-only.
func buildChainWriter(ctx context.Context, chainCfg config.ChainConfig) (router.Extension, error) {
	signerHex := os.Getenv("CIPHERNODE_SIGNER_KEY")
	if signerHex == "" {
		return nil, fmt.Errorf("CIPHERNODE_SIGNER_KEY not set")
	}
	privKey, err := crypto.HexToECDSA(signerHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, chainCfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial write client: %w", err)
	}

	chainID := new(big.Int).SetUint64(chainCfg.ChainID)
	opts := func(optsCtx context.Context) (*bind.TransactOpts, error) {
		txOpts, err := bind.NewKeyedTransactorWithChainID(privKey, chainID)
		if err != nil {
			return nil, err
		}
		txOpts.Context = optsCtx
		return txOpts, nil
	}

	sender, err := chain.NewEthTxSender(common.HexToAddress(chainCfg.Contracts.Enclave), client, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to bind enclave contract: %w", err)
	}
	return router.NewChainWriter(sender), nil
}
