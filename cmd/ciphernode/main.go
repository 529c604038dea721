// Package main wires together a single ciphernode process: the event bus,
// datastore, chain readers, network manager, E3 router, and the singleton
// sortition/aggregation services, the way cmd/warren's root command wires a
// manager.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gnosisguild/enclave/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ciphernode",
	Short: "Ciphernode - Enclave E3 threshold-FHE coordination node",
	Long: `Ciphernode runs one node of an Enclave E3 committee: it watches a
set of EVM chains for E3 lifecycle events, participates in sortition and
threshold key generation, and gossips coordination events to its peers
over libp2p.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ciphernode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
