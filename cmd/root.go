package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/agentrelay/cmd.Version=v1.0.0"
var Version = "dev"

const defaultConfigPath = "~/.agentrelay/config.json"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "agentrelay: WebSocket relay between agent clients and a local bridge",
	Long:  "agentrelay pairs remote clients with a locally supervised agent bridge over WebSockets, routes JSON-RPC envelopes by thread, and keeps a durable per-thread event log.",
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $AGENTRELAY_CONFIG or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(onboardCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentrelay %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	if v := os.Getenv("AGENTRELAY_CONFIG"); v != "" {
		return config.ExpandHome(v)
	}
	return config.ExpandHome(defaultConfigPath)
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
