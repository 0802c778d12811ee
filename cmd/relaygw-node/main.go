package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relaygw/pkg/packer"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relaygw-node",
	Short: "Run a relaygw gateway node",
	Long: `relaygw-node exchanges fixed-size transaction records with its neighbors
over the configured transports, optionally relaying what it receives.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the node version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "relaygw-node %s (packet size %d)\n", version, packer.PacketSize)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file (or RELAYGW_CONFIG)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
