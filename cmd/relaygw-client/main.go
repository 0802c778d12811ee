// Command relaygw-client sends records to a relaygw node and prints the
// records a node sends back or to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "relaygw-client",
	Short:         "Exchange test records with relaygw nodes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg := zap.NewDevelopmentConfig()
		if !verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		}
		logger, err := cfg.Build()
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) { _ = zap.L().Sync() },
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log transport activity")
	rootCmd.AddCommand(sendCmd(), listenCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
