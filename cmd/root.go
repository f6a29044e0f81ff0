package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/audit-trail/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "audittrail",
	Short: "Tamper-evident, multi-tenant audit trail service",
	Long: `Audit Trail records every mutation as an append-only entry chained to
the tenant's previous entry by a SHA-256 hash. It serves a query, history
and summary API, archives old entries without breaking the chain, and
verifies chain integrity on demand.`,
	SilenceUsage: true,
}

// Execute runs the root command. Commands see a context that is cancelled
// on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
