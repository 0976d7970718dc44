// Package cli wires configuration, backends and the pipeline behind a cobra command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X skulink/internal/cli.version=...".
var version = "dev"

var (
	configPath string
	feedPath   string
	truncate   bool
	lenient    bool
)

var rootCmd = &cobra.Command{
	Use:   "skulink",
	Short: "Load a product feed into the catalog and link similar products",
	Long: `skulink ingests an XML product feed into the relational catalog,
replicates the catalog into the search index and stores, for every record,
the identifiers of its most similar products.

Without a subcommand it runs all three stages in order.`,
	SilenceUsage: true,
	RunE:         runPipeline,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or TOML config file (default ./skulink.yaml)")
	rootCmd.PersistentFlags().StringVar(&feedPath, "feed", "", "feed file to ingest (overrides feed.path)")
	rootCmd.PersistentFlags().BoolVar(&truncate, "truncate", false, "empty the catalog and search index before ingesting")
	rootCmd.PersistentFlags().BoolVar(&lenient, "lenient", false, "skip malformed offers instead of aborting")
}

// Execute runs the command tree until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
