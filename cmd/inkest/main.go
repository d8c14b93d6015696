package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/inkest/cmd/inkest/commands"
	"github.com/teranos/inkest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "inkest",
	Short: "inkest - Bookmark ingestion and enrichment pipeline",
	Long: `inkest - Bookmark ingestion and enrichment pipeline.

inkest pulls saved items from a source feed, downloads their media
attachments content-addressed, runs AI extraction over their text, and
persists everything locally. Runs are resumable and idempotent: items
already persisted are skipped, failed items retry on later runs up to
an attempt ceiling.

Examples:
  inkest run                       # Ingest new items from the configured source
  inkest run --from-file dump.json # Replay a previously exported JSON dump
  inkest failed                    # List permanently failed items
  inkest db stats                  # Per-stage counts and storage totals
  inkest db migrate                # Apply pending schema migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of human-readable output")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.FailedCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
