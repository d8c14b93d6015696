package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/inkest/ledger"
	"github.com/teranos/inkest/logger"
)

// FailedCmd represents the failed command
var FailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed items",
	Long: `List items that exhausted their attempt ceiling, with the error
recorded on the last attempt. These items are excluded from future runs
until their ledger rows are cleared by hand.`,
	RunE: runFailed,
}

func runFailed(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	led := ledger.New(database, cfg.Pipeline.ClaimLease(), logger.Logger.Named("ledger"))

	records, err := led.PermanentlyFailed(cmd.Context(), cfg.Pipeline.MaxAttempts)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No permanently failed items.")
		return nil
	}

	fmt.Printf("Permanently failed items (attempt ceiling %d):\n", cfg.Pipeline.MaxAttempts)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	for _, rec := range records {
		fmt.Printf("%s\n", rec.ItemID)
		fmt.Printf("  attempts: %d   last update: %s\n", rec.AttemptCount, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
		if rec.LastError != "" {
			fmt.Printf("  error: %s\n", rec.LastError)
		}
	}
	fmt.Printf("\n%d item(s)\n", len(records))

	return nil
}
