package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/teranos/inkest/ledger"
	"github.com/teranos/inkest/logger"
	"github.com/teranos/inkest/store"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the inkest database",
	Long: `Manage database operations.

Examples:
  inkest db stats     # Per-stage item counts and storage totals
  inkest db migrate   # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage item counts and storage totals",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	led := ledger.New(database, cfg.Pipeline.ClaimLease(), nil)
	gateway := store.NewGateway(database, nil)

	stageCounts, err := led.StageCounts(cmd.Context())
	if err != nil {
		return err
	}
	stats, err := gateway.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path: %s\n\n", cfg.Database.Path)

	fmt.Printf("Items by stage:\n")
	total := 0
	for _, stage := range []ledger.Stage{
		ledger.StageFetched, ledger.StageMediaDone, ledger.StageExtracted,
		ledger.StagePersisted, ledger.StageFailed,
	} {
		count := stageCounts[stage]
		total += count
		fmt.Printf("  %-12s %d\n", string(stage)+":", count)
	}
	fmt.Printf("  %-12s %d\n\n", "total:", total)

	fmt.Printf("Documents:\n")
	collections := make([]string, 0, len(stats.Documents))
	for collection := range stats.Documents {
		collections = append(collections, collection)
	}
	sort.Strings(collections)
	for _, collection := range collections {
		fmt.Printf("  %-12s %d\n", collection+":", stats.Documents[collection])
	}
	if len(collections) == 0 {
		fmt.Printf("  (none)\n")
	}

	fmt.Printf("\nMedia:\n")
	fmt.Printf("  assets:      %d\n", stats.MediaAssets)
	fmt.Printf("  links:       %d\n", stats.MediaLinks)
	fmt.Printf("  total bytes: %d\n", stats.MediaBytes)

	return nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates on open; reaching here means it's done
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	logger.Infow("Database migrated", "path", cfg.Database.Path)
	fmt.Printf("Database %s is up to date.\n", cfg.Database.Path)
	return nil
}
