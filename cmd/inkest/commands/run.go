package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/inkest/config"
	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/extract"
	"github.com/teranos/inkest/ledger"
	"github.com/teranos/inkest/logger"
	"github.com/teranos/inkest/media"
	"github.com/teranos/inkest/pipeline"
	"github.com/teranos/inkest/source"
	"github.com/teranos/inkest/store"
)

// RunCmd represents the run command
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion pass over the configured source",
	Long: `Run one ingestion pass: page the source feed, claim unprocessed
items, download media, extract structured knowledge, and persist.

The run is resumable and idempotent. Interrupt with Ctrl-C: in-flight
items finish their current step and release their claims for the next
run.

Examples:
  inkest run                        # Ingest from the configured source
  inkest run --cursor "abc123"      # Resume from a saved cursor
  inkest run --from-file dump.json  # Replay an exported bookmarks file`,
	RunE: runRun,
}

var (
	runCursorFlag   string
	runFromFileFlag string
)

func init() {
	RunCmd.Flags().StringVar(&runCursorFlag, "cursor", "", "Opaque cursor to resume pagination from")
	RunCmd.Flags().StringVar(&runFromFileFlag, "from-file", "", "Replay an exported bookmarks JSON file instead of the configured source")
}

func runRun(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	// Ctrl-C cancels the run; workers finish their current step
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := buildSource(ctx, cfg)
	if err != nil {
		return err
	}

	led := ledger.New(database, cfg.Pipeline.ClaimLease(), logger.Logger.Named("ledger"))
	gateway := store.NewGateway(database, logger.Logger.Named("store"))

	fetcherCfg := media.DefaultFetcherConfig(cfg.Media.Dir)
	fetcherCfg.Concurrency = int64(cfg.Media.Concurrency)
	fetcherCfg.Timeout = cfg.Media.Timeout()
	fetcherCfg.MaxAttempts = cfg.Media.MaxAttempts
	fetcher, err := media.NewFetcher(fetcherCfg, gateway, nil, logger.Logger.Named("media"))
	if err != nil {
		return errors.Wrap(err, "failed to create media fetcher")
	}

	extractor := extract.NewClient(extract.Config{
		APIKey:          cfg.Extraction.APIKey,
		BaseURL:         cfg.Extraction.BaseURL,
		Model:           cfg.Extraction.Model,
		MaxTokens:       cfg.Extraction.MaxTokens,
		MaxContentChars: cfg.Extraction.MaxContentChars,
		Timeout:         cfg.Extraction.Timeout(),
		Logger:          logger.Logger.Named("extract"),
	})

	orch := pipeline.New(pipeline.Config{
		Concurrency:              cfg.Pipeline.Concurrency,
		MaxAttempts:              cfg.Pipeline.MaxAttempts,
		SourceRequestsPerMinute:  cfg.Source.RequestsPerMinute,
		ExtractRequestsPerMinute: cfg.Extraction.RequestsPerMinute,
		ExtractCooldown:          cfg.Extraction.Cooldown(),
		Retry:                    pipeline.DefaultRetryPolicy(),
	}, src, led, fetcher, extractor, gateway, logger.Logger.Named("pipeline"))

	summary, err := orch.Run(ctx, source.Cursor(runCursorFlag))
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		return errors.Wrap(err, "run failed")
	}
	return nil
}

// buildSource selects the source implementation: the configured feed,
// or a file replay when --from-file (or source.kind = "file") is set.
func buildSource(ctx context.Context, cfg *config.Config) (source.Client, error) {
	if runFromFileFlag != "" {
		return source.NewStaticFromFile(runFromFileFlag, cfg.Source.PageLimit)
	}

	switch cfg.Source.Kind {
	case "file":
		return source.NewStaticFromFile(cfg.Source.File, cfg.Source.PageLimit)
	case "bluesky":
		return source.NewBluesky(ctx, source.BlueskyConfig{
			PDSHost:     cfg.Source.PDSHost,
			Identifier:  cfg.Source.Identifier,
			AppPassword: cfg.Source.AppPassword,
			PageLimit:   int64(cfg.Source.PageLimit),
		}, logger.Logger.Named("source"))
	default:
		return nil, errors.Newf("unknown source kind %q", cfg.Source.Kind)
	}
}

func printSummary(s *pipeline.RunSummary) {
	fmt.Printf("\nRun %s\n", s.RunID)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Fetched:            %d\n", s.Fetched)
	fmt.Printf("Persisted:          %d\n", s.Persisted)
	fmt.Printf("Retried:            %d\n", s.Retried)
	fmt.Printf("Skipped:            %d\n", s.Skipped)
	fmt.Printf("Permanently failed: %d\n", s.PermanentlyFailed)
	fmt.Printf("Media partial:      %d\n", s.MediaPartial)
	if s.Cancelled {
		fmt.Printf("Cancelled:          yes\n")
	}
	fmt.Printf("Elapsed:            %s\n", s.Elapsed.Round(time.Millisecond))
}
