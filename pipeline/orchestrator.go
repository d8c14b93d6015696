// Package pipeline drives one ingestion run end to end: page the
// source, claim items through the ledger, fan out media and extraction
// per item, persist via the gateway, and report a run summary.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/teranos/inkest/db"
	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/extract"
	"github.com/teranos/inkest/ledger"
	"github.com/teranos/inkest/logger"
	"github.com/teranos/inkest/media"
	"github.com/teranos/inkest/source"
)

// MediaFetcher is the capability the orchestrator needs from the media
// layer. media.Fetcher implements it.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref media.Ref) (*media.Asset, error)
}

// Gateway is the persistence capability. store.Gateway implements it.
type Gateway interface {
	PutRaw(ctx context.Context, item source.Item) error
	PutMedia(ctx context.Context, asset *media.Asset) error
	PutExtraction(ctx context.Context, result *extract.Result) error
}

// Config tunes one orchestrator.
type Config struct {
	// Concurrency bounds simultaneous in-flight items (>= 1)
	Concurrency int

	// MaxAttempts is the per-item ceiling across runs; items at the
	// ceiling are excluded and counted PermanentlyFailed
	MaxAttempts int

	// SourceRequestsPerMinute and ExtractRequestsPerMinute are
	// process-wide budgets; zero means unlimited
	SourceRequestsPerMinute  int
	ExtractRequestsPerMinute int

	// ExtractCooldown pauses new extraction dispatch after a quota
	// rejection
	ExtractCooldown time.Duration

	// Retry is the shared backoff shape for page fetches and in-run
	// quota recovery
	Retry RetryPolicy
}

// RunSummary reports what one run did.
type RunSummary struct {
	RunID             string        `json:"run_id"`
	Fetched           int           `json:"fetched"`
	Persisted         int           `json:"persisted"`
	Retried           int           `json:"retried"`
	Skipped           int           `json:"skipped"`
	PermanentlyFailed int           `json:"permanently_failed"`
	MediaPartial      int           `json:"media_partial"`
	Cancelled         bool          `json:"cancelled"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Orchestrator coordinates one source against the ledger, media
// fetcher, extractor, and gateway.
type Orchestrator struct {
	cfg       Config
	src       source.Client
	ledger    *ledger.Ledger
	fetcher   MediaFetcher
	extractor extract.Extractor
	gateway   Gateway
	log       *zap.SugaredLogger

	sourceLimiter  *rate.Limiter
	extractLimiter *rate.Limiter

	mu            sync.Mutex
	cooldownUntil time.Time
}

// New creates an Orchestrator.
func New(cfg Config, src source.Client, led *ledger.Ledger, fetcher MediaFetcher, extractor extract.Extractor, gateway Gateway, log *zap.SugaredLogger) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Orchestrator{
		cfg:            cfg,
		src:            src,
		ledger:         led,
		fetcher:        fetcher,
		extractor:      extractor,
		gateway:        gateway,
		log:            log,
		sourceLimiter:  limiterFor(cfg.SourceRequestsPerMinute),
		extractLimiter: limiterFor(cfg.ExtractRequestsPerMinute),
	}
}

func limiterFor(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}

// runState carries the mutable per-run bookkeeping shared by workers.
type runState struct {
	mu      sync.Mutex
	summary *RunSummary

	cancel    context.CancelFunc
	fatalOnce sync.Once
	fatalErr  error
}

func (s *runState) count(f func(*RunSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.summary)
}

// fatal records the first run-aborting error and cancels all workers.
func (s *runState) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.cancel()
	})
}

// Run executes one ingestion run starting after since. It returns the
// summary in all cases; the error is non-nil only for run-fatal
// conditions (auth failure, first page unfetchable, ledger breakage).
func (o *Orchestrator) Run(ctx context.Context, since source.Cursor) (*RunSummary, error) {
	start := time.Now()
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &runState{
		summary: &RunSummary{RunID: runID},
		cancel:  cancel,
	}

	o.log.Infow("Run starting",
		logger.FieldRunID, runID,
		logger.FieldCursor, string(since),
		"concurrency", o.cfg.Concurrency,
	)

	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	var wg sync.WaitGroup

	cursor := since
	firstPage := true

pages:
	for {
		if runCtx.Err() != nil {
			break
		}
		if err := o.sourceLimiter.Wait(runCtx); err != nil {
			break
		}

		items, next, err := o.listPage(runCtx, cursor)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			if firstPage || errors.IsFatal(err) {
				st.fatal(errors.Wrap(err, "source fetch failed"))
			} else {
				// A later page failing ends paging but keeps the run's
				// partial progress.
				o.log.Warnw("Stopping pagination after source failure",
					logger.FieldRunID, runID,
					logger.FieldError, err,
				)
			}
			break
		}
		firstPage = false

		for _, item := range items {
			if runCtx.Err() != nil {
				break pages
			}

			if err := o.dispatch(runCtx, st, sem, &wg, item, runID); err != nil {
				st.fatal(err)
				break pages
			}
		}

		if next == "" || len(items) == 0 {
			break
		}
		cursor = next
	}

	wg.Wait()

	st.summary.Cancelled = ctx.Err() != nil
	st.summary.Elapsed = time.Since(start)

	o.log.Infow("Run finished",
		logger.FieldRunID, runID,
		"fetched", st.summary.Fetched,
		"persisted", st.summary.Persisted,
		"retried", st.summary.Retried,
		"skipped", st.summary.Skipped,
		"permanently_failed", st.summary.PermanentlyFailed,
		"media_partial", st.summary.MediaPartial,
		"cancelled", st.summary.Cancelled,
		logger.FieldDurationMS, st.summary.Elapsed.Milliseconds(),
	)

	return st.summary, st.fatalErr
}

// dispatch claims one item and hands it to a worker slot. Skips are
// counted, not returned.
func (o *Orchestrator) dispatch(ctx context.Context, st *runState, sem *semaphore.Weighted, wg *sync.WaitGroup, item source.Item, runID string) error {
	rec, seen, err := o.ledger.Get(ctx, item.ItemID)
	if err != nil {
		return errors.Wrap(err, "ledger read failed")
	}

	if seen {
		switch {
		case rec.Stage == ledger.StagePersisted:
			st.count(func(s *RunSummary) { s.Skipped++ })
			return nil
		case rec.Stage == ledger.StageFailed && rec.AttemptCount >= o.cfg.MaxAttempts:
			st.count(func(s *RunSummary) { s.PermanentlyFailed++ })
			return nil
		}
	}
	wasFailed := seen && rec.Stage == ledger.StageFailed

	token, ok, err := o.ledger.TryClaim(ctx, item.ItemID, runID)
	if err != nil {
		return errors.Wrap(err, "claim failed")
	}
	if !ok {
		// Someone else holds it (overlapping run) or it just persisted.
		st.count(func(s *RunSummary) { s.Skipped++ })
		return nil
	}

	// Fetched counts items that actually enter the pipeline; skipped
	// and exhausted items are reported through their own counters.
	st.count(func(s *RunSummary) { s.Fetched++ })
	if wasFailed {
		st.count(func(s *RunSummary) { s.Retried++ })
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		o.releaseQuiet(item.ItemID, token)
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sem.Release(1)
		o.processItem(ctx, st, item, token)
	}()

	return nil
}

// processItem runs media fetch and extraction concurrently, then
// persists and advances the ledger. Failures release the claim as a
// failure; cancellation releases it without charging an attempt.
func (o *Orchestrator) processItem(ctx context.Context, st *runState, item source.Item, token string) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		assetsMu sync.Mutex
		assets   []*media.Asset
		partial  bool
		result   *extract.Result
	)

	// One goroutine per ref; the fetcher's own semaphore bounds how many
	// downloads run at once across all items.
	for _, ref := range item.MediaRefs {
		g.Go(func() error {
			asset, err := o.fetcher.Fetch(gctx, ref)
			if err != nil {
				if errors.IsPermanent(err) {
					// One dead ref does not fail the item.
					o.log.Warnw("Media ref permanently failed",
						logger.FieldItemID, item.ItemID,
						logger.FieldURL, ref.URL,
						logger.FieldError, err,
					)
					assetsMu.Lock()
					partial = true
					assetsMu.Unlock()
					return nil
				}
				return errors.Wrapf(err, "media fetch for %s", ref.URL)
			}
			assetsMu.Lock()
			assets = append(assets, asset)
			assetsMu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		res, err := o.extractWithQuota(gctx, item)
		if err != nil {
			return errors.Wrap(err, "extraction")
		}
		result = res
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-flight: give the claim back without
			// charging an attempt.
			o.releaseQuiet(item.ItemID, token)
			return
		}
		if errors.IsFatal(err) {
			st.fatal(err)
			o.releaseQuiet(item.ItemID, token)
			return
		}
		o.failItem(ctx, item.ItemID, token, err)
		return
	}

	if err := o.persist(ctx, item, token, assets, partial, result); err != nil {
		if ctx.Err() != nil {
			o.releaseQuiet(item.ItemID, token)
			return
		}
		o.failItem(ctx, item.ItemID, token, err)
		return
	}

	st.count(func(s *RunSummary) {
		s.Persisted++
		if partial {
			s.MediaPartial++
		}
		if result.Reprompted {
			s.Retried++
		}
	})
}

// persist writes all three sinks and walks the ledger to persisted.
func (o *Orchestrator) persist(ctx context.Context, item source.Item, token string, assets []*media.Asset, partial bool, result *extract.Result) error {
	if err := o.ledger.Advance(ctx, item.ItemID, token, ledger.StageMediaDone); err != nil {
		return err
	}
	if err := o.ledger.Advance(ctx, item.ItemID, token, ledger.StageExtracted); err != nil {
		return err
	}
	if partial {
		if err := o.ledger.MarkMediaPartial(ctx, item.ItemID, token); err != nil {
			return err
		}
	}

	if err := o.gateway.PutRaw(ctx, item); err != nil {
		return errors.Wrap(err, "put raw")
	}
	for _, asset := range assets {
		if err := o.gateway.PutMedia(ctx, asset); err != nil {
			return errors.Wrap(err, "put media")
		}
	}
	if err := o.gateway.PutExtraction(ctx, result); err != nil {
		return errors.Wrap(err, "put extraction")
	}

	if err := o.ledger.Advance(ctx, item.ItemID, token, ledger.StagePersisted); err != nil {
		return err
	}
	if err := o.ledger.Release(ctx, item.ItemID, token, ledger.OutcomeSuccess, nil); err != nil {
		return err
	}

	o.log.Infow("Item persisted",
		logger.FieldItemID, item.ItemID,
		logger.FieldCount, len(assets),
	)
	return nil
}

// failItem marks the item failed and charges an attempt.
func (o *Orchestrator) failItem(ctx context.Context, itemID, token string, cause error) {
	o.log.Warnw("Item failed",
		logger.FieldItemID, itemID,
		logger.FieldError, cause,
	)
	if err := o.ledger.Release(ctx, itemID, token, ledger.OutcomeFailure, cause); err != nil {
		o.log.Errorw("Failed to release claim after failure",
			logger.FieldItemID, itemID,
			logger.FieldError, err,
		)
	}
}

// releaseQuiet gives a claim back without recording a failure. Used on
// cancellation so interrupted items retry next run without spending an
// attempt. Runs on a fresh context since the run context is dead.
func (o *Orchestrator) releaseQuiet(itemID, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.Release(releaseCtx, itemID, token, ledger.OutcomeSuccess, nil); err != nil {
		if db.IsDatabaseClosed(err) {
			// Shutdown already closed the pool; the lease will expire on its own.
			return
		}
		o.log.Warnw("Failed to release claim on cancellation",
			logger.FieldItemID, itemID,
			logger.FieldError, err,
		)
	}
}

// listPage fetches one page, absorbing rate limits and transient
// failures per the retry policy.
func (o *Orchestrator) listPage(ctx context.Context, cursor source.Cursor) ([]source.Item, source.Cursor, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.Retry.MaxAttempts; attempt++ {
		items, next, err := o.src.ListItems(ctx, cursor)
		if err == nil {
			return items, next, nil
		}
		if errors.IsFatal(err) || errors.IsPermanent(err) || ctx.Err() != nil {
			return nil, "", err
		}
		lastErr = err

		delay := o.cfg.Retry.Delay(attempt)
		if ra := errors.RetryAfter(err); ra > 0 {
			// The server told us how long to wait; honor it.
			delay = time.Duration(ra) * time.Second
		}
		o.log.Warnw("Source page fetch failed, backing off",
			logger.FieldCursor, string(cursor),
			logger.FieldAttempt, attempt+1,
			"delay", delay.String(),
			logger.FieldError, err,
		)
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, "", lastErr
}

// extractWithQuota runs extraction behind the process-wide budget and
// the quota cooldown gate. A quota rejection starts the cooldown and
// retries the same item after it passes; other failures propagate.
func (o *Orchestrator) extractWithQuota(ctx context.Context, item source.Item) (*extract.Result, error) {
	for attempt := 0; ; attempt++ {
		if err := o.waitCooldown(ctx); err != nil {
			return nil, err
		}
		if err := o.extractLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := o.extractor.Extract(ctx, item)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errors.ErrQuotaExceeded) {
			return nil, err
		}

		o.startCooldown()
		if attempt+1 >= o.cfg.Retry.MaxAttempts {
			return nil, err
		}
	}
}

// waitCooldown blocks while the quota cooldown window is open.
func (o *Orchestrator) waitCooldown(ctx context.Context) error {
	for {
		o.mu.Lock()
		until := o.cooldownUntil
		o.mu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (o *Orchestrator) startCooldown() {
	if o.cfg.ExtractCooldown <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	until := time.Now().Add(o.cfg.ExtractCooldown)
	if until.After(o.cooldownUntil) {
		o.cooldownUntil = until
		o.log.Warnw("Extraction quota exceeded, pausing dispatch",
			"cooldown", o.cfg.ExtractCooldown.String(),
		)
	}
}
