package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/extract"
	"github.com/teranos/inkest/internal/httpclient"
	itesting "github.com/teranos/inkest/internal/testing"
	"github.com/teranos/inkest/ledger"
	"github.com/teranos/inkest/media"
	"github.com/teranos/inkest/source"
	"github.com/teranos/inkest/store"
)

// fakeFetcher serves assets from a map; URLs mapped to an error fail.
type fakeFetcher struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  int
	stored map[string]*media.Asset
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{errs: map[string]error{}, stored: map[string]*media.Asset{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref media.Ref) (*media.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[ref.URL]; ok {
		return nil, err
	}
	asset := &media.Asset{
		Ref:          ref,
		StorageKey:   "aa/" + ref.URL,
		ByteSize:     1,
		ContentHash:  "hash-" + ref.URL,
		DownloadedAt: time.Now().UTC(),
	}
	f.stored[ref.URL] = asset
	return asset, nil
}

// fakeExtractor returns canned results or errors per item, recording
// call times.
type fakeExtractor struct {
	mu        sync.Mutex
	results   map[string]*extract.Result
	errs      map[string][]error // consumed front to back, then success
	callTimes []time.Time
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{results: map[string]*extract.Result{}, errs: map[string][]error{}}
}

func (f *fakeExtractor) Extract(ctx context.Context, item source.Item) (*extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTimes = append(f.callTimes, time.Now())

	if queue := f.errs[item.ItemID]; len(queue) > 0 {
		err := queue[0]
		f.errs[item.ItemID] = queue[1:]
		return nil, err
	}
	if res, ok := f.results[item.ItemID]; ok {
		return res, nil
	}
	return &extract.Result{
		ItemID:      item.ItemID,
		Entities:    []string{},
		Topics:      []string{},
		Sentiment:   "neutral",
		Summary:     "summary of " + item.ItemID,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeExtractor) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.callTimes...)
}

type harness struct {
	orch      *Orchestrator
	ledger    *ledger.Ledger
	gateway   *store.Gateway
	fetcher   *fakeFetcher
	extractor *fakeExtractor
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newHarness(t *testing.T, src source.Client, mutate func(*Config)) *harness {
	t.Helper()
	db := itesting.CreateTestDB(t)
	led := ledger.New(db, time.Minute, nil)
	gw := store.NewGateway(db, nil)
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()

	cfg := Config{
		Concurrency: 4,
		MaxAttempts: 3,
		Retry:       fastRetry(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &harness{
		orch:      New(cfg, src, led, fetcher, extractor, gw, nil),
		ledger:    led,
		gateway:   gw,
		fetcher:   fetcher,
		extractor: extractor,
	}
}

func items(n int) []source.Item {
	out := make([]source.Item, n)
	for i := range out {
		out[i] = source.Item{
			ItemID:     "item-" + string(rune('a'+i)),
			RawPayload: []byte(`{}`),
			Text:       "text",
			Author:     "tester",
			FetchedAt:  time.Now().UTC(),
		}
	}
	return out
}

func TestRunPersistsAllItems(t *testing.T) {
	h := newHarness(t, source.NewStatic(items(5), 2), nil)

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Fetched)
	assert.Equal(t, 5, summary.Persisted)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.PermanentlyFailed)
	assert.False(t, summary.Cancelled)
	assert.NotEmpty(t, summary.RunID)

	counts, err := h.ledger.StageCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[ledger.StagePersisted])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	src := source.NewStatic(items(4), 10)
	h := newHarness(t, src, nil)
	ctx := context.Background()

	first, err := h.orch.Run(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 4, first.Persisted)

	second, err := h.orch.Run(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, second.Fetched, "nothing enters the pipeline again")
	assert.Equal(t, 4, second.Skipped, "all already persisted")
	assert.Zero(t, second.Persisted, "no work is repeated")
}

func TestPartialMediaTolerance(t *testing.T) {
	its := items(1)
	its[0].MediaRefs = []media.Ref{
		{ItemID: its[0].ItemID, URL: "ok-1", Kind: media.KindImage},
		{ItemID: its[0].ItemID, URL: "gone", Kind: media.KindImage},
		{ItemID: its[0].ItemID, URL: "ok-2", Kind: media.KindImage},
	}
	h := newHarness(t, source.NewStatic(its, 10), nil)
	h.fetcher.errs["gone"] = errors.Wrap(errors.ErrPermanent, "HTTP 404")

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Persisted)
	assert.Equal(t, 1, summary.MediaPartial)

	rec, seen, err := h.ledger.Get(context.Background(), its[0].ItemID)
	require.NoError(t, err)
	require.True(t, seen)
	assert.True(t, rec.MediaPartial)
	assert.Equal(t, ledger.StagePersisted, rec.Stage)

	// The two good refs were stored
	assert.Len(t, h.fetcher.stored, 2)
}

// barrierFetcher parks every Fetch call until released, reporting each
// arrival so a test can observe how many downloads are in flight.
type barrierFetcher struct {
	arrivals chan struct{}
	proceed  chan struct{}
}

func (f *barrierFetcher) Fetch(ctx context.Context, ref media.Ref) (*media.Asset, error) {
	f.arrivals <- struct{}{}
	select {
	case <-f.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &media.Asset{
		Ref:          ref,
		StorageKey:   "aa/" + ref.URL,
		ByteSize:     1,
		ContentHash:  "hash-" + ref.URL,
		DownloadedAt: time.Now().UTC(),
	}, nil
}

func TestMediaRefsOfOneItemDownloadConcurrently(t *testing.T) {
	its := items(1)
	its[0].MediaRefs = []media.Ref{
		{ItemID: its[0].ItemID, URL: "first", Kind: media.KindImage},
		{ItemID: its[0].ItemID, URL: "second", Kind: media.KindImage},
	}

	fetcher := &barrierFetcher{arrivals: make(chan struct{}, 2), proceed: make(chan struct{})}
	db := itesting.CreateTestDB(t)
	led := ledger.New(db, time.Minute, nil)
	gw := store.NewGateway(db, nil)
	orch := New(Config{Concurrency: 1, MaxAttempts: 3, Retry: fastRetry()},
		source.NewStatic(its, 10), led, fetcher, newFakeExtractor(), gw, nil)

	done := make(chan *RunSummary, 1)
	go func() {
		summary, err := orch.Run(context.Background(), "")
		assert.NoError(t, err)
		done <- summary
	}()

	// Both refs must be in flight before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-fetcher.arrivals:
		case <-time.After(2 * time.Second):
			t.Fatal("second media ref never started while the first was downloading")
		}
	}
	close(fetcher.proceed)

	summary := <-done
	assert.Equal(t, 1, summary.Persisted)
}

func TestTransientMediaFailureFailsItemForLater(t *testing.T) {
	its := items(1)
	its[0].MediaRefs = []media.Ref{{ItemID: its[0].ItemID, URL: "flaky", Kind: media.KindImage}}
	h := newHarness(t, source.NewStatic(its, 10), nil)
	h.fetcher.errs["flaky"] = errors.Wrap(errors.ErrTransient, "HTTP 503")

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Zero(t, summary.Persisted)
	rec, _, err := h.ledger.Get(context.Background(), its[0].ItemID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StageFailed, rec.Stage)
	assert.Equal(t, 1, rec.AttemptCount)

	// Next run retries the failed item
	delete(h.fetcher.errs, "flaky")
	second, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Persisted)
	assert.Equal(t, 1, second.Retried, "re-claiming a failed item counts as a retry")
}

func TestRetryCeilingExcludesItem(t *testing.T) {
	its := items(1)
	src := source.NewStatic(its, 10)
	h := newHarness(t, src, nil)
	h.extractor.errs[its[0].ItemID] = []error{
		errors.Wrap(errors.ErrTransient, "boom"),
		errors.Wrap(errors.ErrTransient, "boom"),
		errors.Wrap(errors.ErrTransient, "boom"),
		errors.Wrap(errors.ErrTransient, "boom"),
	}
	ctx := context.Background()

	for run := 0; run < 3; run++ {
		_, err := h.orch.Run(ctx, "")
		require.NoError(t, err)
	}

	rec, _, err := h.ledger.Get(ctx, its[0].ItemID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AttemptCount, "exactly MaxAttempts attempts across runs")

	callsBefore := len(h.extractor.calls())
	summary, err := h.orch.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PermanentlyFailed)
	assert.Zero(t, summary.Persisted)
	assert.Equal(t, callsBefore, len(h.extractor.calls()), "exhausted items are not processed again")

	failed, err := h.ledger.PermanentlyFailed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "boom")
}

func TestContentAddressedDedupAcrossItems(t *testing.T) {
	// Two items reference different URLs that serve identical bytes:
	// one stored asset, two links.
	body := []byte("the very same jpeg")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	its := items(2)
	its[0].MediaRefs = []media.Ref{{ItemID: its[0].ItemID, URL: srv.URL + "/first.jpg", Kind: media.KindImage}}
	its[1].MediaRefs = []media.Ref{{ItemID: its[1].ItemID, URL: srv.URL + "/second.jpg", Kind: media.KindImage}}

	db := itesting.CreateTestDB(t)
	led := ledger.New(db, time.Minute, nil)
	gw := store.NewGateway(db, nil)

	fcfg := media.DefaultFetcherConfig(t.TempDir())
	fcfg.BaseDelay = time.Millisecond
	fetcher, err := media.NewFetcher(fcfg, gw, httpclient.WrapClient(srv.Client()), nil)
	require.NoError(t, err)

	orch := New(Config{Concurrency: 1, MaxAttempts: 3, Retry: fastRetry()},
		source.NewStatic(its, 10), led, fetcher, newFakeExtractor(), gw, nil)

	summary, err := orch.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Persisted)

	stats, err := gw.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MediaAssets, "identical bytes stored once")
	assert.Equal(t, 2, stats.MediaLinks, "both refs linked")
}

func TestMalformedThenValidExtractionCountsRetried(t *testing.T) {
	its := items(3)
	h := newHarness(t, source.NewStatic(its, 10), nil)
	// One item's extraction recovered via the stricter re-prompt.
	h.extractor.results[its[1].ItemID] = &extract.Result{
		ItemID:     its[1].ItemID,
		Entities:   []string{},
		Topics:     []string{},
		Sentiment:  "neutral",
		Summary:    "recovered",
		Reprompted: true,
	}

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 3, summary.Persisted)
	assert.Equal(t, 1, summary.Retried)
	assert.Zero(t, summary.PermanentlyFailed)
}

func TestQuotaCooldownPausesDispatch(t *testing.T) {
	const cooldown = 150 * time.Millisecond
	its := items(1)
	h := newHarness(t, source.NewStatic(its, 10), func(cfg *Config) {
		cfg.ExtractCooldown = cooldown
	})
	h.extractor.errs[its[0].ItemID] = []error{
		errors.Wrap(errors.ErrQuotaExceeded, "HTTP 429"),
	}

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Persisted, "item recovers after the cooldown within the run")

	calls := h.extractor.calls()
	require.Len(t, calls, 2)
	gap := calls[1].Sub(calls[0])
	assert.GreaterOrEqual(t, gap, cooldown, "no extraction dispatch during the cooldown window")
}

func TestRateLimitedSourceBacksOff(t *testing.T) {
	src := &flakySource{
		inner:    source.NewStatic(items(2), 10),
		failures: []error{errors.NewRateLimited(0)},
	}
	h := newHarness(t, src, nil)

	summary, err := h.orch.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Persisted)
	assert.GreaterOrEqual(t, src.callCount(), 2)
}

func TestAuthFailureIsFatal(t *testing.T) {
	src := &flakySource{failures: []error{errors.Wrap(errors.ErrAuth, "bad app password")}}
	h := newHarness(t, src, nil)

	summary, err := h.orch.Run(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuth))
	assert.Zero(t, summary.Persisted)
}

func TestFirstPageFailureIsFatal(t *testing.T) {
	src := &flakySource{failures: []error{
		errors.Wrap(errors.ErrTransient, "down"),
		errors.Wrap(errors.ErrTransient, "down"),
		errors.Wrap(errors.ErrTransient, "down"),
	}}
	h := newHarness(t, src, nil)

	_, err := h.orch.Run(context.Background(), "")
	require.Error(t, err)
}

func TestCancellationReleasesClaims(t *testing.T) {
	its := items(4)
	h := newHarness(t, source.NewStatic(its, 10), func(cfg *Config) {
		cfg.Concurrency = 2
	})

	// Extraction blocks until the context dies.
	block := &blockingExtractor{started: make(chan struct{}, len(its))}
	h.orch.extractor = block

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var summary *RunSummary
	go func() {
		summary, _ = h.orch.Run(ctx, "")
		close(done)
	}()

	<-block.started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.True(t, summary.Cancelled)
	assert.Zero(t, summary.Persisted)

	// Interrupted claims were given back without charging attempts:
	// every item is claimable again at zero attempts.
	for _, item := range its {
		rec, seen, err := h.ledger.Get(context.Background(), item.ItemID)
		require.NoError(t, err)
		if !seen {
			continue
		}
		assert.Zero(t, rec.AttemptCount, "cancellation must not charge an attempt for %s", item.ItemID)
		_, ok, err := h.ledger.TryClaim(context.Background(), item.ItemID, "next-run")
		require.NoError(t, err)
		assert.True(t, ok, "claim on %s should be released", item.ItemID)
	}
}

// flakySource fails with queued errors before delegating to inner.
type flakySource struct {
	mu       sync.Mutex
	inner    source.Client
	failures []error
	calls    int
}

func (f *flakySource) ListItems(ctx context.Context, cursor source.Cursor) ([]source.Item, source.Cursor, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.failures) > 0 {
		err = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, "", err
	}
	if f.inner == nil {
		return nil, "", nil
	}
	return f.inner.ListItems(ctx, cursor)
}

func (f *flakySource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingExtractor parks every call until its context is cancelled.
type blockingExtractor struct {
	started chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, item source.Item) (*extract.Result, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetryPolicyDelaySchedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(8), "capped at MaxDelay")
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
