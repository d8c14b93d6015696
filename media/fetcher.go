package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/internal/httpclient"
	"github.com/teranos/inkest/logger"
)

// userAgents is rotated per request so sustained downloads look like
// ordinary browser traffic to media CDNs.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// AssetIndex answers whether content is already stored. The persistence
// gateway implements it; the fetcher uses it for both pre-download URL
// dedup and post-download content-hash dedup.
type AssetIndex interface {
	FindAssetByHash(ctx context.Context, contentHash string) (*Asset, error)
	FindAssetByURL(ctx context.Context, url string) (*Asset, error)
}

// FetcherConfig configures download behavior. Backoff fields follow the
// shared retry shape: delay = Base * Multiplier^attempt, capped at Max,
// with up to Jitter fraction of random spread.
type FetcherConfig struct {
	Dir         string
	Concurrency int64
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultFetcherConfig returns the standard download policy: four
// concurrent downloads, five attempts, 1s base doubling to a 30s cap.
func DefaultFetcherConfig(dir string) FetcherConfig {
	return FetcherConfig{
		Dir:         dir,
		Concurrency: 4,
		Timeout:     60 * time.Second,
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Fetcher downloads media refs into a content-addressed store rooted at
// a directory. Identical bytes from different URLs resolve to one file.
type Fetcher struct {
	cfg    FetcherConfig
	index  AssetIndex
	client *httpclient.SaferClient
	sem    *semaphore.Weighted
	log    *zap.SugaredLogger
	uaIdx  atomic.Int64
}

// NewFetcher creates a Fetcher. If client is nil a safer client with the
// configured timeout is used.
func NewFetcher(cfg FetcherConfig, index AssetIndex, client *httpclient.SaferClient, log *zap.SugaredLogger) (*Fetcher, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if client == nil {
		client = httpclient.NewSaferClient(cfg.Timeout)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create media directory %s", cfg.Dir)
	}

	return &Fetcher{
		cfg:    cfg,
		index:  index,
		client: client,
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		log:    log,
	}, nil
}

// Fetch downloads one ref and returns the stored asset. Transient
// failures (network, timeout, 5xx, 429) are retried with backoff up to
// MaxAttempts; permanent failures (other 4xx, blocked URLs) return
// immediately wrapped in ErrPermanent.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref) (*Asset, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "download slot acquire interrupted")
	}
	defer f.sem.Release(1)

	// Same URL fetched before: skip the download entirely.
	if existing, err := f.index.FindAssetByURL(ctx, ref.URL); err == nil {
		f.log.Debugw("Media URL already fetched",
			logger.FieldItemID, ref.ItemID,
			logger.FieldURL, ref.URL,
		)
		return f.relink(existing, ref), nil
	} else if !errors.IsNotFoundError(err) {
		return nil, errors.Wrap(err, "asset index lookup failed")
	}

	if _, err := f.client.ValidateURL(ref.URL); err != nil {
		return nil, errors.Wrapf(errors.ErrPermanent, "media URL rejected: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := f.backoffDelay(attempt - 1)
			f.log.Debugw("Retrying media download",
				logger.FieldItemID, ref.ItemID,
				logger.FieldURL, ref.URL,
				logger.FieldAttempt, attempt+1,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		asset, err := f.fetchOnce(ctx, ref)
		if err == nil {
			return asset, nil
		}
		if errors.IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}

	return nil, errors.Wrapf(lastErr, "download failed after %d attempts", f.cfg.MaxAttempts)
}

func (f *Fetcher) fetchOnce(ctx context.Context, ref Ref) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrPermanent, "invalid media URL %q: %v", ref.URL, err)
	}
	req.Header.Set("User-Agent", f.nextUserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(errors.ErrTransient, "media request failed: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	// Stream to a temp file while hashing so large videos never sit in
	// memory and a partial download never lands under a final key.
	tmp, err := os.CreateTemp(f.cfg.Dir, ".download-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(errors.ErrTransient, "download interrupted: %v", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(closeErr, "failed to close temp file")
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	// Identical bytes already stored under another URL: discard this
	// download and link the existing asset.
	if existing, err := f.index.FindAssetByHash(ctx, hash); err == nil {
		os.Remove(tmpPath)
		f.log.Debugw("Media content already stored",
			logger.FieldItemID, ref.ItemID,
			"content_hash", hash,
		)
		return f.relink(existing, ref), nil
	} else if !errors.IsNotFoundError(err) {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, "asset index lookup failed")
	}

	storageKey := storageKeyFor(hash, ref.URL, resp.Header.Get("Content-Type"))
	finalPath := filepath.Join(f.cfg.Dir, filepath.FromSlash(storageKey))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, "failed to create asset directory")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, "failed to move asset into place")
	}

	f.log.Infow("Media downloaded",
		logger.FieldItemID, ref.ItemID,
		logger.FieldURL, ref.URL,
		logger.FieldByteSize, size,
		"content_hash", hash,
	)

	return &Asset{
		Ref:          ref,
		StorageKey:   storageKey,
		ByteSize:     size,
		ContentHash:  hash,
		DownloadedAt: time.Now().UTC(),
	}, nil
}

// relink returns the stored asset re-attributed to the requesting ref.
func (f *Fetcher) relink(existing *Asset, ref Ref) *Asset {
	linked := *existing
	linked.Ref = ref
	return &linked
}

func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	delay := float64(f.cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= f.cfg.Multiplier
	}
	if delay > float64(f.cfg.MaxDelay) {
		delay = float64(f.cfg.MaxDelay)
	}
	if f.cfg.Jitter > 0 {
		delay += delay * f.cfg.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

func (f *Fetcher) nextUserAgent() string {
	n := f.uaIdx.Add(1) - 1
	return userAgents[int(n)%len(userAgents)]
}

// classifyStatus maps an HTTP status to the failure taxonomy. nil means
// success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return errors.Wrapf(errors.ErrTransient, "media host rate limited (HTTP %d)", status)
	case status == http.StatusRequestTimeout:
		return errors.Wrapf(errors.ErrTransient, "HTTP %d", status)
	case status >= 500:
		return errors.Wrapf(errors.ErrTransient, "media host error (HTTP %d)", status)
	default:
		return errors.Wrapf(errors.ErrPermanent, "media unavailable (HTTP %d)", status)
	}
}

// storageKeyFor derives a content-addressed key: two-level fan-out by
// hash prefix plus a best-effort file extension.
func storageKeyFor(hash, rawURL, contentType string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" || len(ext) > 6 {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return hash[:2] + "/" + hash + ext
}
