// Package store is the persistence gateway: a key-value contract over
// SQLite with typed helpers for the pipeline's three sinks (raw items,
// media assets, extraction results).
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/extract"
	"github.com/teranos/inkest/media"
	"github.com/teranos/inkest/source"
)

// Collections used by the typed helpers.
const (
	CollectionItems       = "items"
	CollectionExtractions = "extractions"
)

// Gateway persists pipeline output. Puts are idempotent per key:
// writing identical content is a no-op, different content overwrites
// and bumps the row version.
type Gateway struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewGateway creates a Gateway over an already-migrated database.
func NewGateway(db *sql.DB, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{db: db, log: log}
}

// Put writes value under (collection, key). Identical content is a
// no-op; changed content overwrites and increments version.
func (g *Gateway) Put(ctx context.Context, collection, key string, value []byte) error {
	sum := sha256.Sum256(value)
	hash := hex.EncodeToString(sum[:])

	var existing string
	err := g.db.QueryRowContext(ctx,
		`SELECT content_hash FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&existing)
	switch {
	case err == nil:
		if existing == hash {
			return nil
		}
	case err == sql.ErrNoRows:
		// First write for this key
	default:
		return errors.Wrap(err, "failed to check existing document")
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO documents (collection, key, value, content_hash, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			content_hash = excluded.content_hash,
			version = documents.version + 1,
			updated_at = excluded.updated_at`,
		collection, key, value, hash, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to put %s/%s", collection, key)
	}
	return nil
}

// Get reads the value under (collection, key). Returns ErrNotFound for
// absent keys.
func (g *Gateway) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("document %s/%s", collection, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", collection, key)
	}
	return value, nil
}

// Exists reports whether (collection, key) holds a value.
func (g *Gateway) Exists(ctx context.Context, collection, key string) (bool, error) {
	var one int
	err := g.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s/%s", collection, key)
	}
	return true, nil
}

// PutRaw persists the source item under the items collection.
func (g *Gateway) PutRaw(ctx context.Context, item source.Item) error {
	value, err := json.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal item %s", item.ItemID)
	}
	return g.Put(ctx, CollectionItems, item.ItemID, value)
}

// PutMedia records a downloaded asset and links the requesting ref to
// it. The asset row is keyed by content hash, so a second ref with
// identical bytes only adds a link.
func (g *Gateway) PutMedia(ctx context.Context, asset *media.Asset) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_assets (content_hash, storage_key, byte_size, downloaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		asset.ContentHash, asset.StorageKey, asset.ByteSize, asset.DownloadedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record asset %s", asset.ContentHash)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_links (item_id, url, kind, content_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id, url) DO UPDATE SET
			kind = excluded.kind,
			content_hash = excluded.content_hash`,
		asset.Ref.ItemID, asset.Ref.URL, string(asset.Ref.Kind), asset.ContentHash,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to link media for item %s", asset.Ref.ItemID)
	}

	return errors.Wrap(tx.Commit(), "failed to commit media put")
}

// PutExtraction persists an extraction result, overwriting any previous
// result for the item.
func (g *Gateway) PutExtraction(ctx context.Context, result *extract.Result) error {
	value, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal extraction for %s", result.ItemID)
	}
	return g.Put(ctx, CollectionExtractions, result.ItemID, value)
}

// GetExtraction reads the current extraction result for an item.
func (g *Gateway) GetExtraction(ctx context.Context, itemID string) (*extract.Result, error) {
	value, err := g.Get(ctx, CollectionExtractions, itemID)
	if err != nil {
		return nil, err
	}
	var result extract.Result
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal extraction for %s", itemID)
	}
	return &result, nil
}

// FindAssetByHash returns the stored asset with the given content hash,
// or ErrNotFound. The returned Ref is zero: assets are shared across
// refs and carry no single owner.
func (g *Gateway) FindAssetByHash(ctx context.Context, contentHash string) (*media.Asset, error) {
	var asset media.Asset
	err := g.db.QueryRowContext(ctx, `
		SELECT content_hash, storage_key, byte_size, downloaded_at
		FROM media_assets WHERE content_hash = ?`,
		contentHash,
	).Scan(&asset.ContentHash, &asset.StorageKey, &asset.ByteSize, &asset.DownloadedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("asset %s", contentHash)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find asset %s", contentHash)
	}
	return &asset, nil
}

// FindAssetByURL returns the asset a URL previously resolved to, with
// the Ref of that original link. ErrNotFound if the URL was never
// fetched.
func (g *Gateway) FindAssetByURL(ctx context.Context, url string) (*media.Asset, error) {
	var asset media.Asset
	var kind string
	err := g.db.QueryRowContext(ctx, `
		SELECT l.item_id, l.url, l.kind, a.content_hash, a.storage_key, a.byte_size, a.downloaded_at
		FROM media_links l
		JOIN media_assets a ON a.content_hash = l.content_hash
		WHERE l.url = ?
		LIMIT 1`,
		url,
	).Scan(&asset.Ref.ItemID, &asset.Ref.URL, &kind, &asset.ContentHash, &asset.StorageKey, &asset.ByteSize, &asset.DownloadedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no asset for url %s", url)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find asset by url")
	}
	asset.Ref.Kind = media.Kind(kind)
	return &asset, nil
}

// Stats summarizes stored data for operator tooling.
type Stats struct {
	Documents   map[string]int `json:"documents"`
	MediaAssets int            `json:"media_assets"`
	MediaLinks  int            `json:"media_links"`
	MediaBytes  int64          `json:"media_bytes"`
}

// Stats counts documents per collection and stored media.
func (g *Gateway) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Documents: map[string]int{}}

	rows, err := g.db.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM documents GROUP BY collection`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count documents")
	}
	defer rows.Close()
	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan document count")
		}
		stats.Documents[collection] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate document counts")
	}

	err = g.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM media_assets`,
	).Scan(&stats.MediaAssets, &stats.MediaBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count media assets")
	}

	err = g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_links`,
	).Scan(&stats.MediaLinks)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count media links")
	}

	return stats, nil
}
