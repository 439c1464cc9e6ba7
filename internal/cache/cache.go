// internal/cache/cache.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cascdr-labs/whispr/internal/blob"
	"github.com/cascdr-labs/whispr/internal/store"
)

// productType labels cached transcripts in the work_products table.
const productType = "rss transcript"

// Cache maps a content fingerprint (the feed item guid) to a finished
// transcript. The index row lives in sqlite; the transcript payload lives in
// the blob store with an inline copy kept as a fallback.
type Cache struct {
	store *store.Store
	blobs blob.Store
	log   *slog.Logger
}

// New builds a cache. blobs may be nil, in which case only the inline copy
// is used.
func New(s *store.Store, blobs blob.Store, log *slog.Logger) *Cache {
	return &Cache{store: s, blobs: blobs, log: log}
}

// Lookup returns the cached transcript for a fingerprint, if any. A missing
// artifact falls back to the inline result; a row with neither is a miss.
func (c *Cache) Lookup(ctx context.Context, guid string) (json.RawMessage, bool, error) {
	if guid == "" {
		return nil, false, nil
	}

	wp, err := c.store.FindWorkProduct(ctx, guid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if c.blobs != nil && wp.ArtifactID != "" {
		data, err := c.blobs.Get(ctx, wp.ArtifactID)
		if err != nil {
			c.log.Warn("artifact fetch failed, falling back to inline result", "guid", guid, "artifact_id", wp.ArtifactID, "err", err)
		} else if data != nil {
			c.log.Info("cache hit", "guid", guid, "artifact_id", wp.ArtifactID)
			return json.RawMessage(data), true, nil
		}
	}

	if len(wp.Result) > 0 {
		c.log.Info("cache hit from inline result", "guid", guid)
		return wp.Result, true, nil
	}
	return nil, false, nil
}

// Store records a finished transcript under its fingerprint. The index row
// is write-once; a lost artifact upload is logged but not fatal because the
// inline copy still serves lookups.
func (c *Cache) Store(ctx context.Context, guid string, result json.RawMessage) error {
	if guid == "" {
		return nil
	}

	artifactID := guid + ".json"
	wp := &store.WorkProduct{
		LookupHash: guid,
		Type:       productType,
		ArtifactID: artifactID,
		Result:     result,
	}
	if err := c.store.CreateWorkProduct(ctx, wp); err != nil {
		return err
	}

	if c.blobs != nil {
		if err := c.blobs.Put(ctx, artifactID, result, "application/json"); err != nil {
			c.log.Warn("artifact upload failed", "guid", guid, "artifact_id", artifactID, "err", err)
		}
	}
	return nil
}
