// Package archive caches downloaded artifacts (extraction zips, invoice XML)
// in object storage so repeat downloads do not hit the upstream system.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is the upstream side of the cache; the portal client satisfies it.
type Source interface {
	DownloadZip(ctx context.Context, zipID string) (io.ReadCloser, int64, error)
	DownloadDocumentXML(ctx context.Context, documentID string) (io.ReadCloser, int64, error)
}

const prefetchConcurrency = 4

// Cache is a fetch-through artifact cache. Keys are derived from upstream
// ids, so a cached object is always safe to serve: upstream artifacts are
// immutable once produced.
type Cache struct {
	objects    ObjectStore
	presignTTL time.Duration
}

// NewCache builds the cache. presignTTL bounds how long handed-out download
// links stay valid.
func NewCache(objects ObjectStore, presignTTL time.Duration) *Cache {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &Cache{objects: objects, presignTTL: presignTTL}
}

// ZipURL returns a presigned link for the extraction zip, fetching it from
// upstream on first access.
func (c *Cache) ZipURL(ctx context.Context, src Source, zipID string) (string, error) {
	key := "zips/" + zipID + ".zip"
	fetch := func(ctx context.Context) (io.ReadCloser, int64, error) {
		return src.DownloadZip(ctx, zipID)
	}
	return c.ensure(ctx, key, "application/zip", fetch)
}

// DocumentXMLURL returns a presigned link for a scraped document's XML,
// fetching it from upstream on first access.
func (c *Cache) DocumentXMLURL(ctx context.Context, src Source, documentID string) (string, error) {
	key := "documents/" + documentID + ".xml"
	fetch := func(ctx context.Context) (io.ReadCloser, int64, error) {
		return src.DownloadDocumentXML(ctx, documentID)
	}
	return c.ensure(ctx, key, "application/xml", fetch)
}

// PrefetchDocuments warms the cache for a set of documents ahead of a bulk
// download. Individual failures abort the batch.
func (c *Cache) PrefetchDocuments(ctx context.Context, src Source, documentIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, id := range documentIDs {
		id := id
		g.Go(func() error {
			if _, err := c.DocumentXMLURL(ctx, src, id); err != nil {
				return fmt.Errorf("prefetch document %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) ensure(ctx context.Context, key, contentType string, fetch func(context.Context) (io.ReadCloser, int64, error)) (string, error) {
	exists, err := c.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		body, size, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		err = c.objects.Put(ctx, key, body, size, contentType)
		body.Close()
		if err != nil {
			return "", err
		}
		slog.Debug("artifact cached", "key", key, "size", size)
	}
	return c.objects.PresignGet(ctx, key, c.presignTTL)
}
