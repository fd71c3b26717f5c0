package tasks

import (
	"context"
	"iter"

	"github.com/lysyi3m/rss-frames/app/cache"
)

// FeedFetcher yields the image URLs of one feed. *feed.Fetcher satisfies it
// through feedFetcherAdapter.
type FeedFetcher interface {
	FetchImages(ctx context.Context, feedURL string) (iter.Seq[string], error)
}

// ImageStore is the slice of *cache.Cache a worker drives.
type ImageStore interface {
	EnsureDownloaded(ctx context.Context, sourceURL string) (cache.Image, error)
	Advance(random bool) (string, error)
	Current() (string, error)
	Images() []cache.Image
	Len() int
	Clear()
	Close() error
}

var _ ImageStore = (*cache.Cache)(nil)
