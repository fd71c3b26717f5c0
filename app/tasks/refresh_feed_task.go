package tasks

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/feed"
)

type feedFetcherAdapter struct {
	fetcher *feed.Fetcher
}

// NewFeedFetcher wraps a *feed.Fetcher for use by workers.
func NewFeedFetcher(fetcher *feed.Fetcher) FeedFetcher {
	return feedFetcherAdapter{fetcher: fetcher}
}

func (a feedFetcherAdapter) FetchImages(ctx context.Context, feedURL string) (iter.Seq[string], error) {
	result, err := a.fetcher.Fetch(ctx, feedURL)
	if result == nil {
		return nil, err
	}
	return result.Images(), err
}

// RefreshFeedTask runs one fetch cycle: fetch the feed, then push every image
// it names through the cache. It returns once all of its downloads finished.
type RefreshFeedTask struct {
	Task
	FeedURL      string
	fetcher      FeedFetcher
	store        ImageStore
	maxDownloads int

	// OnCached runs after each successful download, from the download's
	// goroutine.
	OnCached func(image cache.Image)
}

type RefreshStats struct {
	Found      int
	Downloaded int
	Failed     int
}

func NewRefreshFeedTask(subscriptionID, feedURL string, fetcher FeedFetcher, store ImageStore, maxDownloads int) *RefreshFeedTask {
	if maxDownloads < 1 {
		maxDownloads = 1
	}
	return &RefreshFeedTask{
		Task:         NewTask(TaskTypeRefreshFeed, subscriptionID),
		FeedURL:      feedURL,
		fetcher:      fetcher,
		store:        store,
		maxDownloads: maxDownloads,
	}
}

// Execute returns the fetch error, if any. A *feed.ParseError still lets the
// partial result be drained. Individual download failures are only logged.
func (t *RefreshFeedTask) Execute(ctx context.Context) (RefreshStats, error) {
	var stats RefreshStats

	select {
	case <-ctx.Done():
		return stats, ctx.Err()
	default:
	}

	images, fetchErr := t.fetcher.FetchImages(ctx, t.FeedURL)
	if images == nil {
		return stats, fetchErr
	}

	var parseErr *feed.ParseError
	if fetchErr != nil && !errors.As(fetchErr, &parseErr) {
		return stats, fetchErr
	}

	var (
		wg         sync.WaitGroup
		downloaded atomic.Int32
		failed     atomic.Int32
		slots      = make(chan struct{}, t.maxDownloads)
	)

	for sourceURL := range images {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		stats.Found++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()

			download := NewTask(TaskTypeDownloadImage, t.SubscriptionID)
			download.Start()

			image, err := t.store.EnsureDownloaded(ctx, sourceURL)
			if err != nil {
				failed.Add(1)
				slog.Warn("Image download failed", "subscription", t.SubscriptionID, "url", sourceURL, "error", err)
				return
			}
			downloaded.Add(1)
			if t.OnCached != nil {
				t.OnCached(image)
			}
			slog.Debug("Image cached", "subscription", t.SubscriptionID, "url", sourceURL, "duration", download.GetDuration())
		}()
	}

	wg.Wait()

	stats.Downloaded = int(downloaded.Load())
	stats.Failed = int(failed.Load())

	slog.Info("Task completed",
		"type", t.GetType(),
		"subscription", t.SubscriptionID,
		"duration", t.GetDuration(),
		"found", stats.Found,
		"cached", stats.Downloaded,
		"errors", stats.Failed)

	if fetchErr == nil && ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, fetchErr
}
