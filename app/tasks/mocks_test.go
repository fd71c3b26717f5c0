package tasks

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/feed"
)

// MockFetcher implements FeedFetcher for testing
type MockFetcher struct {
	mu      sync.Mutex
	urls    []string
	err     error
	feeds   []string
	block   chan struct{} // when set, fetches wait on it
	honored bool          // when blocking, also give up on ctx cancellation
}

func (m *MockFetcher) FetchImages(ctx context.Context, feedURL string) (iter.Seq[string], error) {
	m.mu.Lock()
	m.feeds = append(m.feeds, feedURL)
	urls, err, block, honored := slices.Clone(m.urls), m.err, m.block, m.honored
	m.mu.Unlock()

	if block != nil {
		if honored {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, &feed.NetworkError{URL: feedURL, Err: ctx.Err()}
			}
		} else {
			<-block
		}
	}

	var parseErr *feed.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		return nil, err
	}
	return slices.Values(urls), err
}

func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

func (m *MockFetcher) Feeds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.feeds)
}

// MockStore implements ImageStore in memory
type MockStore struct {
	mu       sync.Mutex
	images   []cache.Image
	fail     map[string]bool
	cursor   int
	advances int
	clears   int
	closed   bool
}

var _ ImageStore = (*MockStore)(nil)

func (m *MockStore) EnsureDownloaded(ctx context.Context, sourceURL string) (cache.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail[sourceURL] {
		return cache.Image{}, &cache.DownloadError{URL: sourceURL, Err: errors.New("mock failure")}
	}
	for _, image := range m.images {
		if image.SourceURL == sourceURL {
			return image, nil
		}
	}
	image := cache.Image{Path: "/cache/" + sourceURL, SourceURL: sourceURL, DownloadedAt: time.Now()}
	m.images = append(m.images, image)
	return image, nil
}

func (m *MockStore) Advance(random bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advances++
	if len(m.images) == 0 {
		return "", cache.ErrNoImageAvailable
	}
	m.cursor = (m.cursor + 1) % len(m.images)
	return m.images[m.cursor].Path, nil
}

func (m *MockStore) Current() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.images) == 0 {
		return "", cache.ErrNoImageAvailable
	}
	return m.images[m.cursor].Path, nil
}

func (m *MockStore) Images() []cache.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.images)
}

func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = nil
	m.cursor = 0
	m.clears++
}

func (m *MockStore) Close() error {
	m.Clear()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockStore) Advances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advances
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testSubscription(id string, interval time.Duration) feed.Subscription {
	return feed.Subscription{
		ID:              id,
		FeedURL:         "https://example.com/" + id + ".atom",
		RefreshInterval: interval,
	}
}
