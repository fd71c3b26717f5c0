// Package cache keeps a per-subscription directory of downloaded images and
// a rotation cursor over them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrNoImageAvailable means nothing has been cached yet. Callers show a
// placeholder instead of treating it as a failure.
var ErrNoImageAvailable = errors.New("no image available")

var errCleared = errors.New("cache cleared during download")

const (
	filePrefix = "img-"
	tempPrefix = ".download-"

	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
)

type Image struct {
	Path         string
	SourceURL    string
	DownloadedAt time.Time
}

type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
	MaxBytes   int64
}

// Cache owns one subscription's image directory. The list and cursor are
// guarded by mu; downloads run outside it and only publish under it.
type Cache struct {
	subscriptionID string
	dir            string
	httpClient     *http.Client
	userAgent      string
	timeout        time.Duration
	maxBytes       int64

	mu         sync.Mutex
	images     []Image
	index      map[string]int // cache key -> position in images
	cursor     int            // -1 until the first image is published
	generation uint64         // bumped by Clear
	inflight   map[string]*download

	randIntN func(n int) int
}

type download struct {
	done  chan struct{}
	image Image
	err   error
}

// New creates the cache directory <root>/<subscriptionID>. Failing to create
// it is the only error a subscription cannot recover from.
func New(root, subscriptionID string, opts Options) (*Cache, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}
	if strings.ContainsAny(subscriptionID, `/\`) || subscriptionID == "." || subscriptionID == ".." {
		return nil, fmt.Errorf("invalid subscription id %q", subscriptionID)
	}

	dir := filepath.Join(root, subscriptionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &Cache{
		subscriptionID: subscriptionID,
		dir:            dir,
		httpClient:     opts.HTTPClient,
		userAgent:      opts.UserAgent,
		timeout:        opts.Timeout,
		maxBytes:       opts.MaxBytes,
		index:          make(map[string]int),
		cursor:         -1,
		inflight:       make(map[string]*download),
		randIntN:       rand.IntN,
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}

	c.removeStaleTemps()

	return c, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// Key derives the content address of sourceURL within this subscription.
func (c *Cache) Key(sourceURL string) string {
	normalized := norm.NFC.String(strings.TrimSpace(sourceURL))
	sum := sha256.Sum256([]byte(normalized + "\x00" + c.subscriptionID))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) pathFor(key, sourceURL string) string {
	return filepath.Join(c.dir, filePrefix+key[:32]+extensionOf(sourceURL))
}

// EnsureDownloaded returns the cached image for sourceURL, downloading it
// first if no file for it exists yet. A file already on disk is reused as is,
// so a changed image behind a stable URL is never picked up.
func (c *Cache) EnsureDownloaded(ctx context.Context, sourceURL string) (Image, error) {
	key := c.Key(sourceURL)

	c.mu.Lock()
	if i, ok := c.index[key]; ok {
		image := c.images[i]
		c.mu.Unlock()
		return image, nil
	}
	if d, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-d.done:
			return d.image, d.err
		case <-ctx.Done():
			return Image{}, &DownloadError{URL: sourceURL, Err: ctx.Err()}
		}
	}
	d := &download{done: make(chan struct{})}
	c.inflight[key] = d
	generation := c.generation
	c.mu.Unlock()

	d.image, d.err = c.fetchAndPublish(ctx, key, sourceURL, generation)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(d.done)

	return d.image, d.err
}

func (c *Cache) fetchAndPublish(ctx context.Context, key, sourceURL string, generation uint64) (Image, error) {
	target := c.pathFor(key, sourceURL)

	if info, err := os.Stat(target); err == nil {
		return c.publish(key, "", target, Image{Path: target, SourceURL: sourceURL, DownloadedAt: info.ModTime()}, generation)
	}

	tmpPath, err := c.downloadToTemp(ctx, sourceURL)
	if err != nil {
		return Image{}, err
	}

	return c.publish(key, tmpPath, target, Image{Path: target, SourceURL: sourceURL, DownloadedAt: time.Now()}, generation)
}

// publish moves a finished download into place and appends it to the list.
// Both happen under mu so Clear can never observe one without the other.
func (c *Cache) publish(key, tmpPath, target string, image Image, generation uint64) (Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		if tmpPath != "" {
			c.remove(tmpPath)
		}
		return Image{}, &DownloadError{URL: image.SourceURL, Err: errCleared}
	}

	if i, ok := c.index[key]; ok {
		if tmpPath != "" {
			c.remove(tmpPath)
		}
		return c.images[i], nil
	}

	if tmpPath != "" {
		if err := os.Rename(tmpPath, target); err != nil {
			c.remove(tmpPath)
			return Image{}, &DownloadError{URL: image.SourceURL, Err: fmt.Errorf("failed to publish image: %w", err)}
		}
	}

	c.index[key] = len(c.images)
	c.images = append(c.images, image)
	if c.cursor < 0 {
		c.cursor = 0
	}

	return image, nil
}

// Advance moves the cursor and returns the image it now points at.
func (c *Cache) Advance(random bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.advanceLocked(random)
}

func (c *Cache) advanceLocked(random bool) (string, error) {
	n := len(c.images)
	if n == 0 {
		c.cursor = -1
		return "", ErrNoImageAvailable
	}

	if random {
		c.cursor = c.randIntN(n)
	} else {
		c.cursor++
		if c.cursor < 0 || c.cursor >= n {
			c.cursor = 0
		}
	}

	return c.images[c.cursor].Path, nil
}

// Current returns the image under the cursor. Entries whose file has
// disappeared are dropped and the cursor moves on to the next one.
func (c *Cache) Current() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.images) > 0 {
		if c.cursor < 0 || c.cursor >= len(c.images) {
			c.cursor = 0
		}

		image := c.images[c.cursor]
		if _, err := os.Stat(image.Path); err == nil {
			return image.Path, nil
		}

		slog.Warn("Cached image missing, skipping", "subscription", c.subscriptionID, "path", image.Path)
		c.dropLocked(c.cursor)
	}

	c.cursor = -1
	return "", ErrNoImageAvailable
}

// dropLocked removes entry i. The cursor is left on i, which now holds the
// entry that followed it, so the next check is the sequential successor.
func (c *Cache) dropLocked(i int) {
	c.images = append(c.images[:i], c.images[i+1:]...)

	c.index = make(map[string]int, len(c.images))
	for pos, image := range c.images {
		c.index[c.Key(image.SourceURL)] = pos
	}

	if c.cursor > i {
		c.cursor--
	}
}

// Images returns a snapshot of the cached images in publish order.
func (c *Cache) Images() []Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	images := make([]Image, len(c.images))
	copy(images, c.images)
	return images
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

// Clear deletes every cached file and forgets them. Downloads still in flight
// are discarded when they try to publish. The directory is emptied under mu,
// so a download that starts after the reset cannot publish a file that is
// then deleted behind the list's back.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.images = nil
	c.index = make(map[string]int)
	c.cursor = -1

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to list cache directory", "subscription", c.subscriptionID, "dir", c.dir, "error", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if c.remove(filepath.Join(c.dir, entry.Name())) {
			removed++
		}
	}

	slog.Debug("Cache cleared", "subscription", c.subscriptionID, "removed", removed)
}

// Close clears the cache and removes its directory.
func (c *Cache) Close() error {
	c.Clear()
	if err := os.Remove(c.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	return nil
}

func (c *Cache) remove(p string) bool {
	if err := os.Remove(p); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to delete cached file", "subscription", c.subscriptionID, "path", p, "error", err)
		}
		return false
	}
	return true
}

func (c *Cache) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(c.dir, tempPrefix+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		c.remove(m)
	}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".avif": true, ".heic": true,
}

func extensionOf(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ".img"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if imageExtensions[ext] {
		return ext
	}
	return ".img"
}
