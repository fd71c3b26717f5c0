package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lysyi3m/rss-frames/app/feed"
)

// DownloadError reports an image that could not be cached. Nothing is
// published for it; the URL is tried again on the next refresh.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// downloadToTemp streams sourceURL into a hidden temp file in the cache
// directory and returns its path. On any failure the temp file is removed.
func (c *Cache) downloadToTemp(ctx context.Context, sourceURL string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", &DownloadError{URL: sourceURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &DownloadError{URL: sourceURL, Err: &feed.NetworkError{URL: sourceURL, Err: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{URL: sourceURL, Err: &feed.NetworkError{URL: sourceURL, StatusCode: resp.StatusCode}}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/") {
		return "", &DownloadError{URL: sourceURL, Err: fmt.Errorf("content type is not an image: %s", contentType)}
	}

	if resp.ContentLength > c.maxBytes {
		return "", &DownloadError{URL: sourceURL, Err: fmt.Errorf("image too large: %s", humanize.Bytes(uint64(resp.ContentLength)))}
	}

	tmp, err := os.CreateTemp(c.dir, tempPrefix+"*.tmp")
	if err != nil {
		return "", &DownloadError{URL: sourceURL, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, c.maxBytes+1))
	if err == nil && written > c.maxBytes {
		err = fmt.Errorf("image exceeds %s", humanize.Bytes(uint64(c.maxBytes)))
	}
	if err == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		err = fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		c.remove(tmpPath)
		if ctxErr := timeoutCtx.Err(); ctxErr != nil {
			err = &feed.NetworkError{URL: sourceURL, Err: ctxErr}
		}
		return "", &DownloadError{URL: sourceURL, Err: err}
	}

	slog.Debug("Image downloaded", "subscription", c.subscriptionID, "url", sourceURL, "size", humanize.Bytes(uint64(written)))

	return tmpPath, nil
}
