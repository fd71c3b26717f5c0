package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

type Fetcher struct {
	httpClient *http.Client
	parser     *gofeed.Parser
	userAgent  string
	timeout    time.Duration
}

const DefaultFetchTimeout = 30 * time.Second

func NewFetcher(httpClient *http.Client, userAgent string, timeout time.Duration) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		httpClient: httpClient,
		parser:     gofeed.NewParser(),
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

// Result holds one parsed feed response.
type Result struct {
	FeedURL string
	Title   string

	base  *url.URL
	items []*gofeed.Item
	ctx   context.Context
}

// Fetch downloads and parses feedURL. A malformed document yields a
// *ParseError together with an empty Result, never a nil one.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Result, error) {
	base, err := url.Parse(feedURL)
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: fmt.Errorf("invalid URL: %w", err)}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{URL: feedURL, StatusCode: resp.StatusCode}
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		// A body read cut short by the deadline is a network failure, not bad XML.
		if ctxErr := timeoutCtx.Err(); ctxErr != nil {
			return nil, &NetworkError{URL: feedURL, Err: errors.Join(ctxErr, err)}
		}
		return &Result{FeedURL: feedURL, base: base, ctx: ctx}, &ParseError{URL: feedURL, Err: err}
	}

	slog.Debug("Feed parsed", "url", feedURL, "title", parsed.Title, "items", len(parsed.Items))

	return &Result{
		FeedURL: feedURL,
		Title:   parsed.Title,
		base:    base,
		items:   parsed.Items,
		ctx:     ctx,
	}, nil
}

// Images yields image enclosure URLs in document order. Each range over the
// sequence starts from the first entry again.
func (r *Result) Images() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, item := range r.items {
			if r.ctx != nil && r.ctx.Err() != nil {
				return
			}
			if item == nil {
				continue
			}
			for _, enclosure := range item.Enclosures {
				if enclosure == nil || !IsImageType(enclosure.Type) {
					continue
				}
				ref := r.resolve(enclosure.URL)
				if ref == "" {
					continue
				}
				if !yield(ref) {
					return
				}
			}
		}
	}
}

func (r *Result) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.base == nil || u.IsAbs() {
		return u.String()
	}
	return r.base.ResolveReference(u).String()
}

// IsImageType reports whether a declared MIME type is an image/* type.
func IsImageType(mimeType string) bool {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = mimeType
	}
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}
