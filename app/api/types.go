package api

import (
	"time"

	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/database"
	"github.com/lysyi3m/rss-frames/app/feed"
	"github.com/lysyi3m/rss-frames/app/tasks"
)

type Handler struct {
	repo     database.SubscriptionRepository
	registry *tasks.Registry
	rotator  *tasks.Rotator
	onFatal  func(error)
}

type SubscriptionRequest struct {
	ID              string `json:"id"`
	URL             string `json:"url" binding:"required"`
	RefreshInterval *int   `json:"refresh_interval"` // seconds, 0 = manual only
	Paused          bool   `json:"paused"`
	Sequential      bool   `json:"sequential"`
}

func (r SubscriptionRequest) subscription(id string) feed.Subscription {
	config := feed.Config{
		Name: id,
		URL:  r.URL,
		Settings: feed.ConfigSettings{
			RefreshInterval: r.RefreshInterval,
			Paused:          r.Paused,
			Sequential:      r.Sequential,
		},
	}
	return config.Subscription()
}

type SubscriptionResponse struct {
	ID              string          `json:"id"`
	URL             string          `json:"url"`
	RefreshInterval int             `json:"refresh_interval"`
	Paused          bool            `json:"paused"`
	Sequential      bool            `json:"sequential"`
	Rotating        bool            `json:"rotating"`
	LastFetchedAt   *time.Time      `json:"last_fetched_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Worker          *WorkerResponse `json:"worker,omitempty"`
	Images          []ImageResponse `json:"images,omitempty"`
}

type WorkerResponse struct {
	State       string     `json:"state"`
	Images      int        `json:"images"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Showing     string     `json:"showing,omitempty"`
}

type ImageResponse struct {
	Path         string    `json:"path"`
	SourceURL    string    `json:"source_url"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// ImageAvailability is the answer to current/next requests. Available is
// false when the subscription has no image yet, which is not an error.
type ImageAvailability struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

func newWorkerResponse(status tasks.Status) *WorkerResponse {
	return &WorkerResponse{
		State:       status.State.String(),
		Images:      status.Images,
		LastAttempt: status.LastAttempt,
		LastSuccess: status.LastSuccess,
		LastError:   status.LastError,
		Showing:     status.Showing,
	}
}

func newImageResponses(images []cache.Image) []ImageResponse {
	out := make([]ImageResponse, 0, len(images))
	for _, image := range images {
		out = append(out, ImageResponse{
			Path:         image.Path,
			SourceURL:    image.SourceURL,
			DownloadedAt: image.DownloadedAt,
		})
	}
	return out
}
