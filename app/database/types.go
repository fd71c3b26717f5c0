package database

import (
	"time"

	"github.com/lysyi3m/rss-frames/app/feed"
)

type Subscription struct {
	ID              string
	FeedURL         string
	RefreshInterval int // seconds
	Paused          bool
	Sequential      bool
	LastFetchedAt   *time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Subscription) ToFeed() feed.Subscription {
	return feed.Subscription{
		ID:              s.ID,
		FeedURL:         s.FeedURL,
		RefreshInterval: time.Duration(s.RefreshInterval) * time.Second,
		Paused:          s.Paused,
		Sequential:      s.Sequential,
		LastFetchedAt:   s.LastFetchedAt,
	}
}
