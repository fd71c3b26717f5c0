package database

import (
	"time"

	"github.com/lysyi3m/rss-frames/app/feed"
)

type SubscriptionRepository interface {
	GetSubscription(id string) (*Subscription, error)
	ListSubscriptions() ([]Subscription, error)
	GetSubscriptionCount() (int, error)

	// UpsertSubscription stores every setting, including the paused flag.
	UpsertSubscription(sub feed.Subscription) error
	// SyncSubscription stores a seed file's settings but keeps a paused flag
	// already saved for an existing row.
	SyncSubscription(sub feed.Subscription) (bool, error)
	SetPaused(id string, paused bool) error
	UpdateFetchStatus(id string, fetchedAt time.Time, lastError string) error
	DeleteSubscription(id string) error
}
