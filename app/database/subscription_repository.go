package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lysyi3m/rss-frames/app/feed"
)

var ErrNotFound = errors.New("subscription not found")

var _ SubscriptionRepository = (*SubscriptionRepo)(nil)

type SubscriptionRepo struct {
	db *DB
}

func NewSubscriptionRepository(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `id, feed_url, refresh_interval, paused, sequential, last_fetched_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		lastFetched sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(&sub.ID, &sub.FeedURL, &sub.RefreshInterval, &sub.Paused, &sub.Sequential,
		&lastFetched, &sub.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if lastFetched.Valid {
		t := time.Unix(lastFetched.Int64, 0).UTC()
		sub.LastFetchedAt = &t
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &sub, nil
}

// GetSubscription returns nil without error when id is unknown.
func (r *SubscriptionRepo) GetSubscription(id string) (*Subscription, error) {
	row := r.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) ListSubscriptions() ([]Subscription, error) {
	rows, err := r.db.Query(`SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (r *SubscriptionRepo) GetSubscriptionCount() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count, nil
}

func (r *SubscriptionRepo) UpsertSubscription(sub feed.Subscription) error {
	now := time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO subscriptions (id, feed_url, refresh_interval, paused, sequential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			feed_url = excluded.feed_url,
			refresh_interval = excluded.refresh_interval,
			paused = excluded.paused,
			sequential = excluded.sequential,
			updated_at = excluded.updated_at
	`, sub.ID, sub.FeedURL, int(sub.RefreshInterval/time.Second), sub.Paused, sub.Sequential, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// SyncSubscription reports whether the row was newly created.
func (r *SubscriptionRepo) SyncSubscription(sub feed.Subscription) (bool, error) {
	existing, err := r.GetSubscription(sub.ID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, r.UpsertSubscription(sub)
	}

	_, err = r.db.Exec(`
		UPDATE subscriptions
		SET feed_url = ?, refresh_interval = ?, sequential = ?, updated_at = ?
		WHERE id = ?
	`, sub.FeedURL, int(sub.RefreshInterval/time.Second), sub.Sequential, time.Now().Unix(), sub.ID)
	if err != nil {
		return false, fmt.Errorf("failed to sync subscription: %w", err)
	}
	return false, nil
}

func (r *SubscriptionRepo) SetPaused(id string, paused bool) error {
	res, err := r.db.Exec(`UPDATE subscriptions SET paused = ?, updated_at = ? WHERE id = ?`, paused, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update paused state: %w", err)
	}
	return requireRow(res, id)
}

func (r *SubscriptionRepo) UpdateFetchStatus(id string, fetchedAt time.Time, lastError string) error {
	res, err := r.db.Exec(`UPDATE subscriptions SET last_fetched_at = ?, last_error = ? WHERE id = ?`, fetchedAt.Unix(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update fetch status: %w", err)
	}
	return requireRow(res, id)
}

func (r *SubscriptionRepo) DeleteSubscription(id string) error {
	if _, err := r.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
