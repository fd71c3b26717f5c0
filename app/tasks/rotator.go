package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/feed"
)

// Rotator advances each playing subscription to its next image every
// display refresh interval.
type Rotator struct {
	scheduler gocron.Scheduler
	registry  *Registry

	mu   sync.Mutex
	jobs map[string]uuid.UUID
}

func NewRotator(registry *Registry) (*Rotator, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Rotator{
		scheduler: scheduler,
		registry:  registry,
		jobs:      make(map[string]uuid.UUID),
	}, nil
}

func (r *Rotator) Start() {
	r.scheduler.Start()
}

func (r *Rotator) Shutdown() error {
	return r.scheduler.Shutdown()
}

// Schedule replaces any rotation job for sub. Paused and manual-only
// subscriptions end up with none.
func (r *Rotator) Schedule(sub feed.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unscheduleLocked(sub.ID)

	if sub.Paused || sub.ManualOnly() {
		slog.Debug("Rotation not scheduled", "subscription", sub.ID, "paused", sub.Paused, "manual_only", sub.ManualOnly())
		return nil
	}

	job, err := r.scheduler.NewJob(
		gocron.DurationJob(sub.RefreshInterval),
		gocron.NewTask(r.rotate, sub.ID, !sub.Sequential),
		gocron.WithName("rotate "+sub.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule rotation for %s: %w", sub.ID, err)
	}

	r.jobs[sub.ID] = job.ID()
	return nil
}

func (r *Rotator) Unschedule(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unscheduleLocked(subscriptionID)
}

func (r *Rotator) unscheduleLocked(subscriptionID string) {
	id, ok := r.jobs[subscriptionID]
	if !ok {
		return
	}
	if err := r.scheduler.RemoveJob(id); err != nil {
		slog.Warn("Failed to remove rotation job", "subscription", subscriptionID, "error", err)
	}
	delete(r.jobs, subscriptionID)
}

func (r *Rotator) Scheduled(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[subscriptionID]
	return ok
}

func (r *Rotator) rotate(subscriptionID string, random bool) {
	w, ok := r.registry.Get(subscriptionID)
	if !ok {
		return
	}

	path, err := w.NextImagePath(random)
	if errors.Is(err, cache.ErrNoImageAvailable) {
		slog.Debug("Nothing to rotate yet", "subscription", subscriptionID)
		return
	}
	if err != nil {
		slog.Warn("Rotation failed", "subscription", subscriptionID, "error", err)
		return
	}

	slog.Debug("Image rotated", "subscription", subscriptionID, "path", path)
}

// Show returns the image a subscription should display right now: the
// current one, or a random pick when nothing has been shown yet.
// Until the first download lands the worker shows it on its own.
func (r *Rotator) Show(subscriptionID string) (string, error) {
	w, ok := r.registry.Get(subscriptionID)
	if !ok {
		return "", ErrUnknownSubscription
	}
	return w.Show()
}
