package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/feed"
)

var ErrUnknownSubscription = errors.New("unknown subscription")

type RegistryOptions struct {
	StorageRoot string
	Fetcher     FeedFetcher
	Cache       cache.Options
	Worker      WorkerOptions
}

// Registry holds at most one running worker per subscription id.
type Registry struct {
	ctx     context.Context
	opts    RegistryOptions
	mu       sync.Mutex
	workers  map[string]*Worker
	removing map[string]chan struct{} // closed once teardown finishes

	newStore func(subscriptionID string) (ImageStore, error)
}

func NewRegistry(ctx context.Context, opts RegistryOptions) *Registry {
	r := &Registry{
		ctx:     ctx,
		opts:    opts,
		workers:  make(map[string]*Worker),
		removing: make(map[string]chan struct{}),
	}
	r.newStore = func(subscriptionID string) (ImageStore, error) {
		return cache.New(opts.StorageRoot, subscriptionID, opts.Cache)
	}
	return r
}

// Start returns the worker for sub, creating and starting it on first use.
// An existing worker gets sub as its new configuration. If the id is being
// removed, Start waits for the teardown to finish first.
func (r *Registry) Start(sub feed.Subscription) (*Worker, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	for {
		done, busy := r.removing[sub.ID]
		if !busy {
			break
		}
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	if w, ok := r.workers[sub.ID]; ok {
		if err := w.UpdateConfig(sub); err != nil {
			return nil, err
		}
		return w, nil
	}

	store, err := r.newStore(sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open image cache for %s: %w", sub.ID, err)
	}

	w := NewWorker(sub, r.opts.Fetcher, store, r.opts.Worker)
	if err := w.Start(r.ctx); err != nil {
		return nil, err
	}
	r.workers[sub.ID] = w

	slog.Info("Subscription started", "subscription", sub.ID, "url", sub.FeedURL)
	return w, nil
}

// Get does not return workers that are being removed.
func (r *Registry) Get(subscriptionID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.removing[subscriptionID]; busy {
		return nil, false
	}
	w, ok := r.workers[subscriptionID]
	return w, ok
}

// Remove stops the subscription's worker, deletes its cached images and
// forgets it. The id is marked as tearing down while the worker stops, so
// other subscriptions stay reachable and no second worker for the same id
// can touch the directory until the teardown finishes.
func (r *Registry) Remove(subscriptionID string) error {
	r.mu.Lock()
	w, ok := r.workers[subscriptionID]
	if _, busy := r.removing[subscriptionID]; !ok || busy {
		r.mu.Unlock()
		return ErrUnknownSubscription
	}
	done := make(chan struct{})
	r.removing[subscriptionID] = done
	r.mu.Unlock()

	err := w.RequestStop()
	if err == nil {
		if closeErr := w.store.Close(); closeErr != nil {
			slog.Warn("Failed to remove image cache", "subscription", subscriptionID, "error", closeErr)
		}
	}

	r.mu.Lock()
	delete(r.removing, subscriptionID)
	if err == nil {
		delete(r.workers, subscriptionID)
	}
	r.mu.Unlock()
	close(done)

	if err != nil {
		return err
	}

	slog.Info("Subscription removed", "subscription", subscriptionID)
	return nil
}

// StopAll stops every worker but keeps cached images on disk. Workers being
// removed are left to Remove.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, w := range r.workers {
		if _, busy := r.removing[id]; busy {
			continue
		}
		if err := w.RequestStop(); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(r.workers, id)
	}
	return errors.Join(errs...)
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		if _, busy := r.removing[id]; !busy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers) - len(r.removing)
}
