package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/feed"
)

const (
	DefaultRescanInterval = 2 * time.Hour
	DefaultStopTimeout    = time.Minute
	DefaultCycleTimeout   = 5 * time.Minute
	DefaultMaxDownloads   = 4
)

var (
	// ErrStopTimeout means a worker loop ignored its stop signal. The host
	// must treat it as fatal: the cache directory may still be in use.
	ErrStopTimeout    = errors.New("worker did not stop in time")
	ErrWorkerFinished = errors.New("worker already finished")
	ErrNotRunning     = errors.New("worker is not running")
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	default:
		return "stopped"
	}
}

type WorkerOptions struct {
	RescanInterval time.Duration
	MaxDownloads   int
	StopTimeout    time.Duration
	CycleTimeout   time.Duration
	// OnFetched is called after every fetch attempt from the worker goroutine.
	OnFetched func(subscriptionID string, at time.Time, err error)
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.RescanInterval <= 0 {
		o.RescanInterval = DefaultRescanInterval
	}
	if o.MaxDownloads <= 0 {
		o.MaxDownloads = DefaultMaxDownloads
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = DefaultCycleTimeout
	}
	return o
}

type Status struct {
	SubscriptionID string
	State          State
	Images         int
	LastAttempt    *time.Time
	LastSuccess    *time.Time
	LastError      string
	Showing        string
}

// Worker keeps one subscription's image cache filled. It re-fetches the feed
// every rescan interval, independent of how often the host rotates images.
type Worker struct {
	fetcher FeedFetcher
	store   ImageStore
	opts    WorkerOptions

	mu          sync.Mutex
	sub         feed.Subscription
	state       State
	started     bool
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	shown       bool   // an image has been displayed since start or the last clear
	showing     string // path of the image last displayed
	cancel      context.CancelFunc
	done        chan struct{}

	refreshCh chan struct{}
	wakeCh    chan struct{}
}

func NewWorker(sub feed.Subscription, fetcher FeedFetcher, store ImageStore, opts WorkerOptions) *Worker {
	w := &Worker{
		fetcher:   fetcher,
		store:     store,
		opts:      opts.withDefaults(),
		sub:       sub,
		refreshCh: make(chan struct{}, 1),
		wakeCh:    make(chan struct{}, 1),
	}
	if sub.LastFetchedAt != nil {
		w.lastSuccess = *sub.LastFetchedAt
		// An empty store has to be rebuilt from the feed before the interval
		// is honoured; files already on disk are reused, not downloaded.
		if store.Len() > 0 {
			w.lastAttempt = *sub.LastFetchedAt
		}
	}
	return w
}

// Start launches the refresh loop. A worker runs at most once.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		if w.state == StateRunning {
			return nil
		}
		return ErrWorkerFinished
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.state = StateRunning
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(loopCtx, w.done)

	slog.Debug("Worker started", "subscription", w.sub.ID, "url", w.sub.FeedURL, "manual_only", w.sub.ManualOnly())
	return nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait, auto := w.nextWait()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if auto {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		fetch := false
		select {
		case <-ctx.Done():
		case <-w.wakeCh:
		case <-w.refreshCh:
			fetch = true
		case <-timerC:
			fetch = true
		}

		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		if fetch {
			w.runCycle(ctx)
		}
	}
}

// nextWait reports how long until the next automatic fetch, and whether one
// is due at all.
func (w *Worker) nextWait() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub.ManualOnly() {
		return 0, false
	}
	if w.lastAttempt.IsZero() {
		return 0, true
	}
	return max(w.opts.RescanInterval-time.Since(w.lastAttempt), 0), true
}

func (w *Worker) runCycle(ctx context.Context) {
	w.mu.Lock()
	sub := w.sub
	attempt := time.Now()
	w.lastAttempt = attempt
	w.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, w.opts.CycleTimeout)
	defer cancel()

	task := NewRefreshFeedTask(sub.ID, sub.FeedURL, w.fetcher, w.store, w.opts.MaxDownloads)
	task.OnCached = func(cache.Image) { w.showFirst() }
	task.Start()
	_, err := task.Execute(cycleCtx)

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.lastSuccess = attempt
	}
	w.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Refresh interrupted by stop", "subscription", sub.ID)
			return
		}
		slog.Error("Feed refresh failed", "subscription", sub.ID, "url", sub.FeedURL, "error", err)
	}

	if w.opts.OnFetched != nil {
		w.opts.OnFetched(sub.ID, attempt, err)
	}
}

// RequestStop stops the loop and waits for it, including any downloads of
// the current cycle, to finish. Calling it again is a no-op.
func (w *Worker) RequestStop() error {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil
	case StateRunning:
		w.state = StateStopRequested
		w.cancel()
	}
	done := w.done
	id := w.sub.ID
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(w.opts.StopTimeout):
		return fmt.Errorf("%w: subscription %s", ErrStopTimeout, id)
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	slog.Debug("Worker stopped", "subscription", id)
	return nil
}

// Refresh asks the loop to fetch now. Requests made while a fetch is already
// pending collapse into one.
func (w *Worker) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateRunning {
		return ErrNotRunning
	}

	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
	return nil
}

// UpdateConfig replaces the subscription settings. The loop picks them up on
// its next evaluation; a fetch already running keeps the old feed URL.
func (w *Worker) UpdateConfig(sub feed.Subscription) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sub.ID != w.sub.ID {
		return fmt.Errorf("cannot change subscription id from %s to %s", w.sub.ID, sub.ID)
	}
	sub.LastFetchedAt = w.sub.LastFetchedAt
	w.sub = sub

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) Subscription() feed.Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := Status{
		SubscriptionID: w.sub.ID,
		State:          w.state,
		Images:         w.store.Len(),
	}
	if !w.lastAttempt.IsZero() {
		t := w.lastAttempt
		status.LastAttempt = &t
	}
	if !w.lastSuccess.IsZero() {
		t := w.lastSuccess
		status.LastSuccess = &t
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	status.Showing = w.showing
	return status
}

func (w *Worker) CurrentImagePath() (string, error) {
	return w.store.Current()
}

func (w *Worker) NextImagePath(random bool) (string, error) {
	return w.displayed(w.store.Advance(random))
}

// Show returns the image to display right now: the current one, or a random
// pick when the cursor points nowhere.
func (w *Worker) Show() (string, error) {
	path, err := w.store.Current()
	if errors.Is(err, cache.ErrNoImageAvailable) {
		return w.NextImagePath(true)
	}
	return w.displayed(path, err)
}

// showFirst displays the first image cached since start or the last clear
// instead of waiting for the next rotation.
func (w *Worker) showFirst() {
	w.mu.Lock()
	if w.shown {
		w.mu.Unlock()
		return
	}
	w.shown = true
	w.mu.Unlock()

	path, err := w.Show()
	if err != nil {
		w.mu.Lock()
		w.shown = false
		w.mu.Unlock()
		return
	}
	slog.Info("Showing first image", "subscription", w.Subscription().ID, "path", path)
}

func (w *Worker) displayed(path string, err error) (string, error) {
	if err != nil {
		return path, err
	}
	w.mu.Lock()
	w.shown = true
	w.showing = path
	w.mu.Unlock()
	return path, nil
}

func (w *Worker) Images() []cache.Image {
	return w.store.Images()
}

func (w *Worker) Clear() {
	w.store.Clear()
	w.mu.Lock()
	w.shown = false
	w.showing = ""
	w.mu.Unlock()
}
