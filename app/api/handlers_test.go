package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/database"
	"github.com/lysyi3m/rss-frames/app/feed"
	"github.com/lysyi3m/rss-frames/app/tasks"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake image body")

// memoryRepo implements database.SubscriptionRepository in memory
type memoryRepo struct {
	mu         sync.Mutex
	subs       map[string]database.Subscription
	failUpsert bool
}

var _ database.SubscriptionRepository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{subs: make(map[string]database.Subscription)}
}

func (m *memoryRepo) GetSubscription(id string) (*database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *memoryRepo) ListSubscriptions() ([]database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) GetSubscriptionCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs), nil
}

func (m *memoryRepo) UpsertSubscription(sub feed.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert {
		return errors.New("disk I/O error")
	}
	row := m.subs[sub.ID]
	row.ID = sub.ID
	row.FeedURL = sub.FeedURL
	row.RefreshInterval = int(sub.RefreshInterval / time.Second)
	row.Paused = sub.Paused
	row.Sequential = sub.Sequential
	m.subs[sub.ID] = row
	return nil
}

func (m *memoryRepo) SyncSubscription(sub feed.Subscription) (bool, error) {
	existing, _ := m.GetSubscription(sub.ID)
	if existing != nil {
		sub.Paused = existing.Paused
	}
	return existing == nil, m.UpsertSubscription(sub)
}

func (m *memoryRepo) SetPaused(id string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.subs[id]
	if !ok {
		return database.ErrNotFound
	}
	row.Paused = paused
	m.subs[id] = row
	return nil
}

func (m *memoryRepo) UpdateFetchStatus(id string, at time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.subs[id]
	if !ok {
		return database.ErrNotFound
	}
	row.LastFetchedAt = &at
	row.LastError = lastError
	m.subs[id] = row
	return nil
}

func (m *memoryRepo) DeleteSubscription(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// stubFetcher yields a fixed set of image URLs for every feed
type stubFetcher struct {
	urls []string
}

func (s stubFetcher) FetchImages(ctx context.Context, feedURL string) (iter.Seq[string], error) {
	return slices.Values(s.urls), nil
}

type testEnv struct {
	router   *gin.Engine
	repo     *memoryRepo
	registry *tasks.Registry
	rotator  *tasks.Rotator
	root     string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	t.Cleanup(images.Close)

	root := t.TempDir()
	repo := newMemoryRepo()
	registry := tasks.NewRegistry(context.Background(), tasks.RegistryOptions{
		StorageRoot: root,
		Fetcher:     stubFetcher{urls: []string{images.URL + "/a.png", images.URL + "/b.png"}},
		Cache:       cache.Options{Timeout: 5 * time.Second},
		Worker: tasks.WorkerOptions{
			StopTimeout: 5 * time.Second,
			OnFetched: func(id string, at time.Time, err error) {
				repo.UpdateFetchStatus(id, at, "")
			},
		},
	})
	t.Cleanup(func() { registry.StopAll() })

	rotator, err := tasks.NewRotator(registry)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	rotator.Start()
	t.Cleanup(func() { rotator.Shutdown() })

	handler := NewHandler(repo, registry, rotator, func(err error) {
		t.Errorf("Unexpected fatal error: %v", err)
	})

	return &testEnv{
		router:   NewServer(handler, apiKey),
		repo:     repo,
		registry: registry,
		rotator:  rotator,
		root:     root,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T, id string, interval int) {
	t.Helper()
	w := e.do(http.MethodPost, "/subscriptions", SubscriptionRequest{
		ID:              id,
		URL:             "https://example.com/" + id + ".atom",
		RefreshInterval: &interval,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating %s, got %d: %s", id, w.Code, w.Body.String())
	}
}

func (e *testEnv) waitForImages(t *testing.T, id string, n int) []cache.Image {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := e.registry.Get(id); ok {
			if images := w.Images(); len(images) >= n {
				return images
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d images in %s", n, id)
	return nil
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 0)

	w := env.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	health := decode[map[string]any](t, w)
	if health["subscriptions"] != float64(1) {
		t.Errorf("Expected 1 subscription, got %v", health["subscriptions"])
	}
	if health["workers"] != float64(1) {
		t.Errorf("Expected 1 worker, got %v", health["workers"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")
	body := SubscriptionRequest{ID: "frame", URL: "https://example.com/feed.atom"}

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header key", map[string]string{"X-API-Key": "secret"}, http.StatusCreated},
		{"bearer key", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/subscriptions", body, tt.headers)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if w := env.do(http.MethodGet, "/subscriptions", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected read routes to stay open, got %d", w.Code)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name string
		body any
	}{
		{"missing url", map[string]any{"id": "frame"}},
		{"missing id", map[string]any{"url": "https://example.com/feed.atom"}},
		{"unsupported scheme", map[string]any{"id": "frame", "url": "ftp://example.com/feed"}},
		{"path in id", map[string]any{"id": "../etc", "url": "https://example.com/feed.atom"}},
		{"negative interval", map[string]any{"id": "frame", "url": "https://example.com/feed.atom", "refresh_interval": -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/subscriptions", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	if env.registry.Len() != 0 {
		t.Errorf("Expected no workers after invalid requests, got %d", env.registry.Len())
	}
}

func TestCreateSubscriptionDefaults(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodPost, "/subscriptions", SubscriptionRequest{ID: "frame", URL: "https://example.com/feed.atom"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[SubscriptionResponse](t, w)
	if resp.RefreshInterval != feed.DefaultRefreshInterval {
		t.Errorf("Expected default refresh interval, got %d", resp.RefreshInterval)
	}
	if resp.Sequential {
		t.Error("Expected random rotation by default")
	}
	if !resp.Rotating {
		t.Error("Expected a playing subscription to rotate")
	}
	if resp.Worker == nil || resp.Worker.State != "running" {
		t.Errorf("Expected a running worker, got %+v", resp.Worker)
	}
}

func TestManualRefreshAndImages(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 0)

	w := env.do(http.MethodGet, "/subscriptions/frame/current", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := decode[ImageAvailability](t, w); got.Available {
		t.Error("Expected no image before the first refresh")
	}

	if w := env.do(http.MethodGet, "/subscriptions/frame/image", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for image bytes before refresh, got %d", w.Code)
	}

	if w := env.do(http.MethodPost, "/subscriptions/frame/refresh", nil, nil); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	images := env.waitForImages(t, "frame", 2)

	current := decode[ImageAvailability](t, env.do(http.MethodGet, "/subscriptions/frame/current", nil, nil))
	if !current.Available || current.Path != images[0].Path {
		t.Errorf("Expected current image %s, got %+v", images[0].Path, current)
	}

	next := decode[ImageAvailability](t, env.do(http.MethodPost, "/subscriptions/frame/next?random=false", nil, nil))
	if !next.Available || next.Path != images[1].Path {
		t.Errorf("Expected next image %s, got %+v", images[1].Path, next)
	}
	if filepath.Dir(next.Path) != filepath.Join(env.root, "frame") {
		t.Errorf("Expected image inside the subscription directory, got %s", next.Path)
	}

	w = env.do(http.MethodGet, "/subscriptions/frame/image", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), pngBytes) {
		t.Errorf("Expected image bytes to be served, got %q", w.Body.String())
	}

	deadline := time.Now().Add(3 * time.Second)
	var detail SubscriptionResponse
	for time.Now().Before(deadline) {
		detail = decode[SubscriptionResponse](t, env.do(http.MethodGet, "/subscriptions/frame", nil, nil))
		if detail.LastFetchedAt != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if detail.LastFetchedAt == nil {
		t.Error("Expected fetch status to be recorded")
	}
	if len(detail.Images) != 2 {
		t.Errorf("Expected 2 images in detail, got %d", len(detail.Images))
	}
}

func TestNextInvalidRandom(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 0)

	w := env.do(http.MethodPost, "/subscriptions/frame/next?random=maybe", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestPauseAndPlay(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 60)

	if !env.rotator.Scheduled("frame") {
		t.Fatal("Expected a rotation job after create")
	}

	w := env.do(http.MethodPost, "/subscriptions/frame/pause", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[SubscriptionResponse](t, w); !resp.Paused || resp.Rotating {
		t.Errorf("Expected paused subscription without rotation, got %+v", resp)
	}
	if row, _ := env.repo.GetSubscription("frame"); !row.Paused {
		t.Error("Expected paused state to be persisted")
	}

	w = env.do(http.MethodPost, "/subscriptions/frame/play", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp := decode[SubscriptionResponse](t, w); resp.Paused || !resp.Rotating {
		t.Errorf("Expected playing subscription with rotation, got %+v", resp)
	}
	if worker, _ := env.registry.Get("frame"); worker.Subscription().Paused {
		t.Error("Expected worker config to follow play")
	}
}

func TestUpdateSubscription(t *testing.T) {
	env := newTestEnv(t, "")

	body := SubscriptionRequest{URL: "https://example.com/other.atom"}
	if w := env.do(http.MethodPut, "/subscriptions/missing", body, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	env.create(t, "frame", 60)

	interval := 0
	body.RefreshInterval = &interval
	body.Sequential = true
	w := env.do(http.MethodPut, "/subscriptions/frame", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[SubscriptionResponse](t, w)
	if resp.URL != "https://example.com/other.atom" || !resp.Sequential || resp.RefreshInterval != 0 {
		t.Errorf("Expected updated settings, got %+v", resp)
	}
	if resp.Rotating {
		t.Error("Expected a manual-only subscription not to rotate")
	}

	worker, _ := env.registry.Get("frame")
	if worker.Subscription().FeedURL != "https://example.com/other.atom" {
		t.Errorf("Expected worker to pick up the new URL, got %s", worker.Subscription().FeedURL)
	}

	body.ID = "renamed"
	if w := env.do(http.MethodPut, "/subscriptions/frame", body, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an id change, got %d", w.Code)
	}
}

func TestSaveFailureRollsBackWorker(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 60)

	env.repo.mu.Lock()
	env.repo.failUpsert = true
	env.repo.mu.Unlock()

	interval := 60
	w := env.do(http.MethodPost, "/subscriptions", SubscriptionRequest{
		ID:              "unsaved",
		URL:             "https://example.com/unsaved.atom",
		RefreshInterval: &interval,
	}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := env.registry.Get("unsaved"); ok {
		t.Error("Expected no worker for a subscription that was not saved")
	}
	if env.rotator.Scheduled("unsaved") {
		t.Error("Expected no rotation job for a subscription that was not saved")
	}
	if _, err := os.Stat(filepath.Join(env.root, "unsaved")); !os.IsNotExist(err) {
		t.Errorf("Expected cache directory to be removed, got: %v", err)
	}

	w = env.do(http.MethodPut, "/subscriptions/frame", SubscriptionRequest{URL: "https://example.com/other.atom"}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d: %s", w.Code, w.Body.String())
	}
	worker, ok := env.registry.Get("frame")
	if !ok {
		t.Fatal("Expected existing worker to survive a failed update")
	}
	if url := worker.Subscription().FeedURL; url != "https://example.com/frame.atom" {
		t.Errorf("Expected previous URL to be restored, got %s", url)
	}
}

func TestDeleteSubscription(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 60)
	env.waitForImages(t, "frame", 2)

	dir := filepath.Join(env.root, "frame")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Expected cache directory to exist: %v", err)
	}

	w := env.do(http.MethodDelete, "/subscriptions/frame", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if env.registry.Len() != 0 {
		t.Error("Expected worker to be removed")
	}
	if env.rotator.Scheduled("frame") {
		t.Error("Expected rotation job to be removed")
	}
	if row, _ := env.repo.GetSubscription("frame"); row != nil {
		t.Error("Expected subscription row to be deleted")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected cache directory to be removed, got: %v", err)
	}

	if w := env.do(http.MethodDelete, "/subscriptions/frame", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestClearImages(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "frame", 0)
	env.do(http.MethodPost, "/subscriptions/frame/refresh", nil, nil)
	env.waitForImages(t, "frame", 2)

	if w := env.do(http.MethodDelete, "/subscriptions/frame/images", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	worker, _ := env.registry.Get("frame")
	if n := len(worker.Images()); n != 0 {
		t.Errorf("Expected no images after clear, got %d", n)
	}
	if got := decode[ImageAvailability](t, env.do(http.MethodGet, "/subscriptions/frame/current", nil, nil)); got.Available {
		t.Error("Expected no current image after clear")
	}
}

func TestUnknownSubscriptionRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/subscriptions/missing"},
		{http.MethodGet, "/subscriptions/missing/current"},
		{http.MethodGet, "/subscriptions/missing/image"},
		{http.MethodPost, "/subscriptions/missing/next"},
		{http.MethodPost, "/subscriptions/missing/refresh"},
		{http.MethodPost, "/subscriptions/missing/pause"},
		{http.MethodPost, "/subscriptions/missing/play"},
		{http.MethodDelete, "/subscriptions/missing/images"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+strings.TrimPrefix(route.path, "/subscriptions/missing"), func(t *testing.T) {
			w := env.do(route.method, route.path, nil, nil)
			if w.Code != http.StatusNotFound {
				t.Errorf("Expected status 404, got %d", w.Code)
			}
		})
	}
}

func TestListSubscriptions(t *testing.T) {
	env := newTestEnv(t, "")
	env.create(t, "b", 0)
	env.create(t, "a", 0)

	w := env.do(http.MethodGet, "/subscriptions", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decode[struct {
		Subscriptions []SubscriptionResponse `json:"subscriptions"`
		Total         int                    `json:"total"`
	}](t, w)
	if resp.Total != 2 || resp.Subscriptions[0].ID != "a" || resp.Subscriptions[1].ID != "b" {
		t.Errorf("Expected subscriptions a and b, got %+v", resp)
	}
}
