package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/database"
	"github.com/lysyi3m/rss-frames/app/feed"
	"github.com/lysyi3m/rss-frames/app/tasks"
)

// NewHandler wires the control routes. onFatal receives errors the process
// cannot continue after, such as a worker that would not stop.
func NewHandler(repo database.SubscriptionRepository, registry *tasks.Registry,
	rotator *tasks.Rotator, onFatal func(error)) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
		rotator:  rotator,
		onFatal:  onFatal,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"workers":   h.registry.Len(),
	}

	if count, err := h.repo.GetSubscriptionCount(); err == nil {
		health["subscriptions"] = count
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.repo.ListSubscriptions()
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]SubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, h.subscriptionResponse(&sub, false))
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": out,
		"total":         len(out),
	})
}

func (h *Handler) GetSubscription(c *gin.Context) {
	sub, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.subscriptionResponse(sub, true))
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	existing, err := h.repo.GetSubscription(req.ID)
	if err != nil {
		slog.Error("Database error", "operation", "get_subscription", "subscription", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	sub := req.subscription(req.ID)
	if existing != nil {
		sub.LastFetchedAt = existing.LastFetchedAt
	}
	if !h.apply(c, sub) {
		return
	}

	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
	}
	h.respondWithSubscription(c, status, sub.ID)
}

func (h *Handler) UpdateSubscription(c *gin.Context) {
	existing, ok := h.lookup(c)
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if req.ID != "" && req.ID != existing.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Subscription id cannot change"})
		return
	}

	sub := req.subscription(existing.ID)
	sub.LastFetchedAt = existing.LastFetchedAt
	if !h.apply(c, sub) {
		return
	}

	h.respondWithSubscription(c, http.StatusOK, sub.ID)
}

// DeleteSubscription stops the worker, removes its cached images and forgets
// the subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")

	existing, err := h.repo.GetSubscription(id)
	if err != nil {
		slog.Error("Database error", "operation", "get_subscription", "subscription", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if _, running := h.registry.Get(id); existing == nil && !running {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		return
	}

	h.rotator.Unschedule(id)

	if err := h.registry.Remove(id); err != nil && !errors.Is(err, tasks.ErrUnknownSubscription) {
		h.fail(c, id, err)
		return
	}

	if err := h.repo.DeleteSubscription(id); err != nil {
		slog.Error("Database error", "operation", "delete_subscription", "subscription", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

func (h *Handler) GetCurrentImage(c *gin.Context) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	path, err := w.CurrentImagePath()
	h.respondWithImage(c, w, path, err)
}

// NextImage advances the rotation. ?random= overrides the subscription's
// own order for this one step.
func (h *Handler) NextImage(c *gin.Context) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	random := !w.Subscription().Sequential
	if raw := c.Query("random"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid random parameter", "details": err.Error()})
			return
		}
		random = parsed
	}

	path, err := w.NextImagePath(random)
	h.respondWithImage(c, w, path, err)
}

func (h *Handler) ServeCurrentImage(c *gin.Context) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	path, err := w.CurrentImagePath()
	if errors.Is(err, cache.ErrNoImageAvailable) {
		c.JSON(http.StatusNotFound, ImageAvailability{Available: false})
		return
	}
	if err != nil {
		slog.Error("Failed to read current image", "subscription", w.Subscription().ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read current image"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

func (h *Handler) RefreshSubscription(c *gin.Context) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	if err := w.Refresh(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Worker is not running", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "id": w.Subscription().ID})
}

func (h *Handler) PauseSubscription(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *Handler) PlaySubscription(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *Handler) ClearImages(c *gin.Context) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	w.Clear()
	slog.Info("Image cache cleared", "subscription", w.Subscription().ID)

	c.JSON(http.StatusOK, gin.H{"success": true, "id": w.Subscription().ID})
}

func (h *Handler) setPaused(c *gin.Context, paused bool) {
	w, ok := h.worker(c)
	if !ok {
		return
	}

	sub := w.Subscription()
	sub.Paused = paused

	if err := h.repo.SetPaused(sub.ID, paused); err != nil {
		slog.Error("Database error", "operation", "set_paused", "subscription", sub.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if err := w.UpdateConfig(sub); err != nil {
		h.fail(c, sub.ID, err)
		return
	}
	if err := h.rotator.Schedule(sub); err != nil {
		h.fail(c, sub.ID, err)
		return
	}

	slog.Info("Playback changed", "subscription", sub.ID, "paused", paused)
	h.respondWithSubscription(c, http.StatusOK, sub.ID)
}

// apply starts or reconfigures the worker, persists the settings and
// reschedules rotation. A failed save rolls the worker back. It writes the
// error response itself.
func (h *Handler) apply(c *gin.Context, sub feed.Subscription) bool {
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription", "details": err.Error()})
		return false
	}

	existing, existed := h.registry.Get(sub.ID)
	var previous feed.Subscription
	if existed {
		previous = existing.Subscription()
	}

	w, err := h.registry.Start(sub)
	if err != nil {
		h.fail(c, sub.ID, err)
		return false
	}

	if err := h.repo.UpsertSubscription(sub); err != nil {
		slog.Error("Database error", "operation", "upsert_subscription", "subscription", sub.ID, "error", err)
		h.rollback(w, previous, existed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return false
	}

	if err := h.rotator.Schedule(sub); err != nil {
		h.fail(c, sub.ID, err)
		return false
	}

	if _, err := h.rotator.Show(sub.ID); err != nil && !errors.Is(err, cache.ErrNoImageAvailable) {
		slog.Warn("Initial display failed", "subscription", sub.ID, "error", err)
	}

	return true
}

// rollback undoes a registry change whose settings could not be saved: a
// reconfigured worker gets its previous settings back, a new one is removed.
func (h *Handler) rollback(w *tasks.Worker, previous feed.Subscription, existed bool) {
	id := w.Subscription().ID
	if existed {
		if err := w.UpdateConfig(previous); err != nil {
			slog.Error("Failed to restore subscription settings", "subscription", id, "error", err)
		}
		return
	}

	if err := h.registry.Remove(id); err != nil && !errors.Is(err, tasks.ErrUnknownSubscription) {
		if errors.Is(err, tasks.ErrStopTimeout) && h.onFatal != nil {
			h.onFatal(err)
		}
		slog.Error("Failed to discard unsaved subscription", "subscription", id, "error", err)
	}
}

func (h *Handler) lookup(c *gin.Context) (*database.Subscription, bool) {
	id := c.Param("id")

	sub, err := h.repo.GetSubscription(id)
	if err != nil {
		slog.Error("Database error", "operation", "get_subscription", "subscription", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		return nil, false
	}
	return sub, true
}

func (h *Handler) worker(c *gin.Context) (*tasks.Worker, bool) {
	w, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not running"})
		return nil, false
	}
	return w, true
}

func (h *Handler) fail(c *gin.Context, id string, err error) {
	if errors.Is(err, tasks.ErrStopTimeout) && h.onFatal != nil {
		h.onFatal(err)
	}
	slog.Error("Subscription operation failed", "subscription", id, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Subscription operation failed", "details": err.Error()})
}

func (h *Handler) respondWithImage(c *gin.Context, w *tasks.Worker, path string, err error) {
	if errors.Is(err, cache.ErrNoImageAvailable) {
		c.JSON(http.StatusOK, ImageAvailability{Available: false})
		return
	}
	if err != nil {
		slog.Error("Image lookup failed", "subscription", w.Subscription().ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Image lookup failed"})
		return
	}
	c.JSON(http.StatusOK, ImageAvailability{Available: true, Path: path})
}

func (h *Handler) respondWithSubscription(c *gin.Context, status int, id string) {
	sub, err := h.repo.GetSubscription(id)
	if err != nil || sub == nil {
		slog.Error("Database error", "operation", "get_subscription", "subscription", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(status, h.subscriptionResponse(sub, true))
}

func (h *Handler) subscriptionResponse(sub *database.Subscription, withImages bool) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:              sub.ID,
		URL:             sub.FeedURL,
		RefreshInterval: sub.RefreshInterval,
		Paused:          sub.Paused,
		Sequential:      sub.Sequential,
		Rotating:        h.rotator.Scheduled(sub.ID),
		LastFetchedAt:   sub.LastFetchedAt,
		LastError:       sub.LastError,
	}

	if w, ok := h.registry.Get(sub.ID); ok {
		resp.Worker = newWorkerResponse(w.Status())
		if withImages {
			resp.Images = newImageResponses(w.Images())
		}
	}

	return resp
}
