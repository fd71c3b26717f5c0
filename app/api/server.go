package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)

	subs := r.Group("/subscriptions")
	{
		subs.GET("", handler.ListSubscriptions)
		subs.GET("/:id", handler.GetSubscription)
		subs.GET("/:id/current", handler.GetCurrentImage)
		subs.GET("/:id/image", handler.ServeCurrentImage)
	}

	control := r.Group("/subscriptions")
	if apiAccessKey != "" {
		control.Use(authMiddleware(apiAccessKey))
		slog.Info("Control endpoints require authentication")
	} else {
		slog.Warn("Control endpoints are open (API_ACCESS_KEY not set)")
	}
	{
		control.POST("", handler.CreateSubscription)
		control.PUT("/:id", handler.UpdateSubscription)
		control.DELETE("/:id", handler.DeleteSubscription)
		control.POST("/:id/next", handler.NextImage)
		control.POST("/:id/refresh", handler.RefreshSubscription)
		control.POST("/:id/pause", handler.PauseSubscription)
		control.POST("/:id/play", handler.PlaySubscription)
		control.DELETE("/:id/images", handler.ClearImages)
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "RSS Frames",
			"description": "Keeps a local image cache per feed subscription and rotates through it",
			"endpoints": map[string]string{
				"health":        "/health",
				"subscriptions": "/subscriptions",
				"current":       "/subscriptions/<id>/current",
				"image":         "/subscriptions/<id>/image",
			},
			"api_status": gin.H{
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key or as a bearer token.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			return
		}

		if providedKey != apiAccessKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			return
		}

		c.Next()
	}
}
