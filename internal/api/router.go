package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/mw"
	"pillnow-orchestrator/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, states StateSource, schedules ScheduleSource, s store.Store, device Commander, webpushOptions *webpush.Options) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(states, schedules, s, device, webpushOptions)

	rateLimiter := mw.RateLimit(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Schedule reads change at most every sweep tick; a short cache keeps
	// the caregiver UI from hammering the backend proxy.
	cacheStore := cache.New(cfg.CacheTTL, time.Minute)
	caching := mw.Cache(cacheStore, cfg.CacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/containers", handler.GetContainers)
		api.GET("/containers/:container/result", handler.GetContainerResult)

		api.GET("/schedules", caching, handler.GetSchedules)

		api.GET("/history", handler.GetHistory)

		api.POST("/locate", handler.StartLocate)
		api.DELETE("/locate", handler.StopLocate)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
