// Package server assembles the gin engine: the admission pipeline's
// catch-all proxy route plus the three operational endpoints spec §6 names
// (status page, health, metrics), mirroring the teacher's
// applyStandardEngineSettings + route-registration split (deleted
// internal/server/builder.go, engine_helpers.go) but built around a single
// engine instead of the teacher's OpenAI/Gemini dual-engine layout, since
// this system fronts exactly one configured provider.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"commune/internal/admission"
	"commune/internal/apierr"
	"commune/internal/config"
	"commune/internal/credential"
	"commune/internal/hotcache"
	mw "commune/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Dependencies bundles the services routes need beyond the pipeline itself.
type Dependencies struct {
	Pipeline  *admission.Pipeline
	CredStore *credential.Store
	Cache     *hotcache.Cache
	StartedAt time.Time
}

// New builds the single gin engine serving the proxy surface.
func New(cfg *config.Config, deps Dependencies) *gin.Engine {
	if !cfg.Logging.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)

	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(), mw.RequestLogger(), mw.CORS(),
		mw.RateLimiterAutoKey(cfg.EdgeRateLimit.RequestsPerSecond, cfg.EdgeRateLimit.Burst))

	guard := newManagementGuard(cfg.Management)

	engine.GET("/", guard.wrap(statusHandler(cfg, deps)))
	engine.GET("/health", healthHandler(deps))
	engine.GET("/metrics", guard.wrap(mw.MetricsHandler))

	engine.NoRoute(proxyHandler(deps.Pipeline))
	return engine
}

func proxyHandler(pipeline *admission.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, apierr.New(apierr.ValidationFailed, "failed to read request body").AsBody())
			return
		}
		req := admission.Request{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Query:      c.Request.URL.Query(),
			Headers:    c.Request.Header,
			Body:       body,
			RemoteAddr: c.Request.RemoteAddr,
		}
		result, apiErr := pipeline.Handle(c.Request.Context(), req)
		if apiErr != nil {
			writeAPIError(c, apiErr)
			return
		}
		relay(c, result)
	}
}

func relay(c *gin.Context, result *admission.Result) {
	for key, values := range result.Headers {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(result.StatusCode, c.Writer.Header().Get("Content-Type"), result.Body)
}

func writeAPIError(c *gin.Context, apiErr *apierr.Error) {
	if apiErr.Kind == apierr.PresenterRateLimited && apiErr.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	c.JSON(apiErr.Status, apiErr.AsBody())
}

func healthHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		poolSize, err := deps.CredStore.Count(ctx)
		if err != nil {
			status = "degraded"
		}
		cacheStatus := deps.Cache.Status()
		if !cacheStatus.Cached {
			status = "initializing"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":          status,
			"uptime_seconds":  int(time.Since(deps.StartedAt).Seconds()),
			"pool_size":       poolSize,
			"cache_age_seconds": cacheStatus.Age.Seconds(),
			"cache_key_count": cacheStatus.KeyCount,
			"cache_stats_count": cacheStatus.StatsCount,
		})
	}
}
