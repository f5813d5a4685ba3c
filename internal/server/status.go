package server

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"commune/internal/config"
	"github.com/gin-gonic/gin"
)

// statusPage is the stdlib html/template for GET / (spec SPEC_FULL.md's
// status-page addition). No templating library in the example pack covers
// a single server-rendered admin page any better than the standard library.
var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>commune</title></head>
<body>
<h1>commune</h1>
<table>
<tr><td>Provider</td><td>{{.Provider}}</td></tr>
<tr><td>Uptime</td><td>{{.Uptime}}</td></tr>
<tr><td>Pool size</td><td>{{.PoolSize}}</td></tr>
<tr><td>Blocked credentials</td><td>{{.BlockedCount}}</td></tr>
<tr><td>Cache age</td><td>{{.CacheAge}}</td></tr>
<tr><td>Cache cached?</td><td>{{.CacheCached}}</td></tr>
</table>
</body>
</html>
`))

type statusPageData struct {
	Provider     string
	Uptime       string
	PoolSize     int
	BlockedCount int
	CacheAge     string
	CacheCached  bool
}

func statusHandler(cfg *config.Config, deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		poolSize, _ := deps.CredStore.Count(ctx)
		blocked, _ := deps.CredStore.BlockedCount(ctx)
		cacheStatus := deps.Cache.Status()

		data := statusPageData{
			Provider:     cfg.Server.Provider,
			Uptime:       time.Since(deps.StartedAt).Round(time.Second).String(),
			PoolSize:     poolSize,
			BlockedCount: blocked,
			CacheAge:     cacheStatus.Age.Round(time.Second).String(),
			CacheCached:  cacheStatus.Cached,
		}

		c.Writer.Header().Set("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		_ = statusPage.Execute(c.Writer, data)
	}
}
