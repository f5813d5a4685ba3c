package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"commune/internal/admission"
	"commune/internal/balancer"
	"commune/internal/config"
	"commune/internal/credential"
	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/forwarder"
	"commune/internal/hotcache"
	"commune/internal/respcache"
	"commune/internal/storage/boltstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*gin.Engine, *credential.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "commune.db")
	backend, err := boltstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	box, err := encryption.New(make([]byte, encryption.KeySize))
	require.NoError(t, err)
	hub := events.NewHub()
	credStore := credential.NewStore(backend, box, hub, 500)

	lifecycle := credential.NewLifecycleManager(credStore, credential.LifecycleConfig{
		AuthFailureBlockMinutes:    1440,
		AuthFailureDeleteThreshold: 3,
		ThrottleBackoffBaseMinutes: 1,
		ThrottleDeleteThreshold:    10,
		MaxKeys:                    500,
	})
	cache := hotcache.New(credStore, backend, time.Minute, hub)
	t.Cleanup(cache.Close)

	cfg := config.Defaults()
	cfg.Server.Provider = "default"
	cfg.Providers = []config.Provider{{Name: "default", BaseURL: "http://example.invalid", TimeoutMS: 5000}}

	pipeline := admission.New(cfg, credStore, lifecycle, cache, balancer.New(), forwarder.New(), respcache.New(10))

	engine := New(cfg, Dependencies{
		Pipeline:  pipeline,
		CredStore: credStore,
		Cache:     cache,
		StartedAt: time.Now(),
	})
	return engine, credStore
}

func TestHealthHandlerInitializingBeforeFirstCacheFill(t *testing.T) {
	engine, _ := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"initializing"`)
}

func TestHealthHandlerIsAlwaysPublic(t *testing.T) {
	engine, _ := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	engine.ServeHTTP(w, req)

	require.NotEqual(t, http.StatusUnauthorized, w.Code)
}

func TestStatusPageRendersHTML(t *testing.T) {
	engine, _ := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "Pool size")
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	engine, _ := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "# HELP")
}

func TestNoRouteDelegatesToPipelineAndReturnsAPIError(t *testing.T) {
	engine, _ := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	engine.ServeHTTP(w, req)

	// No Authorization header: the pipeline rejects with MissingCredential.
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
