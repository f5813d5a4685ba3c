// Command commune runs the credential-pool reverse proxy: a single gin
// engine in front of one configured upstream provider, backed by the
// Credential/Statistics Store, Hot Cache, Load Balancer, Request Validator,
// Upstream Forwarder and Response Cache. Grounded on the teacher's
// cmd/server/main.go startup sequence (config load, logging setup, tracing
// init, storage construction, graceful shutdown via signal.Notify), rebuilt
// around this system's single-provider pipeline instead of the teacher's
// dual OpenAI/Gemini engine pair.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"commune/internal/admission"
	"commune/internal/balancer"
	"commune/internal/config"
	"commune/internal/credential"
	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/forwarder"
	"commune/internal/hotcache"
	"commune/internal/logging"
	mw "commune/internal/middleware"
	"commune/internal/migrations"
	"commune/internal/monitoring"
	tracing "commune/internal/monitoring/tracing"
	"commune/internal/respcache"
	srv "commune/internal/server"
	"commune/internal/stats"
	"commune/internal/storage"
	"commune/internal/storage/boltstore"
	"commune/internal/storage/postgres"
	"commune/internal/storage/redisstore"
	log "github.com/sirupsen/logrus"
)

const shutdownDrain = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Logging.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.Infof("starting commune (config: %s, provider: %s)", *configPath, cfg.Server.Provider)

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shut down tracing")
			}
		}()
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage backend")
	}
	defer func() { _ = backend.Close() }()

	key, err := encryption.LoadKey(os.Getenv("ENCRYPTION_KEY"), cfg.EncryptionKey, cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to load encryption key")
	}
	box, err := encryption.New(key)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize encryption")
	}

	hub := events.NewHub()
	if cfg.Logging.Debug {
		hub.Subscribe(events.TopicConfigUpdated, func(_ context.Context, ev events.Event) {
			log.WithField("topic", ev.Topic).Debug("config reload event")
		})
		hub.Subscribe(events.TopicCredentialChanged, func(_ context.Context, ev events.Event) {
			log.WithField("topic", ev.Topic).Trace("credential mutation event")
		})
	}
	stopWatch, err := config.Watch(cfg, hub)
	if err != nil {
		log.WithError(err).Warn("config file watcher failed to start; hot-reload disabled")
		stopWatch = func() {}
	}
	defer stopWatch()

	credStore := credential.NewStore(backend, box, hub, cfg.Database.MaxKeys)
	lifecycle := credential.NewLifecycleManager(credStore, credential.LifecycleConfig{
		PresentedKeyRateLimitSeconds: cfg.Blocking.PresentedKeyRateLimitSeconds,
		AuthFailureBlockMinutes:      cfg.Blocking.AuthFailureBlockMinutes,
		AuthFailureDeleteThreshold:   cfg.Blocking.AuthFailureDeleteThreshold,
		ThrottleBackoffBaseMinutes:   cfg.Blocking.ThrottleBackoffBaseMinutes,
		ThrottleDeleteThreshold:      cfg.Blocking.ThrottleDeleteThreshold,
		MaxKeys:                      cfg.Database.MaxKeys,
	})

	cache := hotcache.New(credStore, backend, cfg.CacheRefreshInterval(), hub)
	defer cache.Close()

	lb := balancer.New()
	fwd := forwarder.New()
	respCache := respcache.New(100)

	pipeline := admission.New(cfg, credStore, lifecycle, cache, lb, fwd, respCache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Stats.AutoCleanup {
		janitor := stats.NewJanitor(backend, time.Duration(cfg.Stats.CleanupIntervalMinutes)*time.Minute, cfg.Stats.RetentionDays)
		mw.SafeGoWithContext("stats-janitor", func() { janitor.Start(ctx) })
	}

	mw.SafeGoWithContext("pool-gauge-reporter", func() { reportPoolGauges(ctx, credStore, cache) })

	engine := srv.New(cfg, srv.Dependencies{
		Pipeline:  pipeline,
		CredStore: credStore,
		Cache:     cache,
		StartedAt: time.Now(),
	})

	httpSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("commune listening on %s", httpSrv.Addr)
		var err error
		if cfg.SSL.Enabled {
			err = httpSrv.ListenAndServeTLS(cfg.SSL.CertPath, cfg.SSL.KeyPath)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		os.Exit(1)
	}
	log.Info("commune stopped")
}

// buildBackend constructs the configured storage.Backend, running pending
// migrations first for the postgres driver.
func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		backend, err := postgres.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if db := backend.DB(); db != nil {
			if err := migrations.PostgresUp(db); err != nil {
				_ = backend.Close()
				return nil, err
			}
		}
		return backend, nil
	case "redis":
		return redisstore.Open(cfg.Database.Addr, cfg.Database.Password, cfg.Database.DB, cfg.Database.Prefix)
	default:
		return boltstore.Open(cfg.Database.Path)
	}
}

// reportPoolGauges periodically publishes pool-size/blocked-count gauges and
// the hot cache age gauge; a lightweight poll rather than wiring every
// mutation path through the monitoring package directly.
func reportPoolGauges(ctx context.Context, credStore *credential.Store, cache *hotcache.Cache) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	update := func() {
		if n, err := credStore.Count(ctx); err == nil {
			monitoring.PoolSize.Set(float64(n))
		}
		if n, err := credStore.BlockedCount(ctx); err == nil {
			monitoring.PoolBlockedCount.Set(float64(n))
		}
		monitoring.HotCacheAgeSeconds.Set(cache.Status().Age.Seconds())
	}
	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
