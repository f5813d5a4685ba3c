// Package stats implements the Statistics Janitor (spec §4.10): periodic
// deletion of Daily Statistics rows older than a retention window. Grounded
// on the teacher's reset-scheduling idiom in the deleted usage-stats tracker
// (a ticker loop with a logrus summary line per cycle), rebuilt here against
// internal/storage.Backend's statistics operations instead of the teacher's
// token-usage ledger.
package stats

import (
	"context"
	"time"

	"commune/internal/monitoring"
	"commune/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Janitor deletes Daily Statistics rows older than RetentionDays, running
// once at construction-adjacent Start and then on a fixed interval.
type Janitor struct {
	backend  storage.Backend
	interval time.Duration
	retain   int
}

// NewJanitor builds a Janitor for backend, running every interval and
// retaining retainDays days of statistics.
func NewJanitor(backend storage.Backend, interval time.Duration, retainDays int) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if retainDays <= 0 {
		retainDays = 30
	}
	return &Janitor{backend: backend, interval: interval, retain: retainDays}
}

// RunOnce performs a single cleanup pass. It never returns a fatal error to
// the caller's process; errors are logged and reflected in the outcome label.
func (j *Janitor) RunOnce(ctx context.Context) {
	cutoff := storage.CivilDate(time.Now().AddDate(0, 0, -j.retain))
	deleted, err := j.backend.DeleteStatsOlderThan(ctx, cutoff)
	if err != nil {
		log.WithError(err).WithField("cutoff", cutoff).Warn("statistics janitor run failed")
		monitoring.StatsJanitorRunsTotal.WithLabelValues("error").Inc()
		return
	}
	log.WithFields(log.Fields{"cutoff": cutoff, "deleted": deleted}).Info("statistics janitor run complete")
	monitoring.StatsJanitorRunsTotal.WithLabelValues("ok").Inc()
	monitoring.StatsJanitorRowsDeletedTotal.Add(float64(deleted))
}

// Start runs RunOnce immediately, then every interval, until ctx is done.
// Intended to be launched with `go janitor.Start(ctx)`.
func (j *Janitor) Start(ctx context.Context) {
	j.RunOnce(ctx)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}
