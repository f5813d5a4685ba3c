// Package hotcache implements the Hot Cache (spec §4.3): process-local,
// periodically refreshed snapshots of available credentials and today's
// statistics, fronting the Credential/Statistics Store for the hot request
// path. It subscribes to the Credential Store's mutation events instead of
// being owned by it, per the publisher/subscriber design note in spec §9 —
// grounded on the teacher's internal/credential manager's snapshot/Clone
// discipline (types.go's SnapshotState/RestoreState), adapted here to an
// atomically-swapped immutable Snapshot rather than in-place field mutation,
// which is the simpler of the two strategies the spec allows (§3: "Ownership").
package hotcache

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"commune/internal/credential"
	"commune/internal/events"
	"commune/internal/monitoring"
	"commune/internal/storage"
)

const minRefreshInterval = 60 * time.Second

// Snapshot is the Hot Cache Snapshot of spec §3: an ordered, shuffled
// sequence of available credentials, today's per-credential statistics, and
// the instant it was built.
type Snapshot struct {
	Credentials []*credential.Credential
	Stats       map[int64]*storage.DailyStatisticsRecord
	RefreshedAt time.Time
	Date        string
}

func (s *Snapshot) byID(id int64) (*credential.Credential, int) {
	for i, c := range s.Credentials {
		if c.ID == id {
			return c, i
		}
	}
	return nil, -1
}

// Status summarizes cache health for /health and monitoring.
type Status struct {
	Cached     bool
	Age        time.Duration
	KeyCount   int
	StatsCount int
}

// Cache is the Hot Cache.
type Cache struct {
	mu          sync.Mutex
	credStore   *credential.Store
	statsReader StatsReader
	interval    time.Duration

	current     *Snapshot
	unsubscribe func()
}

// StatsReader is the subset of storage.Backend the Hot Cache needs to read
// today's statistics without depending on the rest of the Backend surface.
type StatsReader interface {
	GetAllStatsForDate(ctx context.Context, date string) ([]*storage.DailyStatisticsRecord, error)
}

// New builds a Hot Cache with a staleness bound of max(interval, 60s),
// subscribing to hub for write-through mutations from credStore. No
// background timer refreshes it: a read that finds the snapshot absent,
// older than that bound, or built on an earlier civil date rebuilds it first.
func New(credStore *credential.Store, statsReader StatsReader, interval time.Duration, hub *events.Hub) *Cache {
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	c := &Cache{
		credStore:   credStore,
		statsReader: statsReader,
		interval:    interval,
	}
	if hub != nil {
		c.unsubscribe = hub.Subscribe(events.TopicCredentialChanged, c.onMutation)
	}
	return c
}

// Close unsubscribes from the event hub.
func (c *Cache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func today() string { return storage.CivilDate(time.Now()) }

// GetAvailableSnapshot returns a snapshot no older than the refresh
// interval, refreshing synchronously first if stale or absent.
func (c *Cache) GetAvailableSnapshot(ctx context.Context) ([]*credential.Credential, error) {
	snap, err := c.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Credentials, nil
}

// GetStatsSnapshot returns today's statistics, rebuilding on the first read
// of a new civil day (date rollover) or on ordinary staleness.
func (c *Cache) GetStatsSnapshot(ctx context.Context) (map[int64]*storage.DailyStatisticsRecord, error) {
	snap, err := c.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Stats, nil
}

func (c *Cache) ensureFresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.current == nil ||
		time.Since(c.current.RefreshedAt) > c.interval ||
		c.current.Date != today()
	if !stale {
		return c.current, nil
	}
	return c.refreshLocked(ctx)
}

func (c *Cache) refreshLocked(ctx context.Context) (*Snapshot, error) {
	creds, err := c.credStore.FindAllAvailable(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("hot cache refresh: scan available credentials: %w", err)
	}
	if err := shuffle(creds); err != nil {
		return nil, fmt.Errorf("hot cache refresh: shuffle: %w", err)
	}

	date := today()
	rows, err := c.statsReader.GetAllStatsForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("hot cache refresh: scan today's statistics: %w", err)
	}
	stats := make(map[int64]*storage.DailyStatisticsRecord, len(rows))
	for _, row := range rows {
		stats[row.CredentialID] = row
	}

	snap := &Snapshot{Credentials: creds, Stats: stats, RefreshedAt: time.Now(), Date: date}
	c.current = snap
	monitoring.HotCacheRefreshesTotal.Inc()
	return snap, nil
}

// shuffle performs a cryptographically-seeded Fisher-Yates shuffle; the
// spec asks for uniform shuffling, not secrecy, but crypto/rand avoids
// pulling in math/rand's process-wide seeding concerns for no real cost.
func shuffle(creds []*credential.Credential) error {
	for i := len(creds) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		creds[i], creds[j] = creds[j], creds[i]
	}
	return nil
}

// Status reports the cache's current state for health/monitoring endpoints.
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Status{}
	}
	return Status{
		Cached:     true,
		Age:        time.Since(c.current.RefreshedAt),
		KeyCount:   len(c.current.Credentials),
		StatsCount: len(c.current.Stats),
	}
}

// onMutation applies the write-through rules of spec §4.3: eager add on
// create, eager remove on block or delete; unblock (whether from a natural
// deadline passing or from an explicit success) is left to the next full
// refresh, per the deliberate design-note trade-off on unblock propagation.
// Counter-only changes on an already-available credential mutate that
// credential's snapshot entry in place.
func (c *Cache) onMutation(ctx context.Context, ev events.Event) {
	mutation, ok := ev.Payload.(credential.Mutation)
	if !ok || mutation.Credential == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}

	switch mutation.Kind {
	case credential.MutationCreated:
		next := append(append([]*credential.Credential(nil), c.current.Credentials...), mutation.Credential)
		c.current = &Snapshot{Credentials: next, Stats: c.current.Stats, RefreshedAt: c.current.RefreshedAt, Date: c.current.Date}

	case credential.MutationBlocked, credential.MutationDeleted:
		next := make([]*credential.Credential, 0, len(c.current.Credentials))
		for _, cred := range c.current.Credentials {
			if cred.ID != mutation.Credential.ID {
				next = append(next, cred)
			}
		}
		c.current = &Snapshot{Credentials: next, Stats: c.current.Stats, RefreshedAt: c.current.RefreshedAt, Date: c.current.Date}

	case credential.MutationCountersChanged:
		if existing, idx := c.current.byID(mutation.Credential.ID); existing != nil {
			next := append([]*credential.Credential(nil), c.current.Credentials...)
			next[idx] = mutation.Credential
			c.current = &Snapshot{Credentials: next, Stats: c.current.Stats, RefreshedAt: c.current.RefreshedAt, Date: c.current.Date}
		}

	case credential.MutationUnblocked:
		// Deliberately lazy: see package doc and spec §9.
	}
}
