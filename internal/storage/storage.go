// Package storage defines the Credential Store and Statistics Store
// persistence contract (spec §4.1, §4.2) and the record types it durably
// holds. Concrete backends (internal/storage/boltstore, .../postgres,
// .../redisstore) implement Backend; the default is bbolt, a WAL-style
// embedded single-writer store, matching the teacher's own pattern of
// multiple interchangeable Backend implementations behind one interface
// (see internal/storage in the teacher, adapted here around this spec's
// own record shapes instead of the teacher's map[string]interface{} blobs).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Create when the fingerprint already exists.
var ErrDuplicate = errors.New("storage: credential fingerprint already exists")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// CredentialRecord is the durable shape of §3's Credential Record. Material
// is held encrypted at rest; backends never see it in plaintext — callers
// (internal/credential) encrypt before Create and decrypt after reads.
type CredentialRecord struct {
	ID                    int64
	Fingerprint           string
	EncryptedMaterial     string
	Display               string
	BlockDeadline         *time.Time
	ConsecutiveAuthFailures int
	ConsecutiveThrottles    int
	LastSuccess           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsBlocked reports whether the record is blocked at instant now.
func (r *CredentialRecord) IsBlocked(now time.Time) bool {
	return r.BlockDeadline != nil && r.BlockDeadline.After(now)
}

// DailyStatisticsRecord is §3's Daily Statistics Record: (credential id,
// civil date) is the unique key.
type DailyStatisticsRecord struct {
	CredentialID int64
	Date         string // YYYY-MM-DD, UTC civil date
	CallCount    int64
	ThrottleCount int64
	LastSubnet   string
}

// Backend is the durable Credential/Statistics Store contract. All
// mutations are synchronous and single-writer (or per-id-locked) from the
// caller's perspective; a Backend does not itself publish write-through
// events — internal/credential.Store does that after a successful mutation,
// per the cyclic-ownership design note (§9).
type Backend interface {
	// Create inserts a new credential record, returning ErrDuplicate if the
	// fingerprint already exists.
	Create(ctx context.Context, fingerprint, encryptedMaterial, display string) (*CredentialRecord, error)
	FindByID(ctx context.Context, id int64) (*CredentialRecord, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*CredentialRecord, error)
	FindAllAvailable(ctx context.Context, now time.Time) ([]*CredentialRecord, error)
	FindAll(ctx context.Context) ([]*CredentialRecord, error)
	Count(ctx context.Context) (int, error)
	SetBlockDeadline(ctx context.Context, id int64, deadline *time.Time) error
	IncrementAuthFailures(ctx context.Context, id int64) (int, error)
	IncrementThrottles(ctx context.Context, id int64) (int, error)
	ResetCounters(ctx context.Context, id int64, lastSuccess time.Time) error
	Delete(ctx context.Context, id int64) error
	DeleteByFingerprint(ctx context.Context, fingerprint string) error

	// Statistics Store operations (§4.2).
	GetStatsToday(ctx context.Context, credentialID int64, today string) (*DailyStatisticsRecord, error)
	GetAllStatsForDate(ctx context.Context, date string) ([]*DailyStatisticsRecord, error)
	GetStats(ctx context.Context, credentialID int64, date string) (*DailyStatisticsRecord, error)
	IncrementCallCount(ctx context.Context, credentialID int64, date, subnet string) error
	IncrementThrottleCount(ctx context.Context, credentialID int64, date string) error
	DeleteStatsOlderThan(ctx context.Context, cutoffDate string) (int64, error)

	Health(ctx context.Context) error
	Close() error
}

// CivilDate formats t as the UTC civil date the spec uses everywhere
// ("YYYY-MM-DD in UTC").
func CivilDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
