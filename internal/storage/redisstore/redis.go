// Package redisstore is the Redis-backed Credential/Statistics Store
// option, grounded on the teacher's internal/storage/redis_backend.go:
// go-redis/v9 client construction with the same dial/read/write timeouts
// and pool sizing, and a key-prefix convention. Fingerprint lookups use a
// secondary "fp:<fingerprint> -> id" key, and ids are assigned from a
// Redis INCR counter since Redis has no native autoincrement.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"commune/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements storage.Backend on top of a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// Open builds a client with the pool tuning the teacher uses.
func Open(addr, password string, db int, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = "commune:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &Store{client: client, prefix: prefix}, nil
}

// NewWithClient wraps an already-constructed client (used by tests against miniredis).
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "commune:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) credKey(id int64) string       { return fmt.Sprintf("%scred:%d", s.prefix, id) }
func (s *Store) fpKey(fingerprint string) string { return s.prefix + "fp:" + fingerprint }
func (s *Store) statsKey(id int64, date string) string {
	return fmt.Sprintf("%sstats:%d:%s", s.prefix, id, date)
}
func (s *Store) statsIndexKey(date string) string { return s.prefix + "stats-index:" + date }
func (s *Store) idSeqKey() string                 { return s.prefix + "seq:credential_id" }
func (s *Store) idSetKey() string                 { return s.prefix + "ids" }

func (s *Store) Create(ctx context.Context, fingerprint, encryptedMaterial, display string) (*storage.CredentialRecord, error) {
	exists, err := s.client.Exists(ctx, s.fpKey(fingerprint)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 1 {
		return nil, storage.ErrDuplicate
	}
	id, err := s.client.Incr(ctx, s.idSeqKey()).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &storage.CredentialRecord{
		ID:                id,
		Fingerprint:       fingerprint,
		EncryptedMaterial: encryptedMaterial,
		Display:           display,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.credKey(id), data, 0)
	pipe.Set(ctx, s.fpKey(fingerprint), strconv.FormatInt(id, 10), 0)
	pipe.SAdd(ctx, s.idSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return rec, nil
}

func (s *Store) getByKey(ctx context.Context, key string) (*storage.CredentialRecord, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec storage.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.CredentialRecord, error) {
	return s.getByKey(ctx, s.credKey(id))
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*storage.CredentialRecord, error) {
	idStr, err := s.client.Get(ctx, s.fpKey(fingerprint)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

func (s *Store) FindAll(ctx context.Context) ([]*storage.CredentialRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idSetKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.CredentialRecord, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.FindByID(ctx, id)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) FindAllAvailable(ctx context.Context, now time.Time) ([]*storage.CredentialRecord, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.CredentialRecord, 0, len(all))
	for _, r := range all {
		if !r.IsBlocked(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.idSetKey()).Result()
	return int(n), err
}

func (s *Store) mutate(ctx context.Context, id int64, fn func(rec *storage.CredentialRecord)) error {
	rec, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.credKey(id), data, 0).Err()
}

func (s *Store) SetBlockDeadline(ctx context.Context, id int64, deadline *time.Time) error {
	return s.mutate(ctx, id, func(rec *storage.CredentialRecord) { rec.BlockDeadline = deadline })
}

func (s *Store) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	newVal := 0
	err := s.mutate(ctx, id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveAuthFailures++
		newVal = rec.ConsecutiveAuthFailures
	})
	return newVal, err
}

func (s *Store) IncrementThrottles(ctx context.Context, id int64) (int, error) {
	newVal := 0
	err := s.mutate(ctx, id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveThrottles++
		newVal = rec.ConsecutiveThrottles
	})
	return newVal, err
}

func (s *Store) ResetCounters(ctx context.Context, id int64, lastSuccess time.Time) error {
	return s.mutate(ctx, id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveAuthFailures = 0
		rec.ConsecutiveThrottles = 0
		rec.BlockDeadline = nil
		ls := lastSuccess.UTC()
		rec.LastSuccess = &ls
	})
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	rec, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.credKey(id))
	pipe.Del(ctx, s.fpKey(rec.Fingerprint))
	pipe.SRem(ctx, s.idSetKey(), id)
	keys, err := s.client.Keys(ctx, fmt.Sprintf("%sstats:%d:*", s.prefix, id)).Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteByFingerprint(ctx context.Context, fingerprint string) error {
	rec, err := s.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return err
	}
	return s.Delete(ctx, rec.ID)
}

func (s *Store) GetStatsToday(ctx context.Context, credentialID int64, today string) (*storage.DailyStatisticsRecord, error) {
	return s.GetStats(ctx, credentialID, today)
}

func (s *Store) GetStats(ctx context.Context, credentialID int64, date string) (*storage.DailyStatisticsRecord, error) {
	data, err := s.client.Get(ctx, s.statsKey(credentialID, date)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec storage.DailyStatisticsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetAllStatsForDate(ctx context.Context, date string) ([]*storage.DailyStatisticsRecord, error) {
	ids, err := s.client.SMembers(ctx, s.statsIndexKey(date)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.DailyStatisticsRecord, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.GetStats(ctx, id, date)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) upsertStats(ctx context.Context, credentialID int64, date string, fn func(rec *storage.DailyStatisticsRecord)) error {
	key := s.statsKey(credentialID, date)
	var rec storage.DailyStatisticsRecord
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		rec = storage.DailyStatisticsRecord{CredentialID: credentialID, Date: date}
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
	}
	fn(&rec)
	out, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, out, 0)
	pipe.SAdd(ctx, s.statsIndexKey(date), credentialID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) IncrementCallCount(ctx context.Context, credentialID int64, date, subnet string) error {
	return s.upsertStats(ctx, credentialID, date, func(rec *storage.DailyStatisticsRecord) {
		rec.CallCount++
		if subnet != "" {
			rec.LastSubnet = subnet
		}
	})
}

func (s *Store) IncrementThrottleCount(ctx context.Context, credentialID int64, date string) error {
	return s.upsertStats(ctx, credentialID, date, func(rec *storage.DailyStatisticsRecord) {
		rec.ThrottleCount++
	})
}

func (s *Store) DeleteStatsOlderThan(ctx context.Context, cutoffDate string) (int64, error) {
	// Redis has no range scan over arbitrary dates without a secondary
	// sorted index; scan keys by pattern, which is acceptable for the
	// janitor's low-frequency, non-hot-path use.
	var deleted int64
	iter := s.client.Scan(ctx, 0, s.prefix+"stats:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec storage.DailyStatisticsRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Date < cutoffDate {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				deleted++
			}
		}
	}
	return deleted, iter.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
