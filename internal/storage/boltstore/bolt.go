// Package boltstore is the default Credential/Statistics Store backend: a
// single-file, WAL-style embedded store via go.etcd.io/bbolt, matching the
// durability requirement in spec §4.1 ("usable with WAL-style journaling or
// an equivalent"). Grounded on cuemby-warren's pkg/storage/boltdb.go
// bucket-per-entity, JSON-marshal-per-record idiom; bbolt serializes all
// writers against one file, which alone satisfies the single-writer
// ordering guarantee in spec §5.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"commune/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCredentials  = []byte("credentials")   // id (8-byte BE) -> JSON record
	bucketFingerprints = []byte("fingerprints")  // fingerprint -> id (8-byte BE)
	bucketStats        = []byte("stats")         // "id:date" -> JSON record
)

// Store implements storage.Backend on top of a single bbolt file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file at path, creating buckets as needed.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCredentials, bucketFingerprints, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func statsKey(credentialID int64, date string) []byte {
	return []byte(fmt.Sprintf("%d:%s", credentialID, date))
}

func (s *Store) Create(ctx context.Context, fingerprint, encryptedMaterial, display string) (*storage.CredentialRecord, error) {
	var out *storage.CredentialRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		fps := tx.Bucket(bucketFingerprints)
		if fps.Get([]byte(fingerprint)) != nil {
			return storage.ErrDuplicate
		}
		creds := tx.Bucket(bucketCredentials)
		seq, err := creds.NextSequence()
		if err != nil {
			return err
		}
		id := int64(seq)
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
			return err
		}
		if err := creds.Put(idKey(id), data); err != nil {
			return err
		}
		if err := fps.Put([]byte(fingerprint), idKey(id)); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.CredentialRecord, error) {
	var rec storage.CredentialRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get(idKey(id))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*storage.CredentialRecord, error) {
	var rec storage.CredentialRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketFingerprints).Get([]byte(fingerprint))
		if idBytes == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket(bucketCredentials).Get(idBytes)
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
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

func (s *Store) FindAll(ctx context.Context) ([]*storage.CredentialRecord, error) {
	var out []*storage.CredentialRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(_, v []byte) error {
			var rec storage.CredentialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketCredentials).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *Store) mutate(id int64, fn func(rec *storage.CredentialRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		data := creds.Get(idKey(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var rec storage.CredentialRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		fn(&rec)
		rec.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return creds.Put(idKey(id), out)
	})
}

func (s *Store) SetBlockDeadline(ctx context.Context, id int64, deadline *time.Time) error {
	return s.mutate(id, func(rec *storage.CredentialRecord) {
		rec.BlockDeadline = deadline
	})
}

func (s *Store) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	newVal := 0
	err := s.mutate(id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveAuthFailures++
		newVal = rec.ConsecutiveAuthFailures
	})
	return newVal, err
}

func (s *Store) IncrementThrottles(ctx context.Context, id int64) (int, error) {
	newVal := 0
	err := s.mutate(id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveThrottles++
		newVal = rec.ConsecutiveThrottles
	})
	return newVal, err
}

func (s *Store) ResetCounters(ctx context.Context, id int64, lastSuccess time.Time) error {
	return s.mutate(id, func(rec *storage.CredentialRecord) {
		rec.ConsecutiveAuthFailures = 0
		rec.ConsecutiveThrottles = 0
		rec.BlockDeadline = nil
		ls := lastSuccess.UTC()
		rec.LastSuccess = &ls
	})
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		data := creds.Get(idKey(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var rec storage.CredentialRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := creds.Delete(idKey(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFingerprints).Delete([]byte(rec.Fingerprint)); err != nil {
			return err
		}
		// cascade: delete this credential's daily statistics rows.
		stats := tx.Bucket(bucketStats)
		cursor := stats.Cursor()
		prefix := []byte(fmt.Sprintf("%d:", id))
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := stats.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
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
	var rec storage.DailyStatisticsRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(statsKey(credentialID, date))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetAllStatsForDate(ctx context.Context, date string) ([]*storage.DailyStatisticsRecord, error) {
	var out []*storage.DailyStatisticsRecord
	suffix := []byte(":" + date)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, v []byte) error {
			if !hasSuffix(k, suffix) {
				return nil
			}
			var rec storage.DailyStatisticsRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func hasSuffix(b, suffix []byte) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == string(suffix)
}

func (s *Store) upsertStats(credentialID int64, date string, fn func(rec *storage.DailyStatisticsRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stats := tx.Bucket(bucketStats)
		key := statsKey(credentialID, date)
		var rec storage.DailyStatisticsRecord
		if data := stats.Get(key); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		} else {
			rec = storage.DailyStatisticsRecord{CredentialID: credentialID, Date: date}
		}
		fn(&rec)
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return stats.Put(key, out)
	})
}

func (s *Store) IncrementCallCount(ctx context.Context, credentialID int64, date, subnet string) error {
	return s.upsertStats(credentialID, date, func(rec *storage.DailyStatisticsRecord) {
		rec.CallCount++
		if subnet != "" {
			rec.LastSubnet = subnet
		}
	})
}

func (s *Store) IncrementThrottleCount(ctx context.Context, credentialID int64, date string) error {
	return s.upsertStats(credentialID, date, func(rec *storage.DailyStatisticsRecord) {
		rec.ThrottleCount++
	})
}

func (s *Store) DeleteStatsOlderThan(ctx context.Context, cutoffDate string) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		stats := tx.Bucket(bucketStats)
		var toDelete [][]byte
		err := stats.ForEach(func(k, v []byte) error {
			var rec storage.DailyStatisticsRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Date < cutoffDate {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := stats.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("bolt database not initialized")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
