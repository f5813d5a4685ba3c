// Package postgres is the relational Credential/Statistics Store option,
// grounded on the teacher's internal/storage/postgres_backend.go and
// internal/storage/postgres/postgres_storage.go: database/sql + lib/pq,
// tuned connection pool, context-bounded queries, and an ON CONFLICT
// upsert idiom for the statistics table's (credential_id, date) unique key.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commune/internal/storage"
	_ "github.com/lib/pq"
)

// Store implements storage.Backend against a Postgres database. Schema is
// applied separately via internal/migrations.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and tunes the pool the way the teacher does
// (25 open / 5 idle / 5-minute max lifetime).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{db: db}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

func (s *Store) Create(ctx context.Context, fingerprint, encryptedMaterial, display string) (*storage.CredentialRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	rec := &storage.CredentialRecord{
		Fingerprint:       fingerprint,
		EncryptedMaterial: encryptedMaterial,
		Display:           display,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credentials (fingerprint, encrypted_material, display, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		fingerprint, encryptedMaterial, display, now, now,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicate
		}
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "duplicate key", "unique constraint"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

const credentialColumns = `id, fingerprint, encrypted_material, display, block_deadline,
	consecutive_auth_failures, consecutive_throttles, last_success, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*storage.CredentialRecord, error) {
	var rec storage.CredentialRecord
	var blockDeadline, lastSuccess sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.EncryptedMaterial, &rec.Display,
		&blockDeadline, &rec.ConsecutiveAuthFailures, &rec.ConsecutiveThrottles,
		&lastSuccess, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if blockDeadline.Valid {
		t := blockDeadline.Time
		rec.BlockDeadline = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		rec.LastSuccess = &t
	}
	return &rec, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.CredentialRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*storage.CredentialRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE fingerprint = $1`, fingerprint)
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) queryAll(ctx context.Context, query string, args ...any) ([]*storage.CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.CredentialRecord
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) FindAllAvailable(ctx context.Context, now time.Time) ([]*storage.CredentialRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.queryAll(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE block_deadline IS NULL OR block_deadline <= $1`, now.UTC())
}

func (s *Store) FindAll(ctx context.Context) ([]*storage.CredentialRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.queryAll(ctx, `SELECT `+credentialColumns+` FROM credentials`)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM credentials`).Scan(&n)
	return n, err
}

func (s *Store) SetBlockDeadline(ctx context.Context, id int64, deadline *time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET block_deadline = $1, updated_at = now() WHERE id = $2`, deadline, id)
	return err
}

func (s *Store) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `UPDATE credentials SET consecutive_auth_failures = consecutive_auth_failures + 1, updated_at = now()
		WHERE id = $1 RETURNING consecutive_auth_failures`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return n, err
}

func (s *Store) IncrementThrottles(ctx context.Context, id int64) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `UPDATE credentials SET consecutive_throttles = consecutive_throttles + 1, updated_at = now()
		WHERE id = $1 RETURNING consecutive_throttles`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return n, err
}

func (s *Store) ResetCounters(ctx context.Context, id int64, lastSuccess time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET consecutive_auth_failures = 0, consecutive_throttles = 0,
		block_deadline = NULL, last_success = $1, updated_at = now() WHERE id = $2`, lastSuccess.UTC(), id)
	return err
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_statistics WHERE credential_id = $1`, id); err != nil {
		return fmt.Errorf("cascade delete statistics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return tx.Commit()
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var rec storage.DailyStatisticsRecord
	err := s.db.QueryRowContext(ctx, `SELECT credential_id, date, call_count, throttle_count, last_subnet
		FROM daily_statistics WHERE credential_id = $1 AND date = $2`, credentialID, date,
	).Scan(&rec.CredentialID, &rec.Date, &rec.CallCount, &rec.ThrottleCount, &rec.LastSubnet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return &rec, err
}

func (s *Store) GetAllStatsForDate(ctx context.Context, date string) ([]*storage.DailyStatisticsRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT credential_id, date, call_count, throttle_count, last_subnet
		FROM daily_statistics WHERE date = $1`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.DailyStatisticsRecord
	for rows.Next() {
		var rec storage.DailyStatisticsRecord
		if err := rows.Scan(&rec.CredentialID, &rec.Date, &rec.CallCount, &rec.ThrottleCount, &rec.LastSubnet); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) IncrementCallCount(ctx context.Context, credentialID int64, date, subnet string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_statistics (credential_id, date, call_count, throttle_count, last_subnet)
		VALUES ($1, $2, 1, 0, $3)
		ON CONFLICT (credential_id, date) DO UPDATE SET
			call_count = daily_statistics.call_count + 1,
			last_subnet = EXCLUDED.last_subnet`,
		credentialID, date, subnet)
	return err
}

func (s *Store) IncrementThrottleCount(ctx context.Context, credentialID int64, date string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_statistics (credential_id, date, call_count, throttle_count, last_subnet)
		VALUES ($1, $2, 0, 1, '')
		ON CONFLICT (credential_id, date) DO UPDATE SET
			throttle_count = daily_statistics.throttle_count + 1`,
		credentialID, date)
	return err
}

func (s *Store) DeleteStatsOlderThan(ctx context.Context, cutoffDate string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_statistics WHERE date < $1`, cutoffDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for internal/migrations.
func (s *Store) DB() *sql.DB { return s.db }
