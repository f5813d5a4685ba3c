package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/storage"
)

// MutationKind distinguishes the write-through events the Hot Cache
// subscribes to, per the publisher/subscriber design note in spec §9.
type MutationKind string

const (
	MutationCreated   MutationKind = "created"
	MutationBlocked   MutationKind = "blocked"
	MutationUnblocked MutationKind = "unblocked"
	MutationDeleted   MutationKind = "deleted"
	MutationCountersChanged MutationKind = "counters_changed"
)

// Mutation is the payload published on events.TopicCredentialChanged.
type Mutation struct {
	Kind       MutationKind
	Credential *Credential
}

// Store is the Credential Store (spec §4.1): durable storage of Credential
// Records with synchronous, process-wide single-writer semantics, fronted
// by internal/storage.Backend and reporting every mutation to an event hub
// so the Hot Cache can write through without the Store owning the cache
// (the cyclic-ownership design note in spec §9 — grounded on the teacher's
// internal/events.Hub pub/sub, reused verbatim here).
type Store struct {
	backend Backend
	box     *encryption.Box
	hub     *events.Hub
	maxKeys int

	// createMu fuses the "pool size < max" check with the insert for
	// auto-enrollment, satisfying the atomicity requirement in spec §5
	// ("two concurrent 2xx responses ... must not both succeed").
	createMu sync.Mutex

	// idLocks serializes each credential's compound counter-increment +
	// threshold-check + block/delete sequence (spec §5), so two concurrent
	// same-id failures can't interleave and have the loser act on an
	// already-deleted record.
	idLocks sync.Map // map[int64]*sync.Mutex
}

// LockCredential serializes compound read-check-write sequences against a
// single credential id. Callers must invoke the returned func to unlock.
func (s *Store) LockCredential(id int64) func() {
	v, _ := s.idLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Backend is an alias of the full storage.Backend interface that the
// credential Store drives.
type Backend = storage.Backend

// NewStore builds a Store over backend, encrypting/decrypting material
// with box and publishing mutations on hub.
func NewStore(backend Backend, box *encryption.Box, hub *events.Hub, maxKeys int) *Store {
	if maxKeys <= 0 {
		maxKeys = 500
	}
	return &Store{backend: backend, box: box, hub: hub, maxKeys: maxKeys}
}

func (s *Store) publish(ctx context.Context, kind MutationKind, cred *Credential) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ctx, events.TopicCredentialChanged, Mutation{Kind: kind, Credential: cred}, nil)
}

func (s *Store) decrypt(rec *storage.CredentialRecord) (*Credential, error) {
	material, err := s.box.Open(rec.EncryptedMaterial)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %d: %w", rec.ID, err)
	}
	return fromRecord(rec, material), nil
}

// Transient builds the unpersisted in-memory representation of a presented
// credential not found in the store.
func Transient(raw string) *Credential { return transient(raw) }

// Create inserts a new record, encrypting material, and publishes
// MutationCreated. Returns storage.ErrDuplicate if the fingerprint exists.
func (s *Store) Create(ctx context.Context, raw string) (*Credential, error) {
	fp := Fingerprint(raw)
	encMaterial, err := s.box.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	rec, err := s.backend.Create(ctx, fp, encMaterial, Display(raw))
	if err != nil {
		return nil, err
	}
	cred := fromRecord(rec, raw)
	s.publish(ctx, MutationCreated, cred)
	return cred, nil
}

// CreateIfUnderCap is the fused "count < max then create" auto-enrollment
// primitive (spec §4.4, §5). ok is false if the pool was already at
// capacity; no record is created in that case.
func (s *Store) CreateIfUnderCap(ctx context.Context, raw string) (cred *Credential, ok bool, err error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	n, err := s.backend.Count(ctx)
	if err != nil {
		return nil, false, err
	}
	if n >= s.maxKeys {
		return nil, false, nil
	}
	cred, err = s.Create(ctx, raw)
	if err != nil {
		return nil, false, err
	}
	return cred, true, nil
}

// FindByID returns the credential with id, decrypted.
func (s *Store) FindByID(ctx context.Context, id int64) (*Credential, error) {
	rec, err := s.backend.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decrypt(rec)
}

// FindByFingerprint looks up by the caller's presented fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*Credential, error) {
	rec, err := s.backend.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return s.decrypt(rec)
}

// FindAllAvailable returns every record not currently blocked, decrypted.
func (s *Store) FindAllAvailable(ctx context.Context, now time.Time) ([]*Credential, error) {
	recs, err := s.backend.FindAllAvailable(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(recs))
	for _, rec := range recs {
		cred, err := s.decrypt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

// Count returns the current pool size.
func (s *Store) Count(ctx context.Context) (int, error) { return s.backend.Count(ctx) }

// FindAll returns every persisted credential, decrypted, for the status
// page and periodic gauge updates; not on any request hot path.
func (s *Store) FindAll(ctx context.Context) ([]*Credential, error) {
	recs, err := s.backend.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(recs))
	for _, rec := range recs {
		cred, err := s.decrypt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

// BlockedCount returns the number of currently-blocked credentials.
func (s *Store) BlockedCount(ctx context.Context) (int, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	n := 0
	for _, cred := range all {
		if cred.IsBlocked(now) {
			n++
		}
	}
	return n, nil
}

// SetBlockDeadline sets or clears id's block deadline and publishes the
// corresponding eager write-through event.
func (s *Store) SetBlockDeadline(ctx context.Context, id int64, deadline *time.Time) error {
	if err := s.backend.SetBlockDeadline(ctx, id, deadline); err != nil {
		return err
	}
	cred, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	kind := MutationUnblocked
	if deadline != nil {
		kind = MutationBlocked
	}
	s.publish(ctx, kind, cred)
	return nil
}

// IncrementAuthFailures increments and returns the new counter value.
func (s *Store) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	n, err := s.backend.IncrementAuthFailures(ctx, id)
	if err != nil {
		return 0, err
	}
	if cred, cerr := s.FindByID(ctx, id); cerr == nil {
		s.publish(ctx, MutationCountersChanged, cred)
	}
	return n, nil
}

// IncrementThrottles increments and returns the new counter value.
func (s *Store) IncrementThrottles(ctx context.Context, id int64) (int, error) {
	n, err := s.backend.IncrementThrottles(ctx, id)
	if err != nil {
		return 0, err
	}
	if cred, cerr := s.FindByID(ctx, id); cerr == nil {
		s.publish(ctx, MutationCountersChanged, cred)
	}
	return n, nil
}

// ResetCounters zeroes both counters, clears the block deadline, and
// stamps last success — then publishes MutationUnblocked (counters and
// availability both changed favorably).
func (s *Store) ResetCounters(ctx context.Context, id int64) error {
	if err := s.backend.ResetCounters(ctx, id, time.Now()); err != nil {
		return err
	}
	cred, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	s.publish(ctx, MutationUnblocked, cred)
	return nil
}

// Delete removes id eagerly and publishes MutationDeleted.
func (s *Store) Delete(ctx context.Context, id int64) error {
	cred, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, MutationDeleted, cred)
	return nil
}

// IncrementCallCount records a call against today's statistics.
func (s *Store) IncrementCallCount(ctx context.Context, id int64, subnet string) error {
	return s.backend.IncrementCallCount(ctx, id, storage.CivilDate(time.Now()), subnet)
}

// IncrementThrottleCount records a 429 against today's statistics.
func (s *Store) IncrementThrottleCount(ctx context.Context, id int64) error {
	return s.backend.IncrementThrottleCount(ctx, id, storage.CivilDate(time.Now()))
}
