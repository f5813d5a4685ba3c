// Package balancer implements the Load Balancer (spec §4.5): a stateless
// power-of-two-choices selector over the Hot Cache's already-shuffled
// snapshot, with a deliberate tie bias toward non-presenter keys. Grounded
// on the teacher's credential manager selection logic (manager_selection.go),
// which layered a similar advancing-counter candidate scheme over a shuffled
// slice; reworked here around the spec's exact tie-break rule.
package balancer

import (
	"errors"
	"sync/atomic"

	"commune/internal/credential"
	"commune/internal/storage"
)

// ErrNoAvailable is returned when the candidate sequence is empty.
var ErrNoAvailable = errors.New("balancer: no available credentials")

// Balancer holds the only state the selector needs: an advancing counter
// used to pick round-robin candidate positions within the caller-supplied
// sequence. It is safe for concurrent use.
type Balancer struct {
	counter uint64
}

// New returns a ready Balancer.
func New() *Balancer { return &Balancer{} }

// Select implements select(available, stats, presenterFingerprint) of spec
// §4.5. stats may omit entries; missing entries default to zero throttles
// and zero calls.
func (b *Balancer) Select(available []*credential.Credential, stats map[int64]*storage.DailyStatisticsRecord, presenterFingerprint string) (*credential.Credential, error) {
	n := len(available)
	if n == 0 {
		return nil, ErrNoAvailable
	}
	if n == 1 {
		return available[0], nil
	}

	base := atomic.AddUint64(&b.counter, 2) - 2
	i1 := int(base % uint64(n))
	i2 := int((base + 1) % uint64(n))
	c1, c2 := available[i1], available[i2]

	winner := c1
	if better(statsFor(c2, stats), statsFor(winner, stats)) {
		winner = c2
	}

	if presenterFingerprint != "" {
		for _, c := range available {
			if c.Fingerprint == presenterFingerprint {
				if c.ID != winner.ID && better(statsFor(c, stats), statsFor(winner, stats)) {
					winner = c
				}
				break
			}
		}
	}

	return winner, nil
}

func statsFor(c *credential.Credential, stats map[int64]*storage.DailyStatisticsRecord) *storage.DailyStatisticsRecord {
	if s, ok := stats[c.ID]; ok {
		return s
	}
	return &storage.DailyStatisticsRecord{CredentialID: c.ID}
}

// better reports whether candidate strictly beats current: fewer throttles
// wins, then fewer calls; ties favor current (the non-challenger), matching
// the spec's "priority on ties is C1 > C2 > presenter" rule applied
// generically to whichever pair is being compared.
func better(candidate, current *storage.DailyStatisticsRecord) bool {
	if candidate.ThrottleCount != current.ThrottleCount {
		return candidate.ThrottleCount < current.ThrottleCount
	}
	return candidate.CallCount < current.CallCount
}
