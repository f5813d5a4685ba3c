package credential

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"commune/internal/storage"
)

// LifecycleConfig mirrors the blocking.* configuration options of spec §6.
type LifecycleConfig struct {
	PresentedKeyRateLimitSeconds int
	AuthFailureBlockMinutes      int
	AuthFailureDeleteThreshold   int
	ThrottleBackoffBaseMinutes   int
	ThrottleDeleteThreshold      int
	MaxKeys                      int
}

// OutcomeAction is the coarse result HandleResponse reports for logging.
type OutcomeAction string

const (
	ActionSuccess OutcomeAction = "success"
	ActionBlocked OutcomeAction = "blocked"
	ActionDeleted OutcomeAction = "deleted"
	ActionProxied OutcomeAction = "proxied"
)

// Outcome is the structured result of HandleResponse (spec §4.4): the
// pipeline logs it, but correctness never depends on inspecting it.
type Outcome struct {
	Action  OutcomeAction
	Message string
}

// LifecycleManager applies the state machine of spec §4.4 to upstream
// response codes, and owns the presenter rate-limit gate and auto-enrollment
// policy.
type LifecycleManager struct {
	store   *Store
	cfg     LifecycleConfig
	limiter *RateLimiter
}

// NewLifecycleManager builds a manager over store with cfg's thresholds.
func NewLifecycleManager(store *Store, cfg LifecycleConfig) *LifecycleManager {
	interval := time.Duration(cfg.PresentedKeyRateLimitSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return &LifecycleManager{
		store:   store,
		cfg:     cfg,
		limiter: NewRateLimiter(interval, cfg.MaxKeys),
	}
}

// CheckPresenterRateLimit enforces the per-presenter admission gate (spec
// §4.4): denies with a wait hint if the presenter was admitted less than R
// seconds ago.
func (m *LifecycleManager) CheckPresenterRateLimit(fingerprint string) (allow bool, waitSeconds int) {
	return m.limiter.Check(fingerprint)
}

// Subnet implements spec §4.4's privacy-limited client attribution: IPv4
// addresses are truncated to their /24; anything else passes through
// unchanged.
func Subnet(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

// HandleResponse applies the state machine table of spec §4.4 to an
// upstream status code against credential cred, which may be pool-resident
// (cred.ID >= 0) or transient (cred.ID == TransientID).
func (m *LifecycleManager) HandleResponse(ctx context.Context, cred *Credential, status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return m.handleSuccess(ctx, cred)
	case status == http.StatusUnauthorized:
		return m.handleAuthFailure(ctx, cred)
	case status == http.StatusTooManyRequests:
		return m.handleThrottle(ctx, cred)
	default:
		return Outcome{Action: ActionProxied, Message: "no lifecycle state change"}, nil
	}
}

func (m *LifecycleManager) handleSuccess(ctx context.Context, cred *Credential) (Outcome, error) {
	if cred.IsTransient() {
		_, enrolled, err := m.store.CreateIfUnderCap(ctx, cred.Material)
		if err != nil {
			return Outcome{}, err
		}
		if enrolled {
			return Outcome{Action: ActionSuccess, Message: "auto-enrolled new credential"}, nil
		}
		return Outcome{Action: ActionProxied, Message: "proxied, not enrolled: pool at capacity"}, nil
	}
	if err := m.store.ResetCounters(ctx, cred.ID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionSuccess, Message: "counters reset, block cleared"}, nil
}

func (m *LifecycleManager) handleAuthFailure(ctx context.Context, cred *Credential) (Outcome, error) {
	if cred.IsTransient() {
		return Outcome{Action: ActionProxied, Message: "transient credential, 401 untracked"}, nil
	}
	unlock := m.store.LockCredential(cred.ID)
	defer unlock()
	n, err := m.store.IncrementAuthFailures(ctx, cred.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Action: ActionDeleted, Message: "already deleted by a concurrent auth failure"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if n >= m.cfg.AuthFailureDeleteThreshold {
		if err := m.store.Delete(ctx, cred.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionDeleted, Message: fmt.Sprintf("deleted after %d consecutive auth failures", n)}, nil
	}
	deadline := time.Now().Add(time.Duration(m.cfg.AuthFailureBlockMinutes) * time.Minute)
	if err := m.store.SetBlockDeadline(ctx, cred.ID, &deadline); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionBlocked, Message: fmt.Sprintf("blocked until %s after auth failure %d", deadline.Format(time.RFC3339), n)}, nil
}

func (m *LifecycleManager) handleThrottle(ctx context.Context, cred *Credential) (Outcome, error) {
	if cred.IsTransient() {
		return Outcome{Action: ActionProxied, Message: "transient credential, 429 untracked"}, nil
	}
	unlock := m.store.LockCredential(cred.ID)
	defer unlock()
	n, err := m.store.IncrementThrottles(ctx, cred.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Action: ActionDeleted, Message: "already deleted by a concurrent throttle"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := m.store.IncrementThrottleCount(ctx, cred.ID); err != nil {
		return Outcome{}, err
	}
	if n >= m.cfg.ThrottleDeleteThreshold {
		if err := m.store.Delete(ctx, cred.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionDeleted, Message: fmt.Sprintf("deleted after %d consecutive throttles", n)}, nil
	}
	backoff := backoffMinutes(n, m.cfg.ThrottleBackoffBaseMinutes)
	deadline := time.Now().Add(time.Duration(backoff * float64(time.Minute)))
	if err := m.store.SetBlockDeadline(ctx, cred.ID, &deadline); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionBlocked, Message: fmt.Sprintf("blocked until %s after throttle %d", deadline.Format(time.RFC3339), n)}, nil
}

// backoffMinutes computes 2^(n-1) * base, the backoff formula of §4.4/glossary.
func backoffMinutes(n int, base int) float64 {
	return math.Pow(2, float64(n-1)) * float64(base)
}
