package balancer

import (
	"testing"

	"commune/internal/credential"
	"commune/internal/storage"
	"github.com/stretchr/testify/require"
)

func cred(id int64, fp string) *credential.Credential {
	return &credential.Credential{ID: id, Fingerprint: fp}
}

func TestSelectEmptyFails(t *testing.T) {
	b := New()
	_, err := b.Select(nil, nil, "")
	require.ErrorIs(t, err, ErrNoAvailable)
}

func TestSelectSingleReturnsIt(t *testing.T) {
	b := New()
	only := cred(1, "fp-1")
	got, err := b.Select([]*credential.Credential{only}, nil, "")
	require.NoError(t, err)
	require.Same(t, only, got)
}

func TestSelectPicksFewerThrottles(t *testing.T) {
	b := New()
	a, c := cred(1, "fp-1"), cred(2, "fp-2")
	stats := map[int64]*storage.DailyStatisticsRecord{
		1: {CredentialID: 1, ThrottleCount: 5},
		2: {CredentialID: 2, ThrottleCount: 1},
	}
	got, err := b.Select([]*credential.Credential{a, c}, stats, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ID)
}

func TestSelectTieBreaksToC1OverC2(t *testing.T) {
	b := New()
	a, c := cred(1, "fp-1"), cred(2, "fp-2")
	got, err := b.Select([]*credential.Credential{a, c}, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ID)
}

func TestSelectPresenterOnlyDisplacesOnStrictlyBetterStats(t *testing.T) {
	b := New()
	a, c, presenter := cred(1, "fp-1"), cred(2, "fp-2"), cred(3, "fp-presenter")
	pool := []*credential.Credential{a, c, presenter}
	stats := map[int64]*storage.DailyStatisticsRecord{
		1: {CredentialID: 1, ThrottleCount: 0, CallCount: 0},
		2: {CredentialID: 2, ThrottleCount: 0, CallCount: 0},
		3: {CredentialID: 3, ThrottleCount: 0, CallCount: 0},
	}
	// Equal stats across the board: presenter must not displace the
	// round-robin winner on a tie.
	got, err := b.Select(pool, stats, "fp-presenter")
	require.NoError(t, err)
	require.NotEqual(t, int64(3), got.ID)
}

func TestSelectPresenterDisplacesWithStrictlyBetterStats(t *testing.T) {
	b := New()
	a, c, presenter := cred(1, "fp-1"), cred(2, "fp-2"), cred(3, "fp-presenter")
	pool := []*credential.Credential{a, c, presenter}
	stats := map[int64]*storage.DailyStatisticsRecord{
		1: {CredentialID: 1, ThrottleCount: 2},
		2: {CredentialID: 2, ThrottleCount: 2},
		3: {CredentialID: 3, ThrottleCount: 0},
	}
	got, err := b.Select(pool, stats, "fp-presenter")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.ID)
}

func TestSelectMissingStatsDefaultToZero(t *testing.T) {
	b := New()
	a, c := cred(1, "fp-1"), cred(2, "fp-2")
	got, err := b.Select([]*credential.Credential{a, c}, map[int64]*storage.DailyStatisticsRecord{}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ID)
}
