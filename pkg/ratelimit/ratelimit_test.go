package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podup/podup/pkg/store"
)

func newTestLimiter(t *testing.T) (*Limiter, *store.Store) {
	t.Helper()
	s := store.Open("sqlite::memory:")
	require.True(t, s.Ready())
	t.Cleanup(func() { s.Close() })
	return NewLimiter(s), s
}

func tokenCount(t *testing.T, s *store.Store, scope, bucket string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().Get(&n,
		`SELECT COUNT(*) FROM rate_limit_tokens WHERE scope = ? AND bucket = ?`, scope, bucket))
	return n
}

func TestCheckInsertsUntilLimit(t *testing.T) {
	l, s := newTestLimiter(t)
	now := time.Now().UTC()
	windows := []Window{{Limit: 2, Length: 600 * time.Second}}

	require.NoError(t, l.Check(ScopeManual, BucketManualAutoUpdate, now, windows, true))
	require.NoError(t, l.Check(ScopeManual, BucketManualAutoUpdate, now.Add(time.Second), windows, true))

	err := l.Check(ScopeManual, BucketManualAutoUpdate, now.Add(2*time.Second), windows, true)
	require.Error(t, err)
	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Count1)
	assert.Equal(t, 600, ex.Window1)

	// the rejected attempt must not consume a token
	assert.Equal(t, 2, tokenCount(t, s, ScopeManual, BucketManualAutoUpdate))
}

func TestCheckSecondWindowBreach(t *testing.T) {
	l, s := newTestLimiter(t)
	now := time.Now().UTC()
	windows := []Window{
		{Limit: 100, Length: 600 * time.Second},
		{Limit: 3, Length: 18000 * time.Second},
	}

	// three old tokens, outside window 1 but inside window 2
	for i := 0; i < 3; i++ {
		_, err := s.DB().Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES (?, ?, ?)`,
			ScopeManual, BucketManualAutoUpdate, now.Add(-2*time.Hour).UnixMilli())
		require.NoError(t, err)
	}

	err := l.Check(ScopeManual, BucketManualAutoUpdate, now, windows, true)
	require.Error(t, err)
	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 0, ex.Count1)
	assert.Equal(t, 3, ex.Count2)
}

func TestCheckPrunesExpiredTokens(t *testing.T) {
	l, s := newTestLimiter(t)
	now := time.Now().UTC()
	windows := []Window{{Limit: 2, Length: 600 * time.Second}}

	// tokens older than the largest window are deleted by the check
	for i := 0; i < 5; i++ {
		_, err := s.DB().Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES (?, ?, ?)`,
			ScopeManual, BucketManualAutoUpdate, now.Add(-time.Hour).UnixMilli())
		require.NoError(t, err)
	}

	require.NoError(t, l.Check(ScopeManual, BucketManualAutoUpdate, now, windows, true))
	assert.Equal(t, 1, tokenCount(t, s, ScopeManual, BucketManualAutoUpdate))
}

func TestCheckOnlyMode(t *testing.T) {
	l, s := newTestLimiter(t)
	now := time.Now().UTC()

	require.NoError(t, l.Check(ScopeGithubImage, "ghcr.io_koha_svc-alpha_main", now, GithubImageWindows(), false))
	assert.Equal(t, 0, tokenCount(t, s, ScopeGithubImage, "ghcr.io_koha_svc-alpha_main"))
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	now := time.Now().UTC()
	windows := []Window{{Limit: 1, Length: 600 * time.Second}}

	require.NoError(t, l.Check(ScopeGithubImage, "image-a", now, windows, true))
	require.NoError(t, l.Check(ScopeGithubImage, "image-b", now, windows, true))
	assert.Error(t, l.Check(ScopeGithubImage, "image-a", now, windows, true))
}

func TestImageLockExclusion(t *testing.T) {
	_, s := newTestLimiter(t)
	locks := NewImageLocks(s)

	require.NoError(t, locks.Acquire("ghcr.io_koha_svc-alpha_main", time.Now))

	held, err := locks.List()
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "ghcr.io_koha_svc-alpha_main", held[0].Bucket)

	// second acquisition times out without a release
	start := time.Now()
	err = locks.Acquire("ghcr.io_koha_svc-alpha_main", time.Now)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)

	require.NoError(t, locks.Release("ghcr.io_koha_svc-alpha_main"))
	require.NoError(t, locks.Acquire("ghcr.io_koha_svc-alpha_main", time.Now))
	require.NoError(t, locks.Release("ghcr.io_koha_svc-alpha_main"))
}

func TestImageLockDistinctBuckets(t *testing.T) {
	_, s := newTestLimiter(t)
	locks := NewImageLocks(s)

	require.NoError(t, locks.Acquire("bucket-a", time.Now))
	require.NoError(t, locks.Acquire("bucket-b", time.Now))

	held, err := locks.List()
	require.NoError(t, err)
	assert.Len(t, held, 2)
}
