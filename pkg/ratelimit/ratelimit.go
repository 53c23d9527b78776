package ratelimit

import (
	"fmt"
	"time"

	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// Window is one (limit, duration) pair of a sliding-window policy
type Window struct {
	Limit  int
	Length time.Duration
}

// Built-in scopes
const (
	ScopeManual      = "manual"
	ScopeGithubImage = "github-image"

	// BucketManualAutoUpdate is the bucket for /auto-update requests
	BucketManualAutoUpdate = "manual-auto-update"
)

// ManualWindows is the default two-window manual policy: a short burst
// window and a long sustained window.
func ManualWindows() []Window {
	return []Window{
		{Limit: 2, Length: 600 * time.Second},
		{Limit: 10, Length: 18000 * time.Second},
	}
}

// GithubImageWindows is the single-window per-image webhook policy
func GithubImageWindows() []Window {
	return []Window{{Limit: 60, Length: 3600 * time.Second}}
}

// ExceededError reports a breached window with the first two windows'
// observed counts, for the 429 response body.
type ExceededError struct {
	Scope   string `json:"scope"`
	Bucket  string `json:"bucket"`
	Count1  int    `json:"count1"`
	Count2  int    `json:"count2,omitempty"`
	Window1 int    `json:"window1_secs"`
	Window2 int    `json:"window2_secs,omitempty"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate-limit: %s/%s count=%d window=%ds", e.Scope, e.Bucket, e.Count1, e.Window1)
}

// Limiter runs sliding-window checks against rate_limit_tokens
type Limiter struct {
	store *store.Store
}

// NewLimiter builds a limiter over the shared store
func NewLimiter(s *store.Store) *Limiter {
	return &Limiter{store: s}
}

// Check runs one sliding-window decision in a single transaction:
// prune tokens older than the largest window, count per window, reject
// on any breach, otherwise optionally record the new token. The insert
// is part of the same transaction, so decisions are linearised.
func (l *Limiter) Check(scope, bucket string, now time.Time, windows []Window, insertOnSuccess bool) error {
	if !l.store.Ready() {
		return types.NewKindError(types.ErrDBUnavailable, "rate-limit check")
	}
	if len(windows) == 0 {
		return nil
	}

	tx, err := l.store.DB().Beginx()
	if err != nil {
		return types.WrapKind(types.ErrDBUnavailable, err)
	}
	defer tx.Rollback()

	largest := windows[0].Length
	for _, w := range windows[1:] {
		if w.Length > largest {
			largest = w.Length
		}
	}
	if _, err := tx.Exec(
		`DELETE FROM rate_limit_tokens WHERE scope = ? AND bucket = ? AND ts < ?`,
		scope, bucket, now.Add(-largest).UnixMilli(),
	); err != nil {
		return types.WrapKind(types.ErrDBUnavailable, err)
	}

	counts := make([]int, len(windows))
	for i, w := range windows {
		if err := tx.Get(&counts[i],
			`SELECT COUNT(*) FROM rate_limit_tokens WHERE scope = ? AND bucket = ? AND ts >= ?`,
			scope, bucket, now.Add(-w.Length).UnixMilli(),
		); err != nil {
			return types.WrapKind(types.ErrDBUnavailable, err)
		}
	}

	for i := range windows {
		if counts[i] >= windows[i].Limit {
			exceeded := &ExceededError{
				Scope: scope, Bucket: bucket,
				Count1: counts[0], Window1: int(windows[0].Length.Seconds()),
			}
			if len(windows) > 1 {
				exceeded.Count2 = counts[1]
				exceeded.Window2 = int(windows[1].Length.Seconds())
			}
			return exceeded
		}
	}

	if insertOnSuccess {
		if _, err := tx.Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES (?, ?, ?)`,
			scope, bucket, now.UnixMilli(),
		); err != nil {
			return types.WrapKind(types.ErrDBUnavailable, err)
		}
	}
	return tx.Commit()
}
