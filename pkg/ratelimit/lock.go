package ratelimit

import (
	"time"

	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

const (
	lockRetryBackoff = 50 * time.Millisecond
	lockAcquireMax   = 2 * time.Second
)

// ImageLocks serialises rollouts per sanitized image key through the
// image_locks table. The bucket's primary key gives at-most-one holder
// process-wide and host-wide.
type ImageLocks struct {
	store *store.Store
}

// NewImageLocks builds the lock manager over the shared store
func NewImageLocks(s *store.Store) *ImageLocks {
	return &ImageLocks{store: s}
}

// Acquire takes the bucket or retries with backoff until the bounded
// acquisition window runs out, then reports lock-timeout.
func (il *ImageLocks) Acquire(bucket string, now func() time.Time) error {
	if !il.store.Ready() {
		return types.NewKindError(types.ErrDBUnavailable, "image-lock acquire")
	}
	deadline := now().Add(lockAcquireMax)
	for {
		res, err := il.store.DB().Exec(
			`INSERT INTO image_locks (bucket, acquired_at) VALUES (?, ?)
			 ON CONFLICT (bucket) DO NOTHING`,
			bucket, now().UnixMilli(),
		)
		if err != nil {
			return types.WrapKind(types.ErrDBUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		if now().After(deadline) {
			return types.NewKindError(types.ErrLockTimeout, bucket)
		}
		time.Sleep(lockRetryBackoff)
	}
}

// Release drops the bucket. Holders must call it on every exit path.
func (il *ImageLocks) Release(bucket string) error {
	if !il.store.Ready() {
		return types.NewKindError(types.ErrDBUnavailable, "image-lock release")
	}
	_, err := il.store.DB().Exec(`DELETE FROM image_locks WHERE bucket = ?`, bucket)
	return err
}

// HeldLock is one currently held bucket
type HeldLock struct {
	Bucket     string    `json:"bucket"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// List returns all held locks
func (il *ImageLocks) List() ([]HeldLock, error) {
	if !il.store.Ready() {
		return nil, types.NewKindError(types.ErrDBUnavailable, "image-lock list")
	}
	type row struct {
		Bucket     string `db:"bucket"`
		AcquiredAt int64  `db:"acquired_at"`
	}
	var rows []row
	if err := il.store.DB().Select(&rows,
		`SELECT bucket, acquired_at FROM image_locks ORDER BY bucket`); err != nil {
		return nil, err
	}
	locks := make([]HeldLock, len(rows))
	for i, r := range rows {
		locks[i] = HeldLock{Bucket: r.Bucket, AcquiredAt: time.UnixMilli(r.AcquiredAt).UTC()}
	}
	return locks, nil
}
