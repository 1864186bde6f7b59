// Package lock serializes file mutation across agents with exclusive,
// TTL-bounded advisory locks. Acquisition is a single atomic backend
// operation; the TTL guarantees orphaned locks disappear when a holder
// crashes without releasing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentcoord/agentcoord/pkg/audit"
	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// DefaultTTL bounds a lock's lifetime when the caller does not choose one.
const DefaultTTL = 600 * time.Second

// Handle identifies one acquired lock. The LockID is the proof of
// ownership: release and extension are refused when the stored id no longer
// matches (the TTL expired and another agent acquired the path).
type Handle struct {
	Path   string
	LockID string
}

// Manager provides lock operations over the shared backend. The audit log
// is optional; when present, acquisition conflicts are recorded.
type Manager struct {
	b          backend.Backend
	auditLog   *audit.Log
	defaultTTL time.Duration
}

// New creates a lock manager. auditLog may be nil. A non-positive ttl
// selects the default.
func New(b backend.Backend, auditLog *audit.Log, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{b: b, auditLog: auditLog, defaultTTL: defaultTTL}
}

// Lock atomically acquires the lock for path iff no live lock exists.
// It does not queue: a held lock fails immediately with ErrLockBusy and the
// caller chooses whether to retry.
func (m *Manager) Lock(ctx context.Context, path, agentID, intent string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	canonical := coord.CanonicalPath(path)
	key := coord.LockKey(canonical)
	now := time.Now()

	lock := &coord.FileLock{
		Path:       canonical,
		Holder:     agentID,
		Intent:     intent,
		LockID:     coord.NewID(),
		AcquiredAt: coord.FormatTime(now),
		ExpiresAt:  coord.FormatTime(now.Add(ttl)),
	}

	var holder string
	err := m.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		existing, err := tx.HGetAll(key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			current := coord.HashToFileLock(existing)
			if !current.Expired(now) {
				holder = current.Holder
				return fmt.Errorf("%w: %s held by %s (%s) until %s",
					coord.ErrLockBusy, canonical, current.Holder, current.Intent, current.ExpiresAt)
			}
			// Expired lock: reap it by overwriting.
		}
		tx.HSet(key, coord.FileLockToHash(lock))
		tx.Expire(key, ttl)
		tx.SAdd(coord.LocksIndexKey, canonical)
		return nil
	})
	if err != nil {
		if errors.Is(err, coord.ErrLockBusy) && m.auditLog != nil {
			m.auditLog.Record(ctx, agentID, audit.KindLockDenied, canonical,
				fmt.Sprintf("lock held by %s", holder))
		}
		return Handle{}, err
	}
	return Handle{Path: canonical, LockID: lock.LockID}, nil
}

// Extend pushes the lock's expiry out by additional. Fails with
// ErrLockStolen if the stored lock id no longer matches the handle.
func (m *Manager) Extend(ctx context.Context, h Handle, additional time.Duration) error {
	key := coord.LockKey(h.Path)
	now := time.Now()

	return m.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		existing, err := tx.HGetAll(key)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: no lock on %s", coord.ErrLockStolen, h.Path)
		}
		current := coord.HashToFileLock(existing)
		if current.LockID != h.LockID || current.Expired(now) {
			return fmt.Errorf("%w: lock on %s", coord.ErrLockStolen, h.Path)
		}
		exp, err := coord.ParseTime(current.ExpiresAt)
		if err != nil {
			exp = now
		}
		newExpiry := exp.Add(additional)
		tx.HSet(key, map[string]string{"expires_at": coord.FormatTime(newExpiry)})
		tx.Expire(key, newExpiry.Sub(now))
		return nil
	})
}

// Release releases the lock. Best-effort: an already-expired or vanished
// lock releases cleanly; a lock since acquired by someone else is left
// alone and reported as ErrLockStolen.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	key := coord.LockKey(h.Path)

	return m.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		existing, err := tx.HGetAll(key)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return nil
		}
		current := coord.HashToFileLock(existing)
		if current.LockID != h.LockID {
			if current.Expired(time.Now()) {
				return nil
			}
			return fmt.Errorf("%w: lock on %s now held by %s", coord.ErrLockStolen, h.Path, current.Holder)
		}
		tx.Del(key)
		tx.SRem(coord.LocksIndexKey, h.Path)
		return nil
	})
}

// List returns all live locks. Expired entries are skipped and reaped from
// the index.
func (m *Manager) List(ctx context.Context) ([]coord.FileLock, error) {
	paths, err := m.b.SMembers(ctx, coord.LocksIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	now := time.Now()
	out := []coord.FileLock{}
	for _, path := range paths {
		hash, err := m.b.HGetAll(ctx, coord.LockKey(path))
		if err != nil {
			return nil, err
		}
		if len(hash) == 0 {
			m.b.SRem(ctx, coord.LocksIndexKey, path)
			continue
		}
		lock := coord.HashToFileLock(hash)
		if lock.Expired(now) {
			m.b.Del(ctx, coord.LockKey(path))
			m.b.SRem(ctx, coord.LocksIndexKey, path)
			continue
		}
		out = append(out, *lock)
	}
	return out, nil
}

// WithLock is the canonical scoped usage: acquire on entry with the default
// TTL, run fn, release on every exit path including panics.
func (m *Manager) WithLock(ctx context.Context, path, agentID, intent string, fn func() error) error {
	h, err := m.Lock(ctx, path, agentID, intent, 0)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), h)
	return fn()
}

// LockWithRetry keeps attempting acquisition with capped exponential
// backoff (starting at 50ms, growing by the backoff library's default
// factor with jitter, interval capped at 2s) until it succeeds or the timeout elapses,
// in which case it fails with ErrTimeout. No state is reserved on timeout.
func (m *Manager) LockWithRetry(ctx context.Context, path, agentID, intent string, ttl, timeout time.Duration) (Handle, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = timeout

	var h Handle
	op := func() error {
		var err error
		h, err = m.Lock(ctx, path, agentID, intent, ttl)
		if err != nil && !errors.Is(err, coord.ErrLockBusy) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, coord.ErrLockBusy) || errors.Is(err, context.DeadlineExceeded) {
			return Handle{}, fmt.Errorf("%w: could not acquire %s within %s", coord.ErrTimeout, path, timeout)
		}
		return Handle{}, err
	}
	return h, nil
}
