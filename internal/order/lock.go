package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const lockTokenBytes = 16

// NewLockToken returns 128 random bits, hex encoded.
func NewLockToken() (string, error) {
	b := make([]byte, lockTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock: failed to read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// LockManager hands out per-order leases. A lease older than maxHold is
// considered abandoned and may be taken over.
type LockManager struct {
	store   Store
	maxHold time.Duration
	now     func() time.Time
}

// DefaultLockMaxHold applies when no positive lease length is configured.
const DefaultLockMaxHold = 5 * time.Minute

func NewLockManager(store Store, maxHold time.Duration, now func() time.Time) *LockManager {
	if now == nil {
		now = time.Now
	}
	if maxHold <= 0 {
		maxHold = DefaultLockMaxHold
	}
	return &LockManager{store: store, maxHold: maxHold, now: now}
}

func (m *LockManager) newLock() (Lock, error) {
	token, err := NewLockToken()
	if err != nil {
		return Lock{}, err
	}
	return Lock{Token: token, AcquiredAt: m.now()}, nil
}

func (m *LockManager) staleBefore() time.Time {
	return m.now().Add(-m.maxHold)
}

// Acquire locks the order if it exists, is not held and matches f. Any
// miss is reported as ErrOrderNotFound.
func (m *LockManager) Acquire(ctx context.Context, id string, f Filter) (*Order, error) {
	lock, err := m.newLock()
	if err != nil {
		return nil, err
	}
	return m.store.Acquire(ctx, id, lock, m.staleBefore(), f)
}

// AcquireMany locks every free order matching f under a single token.
func (m *LockManager) AcquireMany(ctx context.Context, f Filter) (string, int64, error) {
	lock, err := m.newLock()
	if err != nil {
		return "", 0, err
	}
	n, err := m.store.BulkAcquire(ctx, lock, m.staleBefore(), f)
	if err != nil {
		return "", 0, err
	}
	return lock.Token, n, nil
}

func (m *LockManager) Release(ctx context.Context, o *Order) error {
	return m.store.Release(ctx, o)
}

// Renew extends the lease on o. It fails with ErrLockLost once another
// holder has taken the order over.
func (m *LockManager) Renew(ctx context.Context, o *Order) error {
	if o.Lock == nil {
		return ErrLockLost
	}
	at := m.now()
	if err := m.store.Renew(ctx, o.ID, o.Lock.Token, at); err != nil {
		return err
	}
	o.Lock.AcquiredAt = at
	return nil
}

func (m *LockManager) ReleaseStale(ctx context.Context) ([]string, error) {
	return m.store.ReleaseStale(ctx, m.staleBefore())
}
