package order_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

func TestNewLockToken(t *testing.T) {
	a, err := order.NewLockToken()
	require.NoError(t, err)
	b, err := order.NewLockToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestLockManager_MutualExclusion(t *testing.T) {
	store := newMemStore(seededOrder("o-1", order.StatusOpen, order.FulfillmentProposed))
	m := order.NewLockManager(store, time.Minute, nil)

	const workers = 16
	var won atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "o-1", order.Filter{}); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
}

func TestLockManager_AcquireRelease(t *testing.T) {
	now := baseNow
	store := newMemStore(seededOrder("o-1", order.StatusOpen, order.FulfillmentProposed))
	m := order.NewLockManager(store, 5*time.Minute, func() time.Time { return now })
	ctx := context.Background()

	t.Run("filter_mismatch_is_not_found", func(t *testing.T) {
		_, err := m.Acquire(ctx, "o-1", order.Filter{StatusIn: []order.Status{order.StatusConfirmed}})
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
		assert.Nil(t, store.get("o-1").Lock)
	})

	t.Run("held_lock_blocks_then_release_frees", func(t *testing.T) {
		o, err := m.Acquire(ctx, "o-1", order.Filter{})
		require.NoError(t, err)
		require.NotNil(t, o.Lock)

		_, err = m.Acquire(ctx, "o-1", order.Filter{})
		assert.ErrorIs(t, err, order.ErrOrderNotFound)

		o.SpecialInstructions = "no onions"
		require.NoError(t, m.Release(ctx, o))

		stored := store.get("o-1")
		assert.Nil(t, stored.Lock)
		assert.Equal(t, "no onions", stored.SpecialInstructions)
	})

	t.Run("stale_lock_is_taken_over", func(t *testing.T) {
		first, err := m.Acquire(ctx, "o-1", order.Filter{})
		require.NoError(t, err)

		now = now.Add(6 * time.Minute)
		second, err := m.Acquire(ctx, "o-1", order.Filter{})
		require.NoError(t, err)
		assert.NotEqual(t, first.Lock.Token, second.Lock.Token)

		// The original holder lost the lease and must not overwrite.
		first.SpecialInstructions = "stale write"
		assert.ErrorIs(t, m.Release(ctx, first), order.ErrLockLost)
		require.NoError(t, m.Release(ctx, second))
		assert.NotEqual(t, "stale write", store.get("o-1").SpecialInstructions)
	})

	t.Run("release_stale_reports_ids", func(t *testing.T) {
		_, err := m.Acquire(ctx, "o-1", order.Filter{})
		require.NoError(t, err)

		ids, err := m.ReleaseStale(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)

		now = now.Add(10 * time.Minute)
		ids, err = m.ReleaseStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"o-1"}, ids)
		assert.Nil(t, store.get("o-1").Lock)
	})
}

func TestLockManager_AcquireMany(t *testing.T) {
	due := seededOrder("due", order.StatusConfirmed, order.FulfillmentProposed)
	open := seededOrder("open", order.StatusOpen, order.FulfillmentProposed)
	held := seededOrder("held", order.StatusConfirmed, order.FulfillmentProposed)
	held.Lock = &order.Lock{Token: "other", AcquiredAt: baseNow}

	store := newMemStore(due, open, held)
	m := order.NewLockManager(store, 5*time.Minute, func() time.Time { return baseNow })

	token, n, err := m.AcquireMany(context.Background(), order.Filter{StatusIn: []order.Status{order.StatusConfirmed}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	locked, err := store.FindByLockToken(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "due", locked[0].ID)
	assert.Equal(t, "other", store.get("held").Lock.Token)
}

func TestLockManager_Renew(t *testing.T) {
	now := baseNow
	store := newMemStore(seededOrder("o-1", order.StatusOpen, order.FulfillmentProposed))
	m := order.NewLockManager(store, 5*time.Minute, func() time.Time { return now })
	ctx := context.Background()

	o, err := m.Acquire(ctx, "o-1", order.Filter{})
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)
	require.NoError(t, m.Renew(ctx, o))
	assert.Equal(t, now, o.Lock.AcquiredAt)

	// Past the original lease but inside the renewed one.
	now = now.Add(4 * time.Minute)
	_, err = m.Acquire(ctx, "o-1", order.Filter{})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "o-1", order.Filter{})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Renew(ctx, o), order.ErrLockLost)
}

func TestLockManager_NonPositiveMaxHold(t *testing.T) {
	for _, maxHold := range []time.Duration{0, -time.Minute} {
		t.Run(maxHold.String(), func(t *testing.T) {
			now := baseNow
			store := newMemStore(seededOrder("o-1", order.StatusOpen, order.FulfillmentProposed))
			m := order.NewLockManager(store, maxHold, func() time.Time { return now })

			_, err := m.Acquire(context.Background(), "o-1", order.Filter{})
			require.NoError(t, err)

			now = now.Add(time.Second)
			_, err = m.Acquire(context.Background(), "o-1", order.Filter{})
			assert.ErrorIs(t, err, order.ErrOrderNotFound)
		})
	}
}
