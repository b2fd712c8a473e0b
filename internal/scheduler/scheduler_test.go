package scheduler_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/food-order-service/internal/scheduler"
)

type fakeLeader struct {
	held     bool
	err      error
	released int
}

func (f *fakeLeader) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if f.err != nil || !f.held {
		return nil, false, f.err
	}
	return func() { f.released++ }, true, nil
}

func countingJob(calls *atomic.Int32, err error) scheduler.Job {
	return scheduler.Job{
		Name:     "dispatch",
		Interval: time.Minute,
		Run: func(context.Context) (int, error) {
			calls.Add(1)
			return 2, err
		},
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	tests := []struct {
		name         string
		leader       *fakeLeader
		jobErr       error
		wantRan      bool
		wantReleases int
	}{
		{name: "no_leader_always_runs", wantRan: true},
		{name: "lease_held", leader: &fakeLeader{held: true}, wantRan: true, wantReleases: 1},
		{name: "lease_elsewhere", leader: &fakeLeader{}, wantRan: false},
		{name: "lease_error_skips", leader: &fakeLeader{err: errors.New("redis down")}, wantRan: false},
		{name: "job_error_still_releases", leader: &fakeLeader{held: true}, jobErr: errors.New("boom"), wantRan: true, wantReleases: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var leader scheduler.Leader
			if tt.leader != nil {
				leader = tt.leader
			}
			var calls atomic.Int32
			job := countingJob(&calls, tt.jobErr)
			s := scheduler.New(leader, time.Minute, job)

			ran := s.RunOnce(context.Background(), job)
			assert.Equal(t, tt.wantRan, ran)
			if tt.wantRan {
				assert.Equal(t, int32(1), calls.Load())
			} else {
				assert.Zero(t, calls.Load())
			}
			if tt.leader != nil {
				assert.Equal(t, tt.wantReleases, tt.leader.released)
			}
		})
	}
}

func TestScheduler_RunTicksUntilCanceled(t *testing.T) {
	var calls atomic.Int32
	job := scheduler.Job{
		Name:     "stale-locks",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, nil
		},
	}
	disabled := scheduler.Job{Name: "off", Run: func(context.Context) (int, error) {
		t.Error("job without interval must not run")
		return 0, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.New(nil, 0, job, disabled).Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRedisLeader(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "orders-test-" + time.Now().Format("150405.000000")
	a := scheduler.NewRedisLeader(client, prefix)
	b := scheduler.NewRedisLeader(client, prefix)
	ctx := context.Background()

	release, held, err := a.Acquire(ctx, "dispatch", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, held, err = b.Acquire(ctx, "dispatch", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	release()
	releaseB, held, err := b.Acquire(ctx, "dispatch", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
	releaseB()
}
