package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewValidatesTrigger(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Cron: "not a cron"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Cron: "0 * * * *"}, zap.NewNop())
	assert.NoError(t, err)

	_, err = New(Config{Interval: time.Minute}, zap.NewNop())
	assert.NoError(t, err)
}

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestRunExecutesImmediately(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Interval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	var runs atomic.Int32
	s.Add("refresh", func(context.Context) { runs.Add(1) })

	runFor(t, s, 50*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunInterval(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Interval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	var runs atomic.Int32
	s.Add("refresh", func(context.Context) { runs.Add(1) })

	runFor(t, s, 100*time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestRunCronDescriptor(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Cron: "@every 1s"}, zap.NewNop())
	require.NoError(t, err)
	var runs atomic.Int32
	s.Add("refresh", func(context.Context) { runs.Add(1) })

	runFor(t, s, 2500*time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestRunSkipsOverlap(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Interval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	var active, maxActive, runs atomic.Int32
	s.Add("slow", func(ctx context.Context) {
		runs.Add(1)
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(40 * time.Millisecond):
		}
		active.Add(-1)
	})

	runFor(t, s, 100*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Less(t, runs.Load(), int32(10))
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Interval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	var runs atomic.Int32
	s.Add("panicky", func(context.Context) {
		runs.Add(1)
		panic("boom")
	})

	runFor(t, s, 60*time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}
