package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/scheduler/config"
	"github.com/iurnickita/postbackcache/internal/service"
)

type fakeFlusher struct {
	last     time.Time
	lastErr  error
	flushErr error
	flushes  []service.FlushTrigger
}

func (f *fakeFlusher) FlushAllVerticals(_ context.Context, trigger service.FlushTrigger) (model.FlushSummary, error) {
	f.flushes = append(f.flushes, trigger)
	if f.flushErr != nil {
		return model.FlushSummary{}, f.flushErr
	}
	return model.FlushSummary{Processed: 1, Successful: 1}, nil
}

func (f *fakeFlusher) LastScheduledFlush(context.Context) (time.Time, error) {
	return f.last, f.lastErr
}

func newTestScheduler(t *testing.T, flusher Flusher, now time.Time) *Scheduler {
	t.Helper()
	s, err := NewScheduler(config.Config{
		Enabled:    true,
		Location:   "America/New_York",
		Hour:       23,
		FromMinute: 55,
	}, flusher, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestInWindow(t *testing.T) {
	s := newTestScheduler(t, &fakeFlusher{}, time.Now())
	ny := s.location

	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 10, 15, 23, 54, 59, 0, ny), false},
		{time.Date(2026, 10, 15, 23, 55, 0, 0, ny), true},
		{time.Date(2026, 10, 15, 23, 59, 59, 0, ny), true},
		{time.Date(2026, 10, 16, 0, 0, 0, 0, ny), false},
		{time.Date(2026, 10, 15, 22, 57, 0, 0, ny), false},
	}
	for _, test := range tests {
		require.Equal(t, test.want, s.inWindow(test.at), test.at.String())
	}
}

func TestTickFlushesOncePerDay(t *testing.T) {
	// 23:56 в Нью-Йорке (EDT, UTC-4)
	now := time.Date(2026, 10, 16, 3, 56, 0, 0, time.UTC)
	flusher := &fakeFlusher{}
	s := newTestScheduler(t, flusher, now)

	require.True(t, s.tick(context.Background()))
	flusher.last = now
	require.False(t, s.tick(context.Background()))
	require.Equal(t, []service.FlushTrigger{service.FlushScheduled}, flusher.flushes)
}

func TestTickPreviousDayFlush(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 56, 0, 0, time.UTC)
	// 23:58 накануне по Нью-Йорку
	flusher := &fakeFlusher{last: time.Date(2026, 10, 15, 3, 58, 0, 0, time.UTC)}
	s := newTestScheduler(t, flusher, now)

	require.True(t, s.tick(context.Background()))
}

func TestTickOutsideWindow(t *testing.T) {
	// 12:00 в Нью-Йорке
	flusher := &fakeFlusher{}
	s := newTestScheduler(t, flusher, time.Date(2026, 10, 15, 16, 0, 0, 0, time.UTC))

	require.False(t, s.tick(context.Background()))
	require.Empty(t, flusher.flushes)
}

func TestTickErrors(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 56, 0, 0, time.UTC)

	flusher := &fakeFlusher{lastErr: errors.New("db down")}
	require.False(t, newTestScheduler(t, flusher, now).tick(context.Background()))
	require.Empty(t, flusher.flushes)

	flusher = &fakeFlusher{flushErr: errors.New("db down")}
	require.False(t, newTestScheduler(t, flusher, now).tick(context.Background()))
	require.Len(t, flusher.flushes, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestScheduler(t, &fakeFlusher{}, time.Now())
	s.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewSchedulerBadLocation(t *testing.T) {
	_, err := NewScheduler(config.Config{Location: "Mars/Olympus"}, &fakeFlusher{}, zap.NewNop())
	require.Error(t, err)
}
