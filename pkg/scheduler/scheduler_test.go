package scheduler_test

import (
	"testing"

	"github.com/simeonmiteff/go-netstack/pkg/scheduler"
	"github.com/stretchr/testify/require"
)

// stepFuture completes after a fixed number of polls.
type stepFuture struct {
	polls     int
	remaining int
	cancelled bool
}

func (f *stepFuture) Poll() bool {
	f.polls++
	f.remaining--
	return f.remaining <= 0
}

func (f *stepFuture) Cancel() {
	f.cancelled = true
}

func TestInsertPollTake(t *testing.T) {
	s := scheduler.New()
	f := &stepFuture{remaining: 2}
	h := s.Insert(f)

	require.False(t, s.HasCompleted(h))
	s.Poll()
	require.False(t, s.HasCompleted(h))
	s.Poll()
	require.True(t, s.HasCompleted(h))

	got, ok := s.Take(h)
	require.True(t, ok)
	require.Same(t, f, got)

	// The handle is consumed.
	_, ok = s.Take(h)
	require.False(t, ok)
}

func TestRawTokenRoundTrip(t *testing.T) {
	s := scheduler.New()
	h := s.Insert(&stepFuture{remaining: 1})
	token, ok := s.IntoRaw(h)
	require.True(t, ok)

	back, ok := s.FromRawHandle(token)
	require.True(t, ok)
	require.False(t, s.HasCompleted(back))
	s.Poll()
	require.True(t, s.HasCompleted(back))
}

func TestStaleTokenDoesNotResolveAfterReuse(t *testing.T) {
	s := scheduler.New()
	h := s.Insert(&stepFuture{remaining: 1})
	token, _ := s.IntoRaw(h)
	_, ok := s.Take(h)
	require.True(t, ok)

	// The slot is recycled with a bumped generation; the old token must
	// not resolve to the new task.
	s.Insert(&stepFuture{remaining: 1})
	_, ok = s.FromRawHandle(token)
	require.False(t, ok)
}

func TestDropCancelsIncompleteTask(t *testing.T) {
	s := scheduler.New()
	f := &stepFuture{remaining: 100}
	h := s.Insert(f)
	s.Poll()
	s.Drop(h)
	require.True(t, f.cancelled)
	require.Equal(t, 0, s.Len())
}

func TestDropDoesNotCancelCompletedTask(t *testing.T) {
	s := scheduler.New()
	f := &stepFuture{remaining: 1}
	h := s.Insert(f)
	s.Poll()
	s.Drop(h)
	require.False(t, f.cancelled)
}

func TestSweepPollsEveryReadyTaskOnce(t *testing.T) {
	s := scheduler.New()
	futures := make([]*stepFuture, 8)
	for i := range futures {
		futures[i] = &stepFuture{remaining: 3}
		s.Insert(futures[i])
	}
	s.Poll()
	for _, f := range futures {
		require.Equal(t, 1, f.polls, "one sweep polls each ready task exactly once")
	}
	s.Poll()
	s.Poll()
	for _, f := range futures {
		require.Equal(t, 3, f.polls)
	}
}

// insertingFuture spawns another task while being polled.
type insertingFuture struct {
	s       *scheduler.Scheduler
	spawned *stepFuture
}

func (f *insertingFuture) Poll() bool {
	if f.spawned == nil {
		f.spawned = &stepFuture{remaining: 1}
		f.s.Insert(f.spawned)
	}
	return true
}

func TestTaskInsertedMidSweepWaitsForNextSweep(t *testing.T) {
	s := scheduler.New()
	f := &insertingFuture{s: s}
	s.Insert(f)
	s.Poll()
	require.Equal(t, 0, f.spawned.polls)
	s.Poll()
	require.Equal(t, 1, f.spawned.polls)
}
