package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

func TestConcurrentRegisterDistinctIDs(t *testing.T) {
	tbl := NewTable()
	const n = 200

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tbl.Register(frame.RequestID(fmt.Sprint(i)), time.Minute)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, n, tbl.Len())
}

func TestRegisterDuplicateWhilePending(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register("42", time.Minute)
	require.NoError(t, err)

	_, err = tbl.Register("42", time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateRequestID)

	require.NoError(t, tbl.Resolve("42", Outcome{Resolution: ResolvedResponse}))
	_, err = tbl.Register("42", time.Minute)
	assert.NoError(t, err, "id may be reused once retired")

	_, err = tbl.Register("", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyRequestID)
}

func TestResolveAtMostOnce(t *testing.T) {
	tbl := NewTable()
	slot, err := tbl.Register("1", time.Minute)
	require.NoError(t, err)

	resp := frame.NewCallResult("1", nil)
	require.NoError(t, tbl.Resolve("1", FromFrame(resp)))
	assert.ErrorIs(t, tbl.Resolve("1", Outcome{Resolution: ResolvedError}), ErrNotFound)
	assert.ErrorIs(t, tbl.Cancel("1"), ErrNotFound)
	assert.False(t, tbl.Contains("1"))

	o, ok := slot.Outcome()
	require.True(t, ok)
	assert.Equal(t, ResolvedResponse, o.Resolution)
	assert.Same(t, resp, o.Frame)
	assert.False(t, o.At.IsZero())
}

func TestConcurrentResolversOneWinner(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register("race", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Resolve("race", Outcome{Resolution: ResolvedResponse}) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestTimeoutReleasesWaiter(t *testing.T) {
	tbl := NewTable()
	start := time.Now()
	slot, err := tbl.Register("43", 100*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := slot.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResolvedTimeout, o.Resolution)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, tbl.Contains("43"))

	assert.ErrorIs(t, tbl.Resolve("43", Outcome{Resolution: ResolvedResponse}), ErrNotFound)
}

func TestTimerDoesNotTouchReusedID(t *testing.T) {
	tbl := NewTable()
	first, err := tbl.Register("r", 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, tbl.Resolve("r", Outcome{Resolution: ResolvedResponse}))

	second, err := tbl.Register("r", time.Minute)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	o, _ := first.Outcome()
	assert.Equal(t, ResolvedResponse, o.Resolution)
	_, done := second.Outcome()
	assert.False(t, done)
	assert.True(t, tbl.Contains("r"))
}

func TestExpireSweep(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl := NewTable(WithoutTimers(), WithClock(func() time.Time { return base }))

	short, err := tbl.Register("short", time.Second)
	require.NoError(t, err)
	long, err := tbl.Register("long", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, tbl.ExpireSweep(base.Add(500*time.Millisecond)))
	assert.Equal(t, 1, tbl.ExpireSweep(base.Add(time.Second)))

	o, ok := short.Outcome()
	require.True(t, ok)
	assert.Equal(t, ResolvedTimeout, o.Resolution)
	_, ok = long.Outcome()
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())
}

func TestCancelUnblocksWaiter(t *testing.T) {
	tbl := NewTable()
	slot, err := tbl.Register("c", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = tbl.Cancel("c")
	}()
	o, err := slot.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResolvedCancelled, o.Resolution)
	assert.Equal(t, 0, tbl.Len())
}

func TestWaitHonoursContext(t *testing.T) {
	tbl := NewTable()
	slot, err := tbl.Register("w", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slot.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, tbl.Contains("w"), "waiting caller decides what to do with the slot")
}

func TestFailAll(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Register("a", time.Minute)
	b, _ := tbl.Register("b", time.Minute)
	closed := errors.New("closed")

	assert.Equal(t, 2, tbl.FailAll(closed))
	for _, s := range []*Slot{a, b} {
		o, ok := s.Outcome()
		require.True(t, ok)
		assert.Equal(t, ResolvedSendFailure, o.Resolution)
		assert.ErrorIs(t, o.Err, closed)
	}
	assert.Equal(t, 0, tbl.Len())
}

func TestResolveUnknownIsHarmless(t *testing.T) {
	tbl := NewTable()
	_, _ = tbl.Register("1", time.Minute)
	assert.ErrorIs(t, tbl.Resolve("999", Outcome{Resolution: ResolvedResponse}), ErrNotFound)
	assert.Equal(t, 1, tbl.Len())
}

func TestRelays(t *testing.T) {
	var r Relays
	route := netpath.New("B", "A")
	r.Store("C", "9", route, time.Minute)

	assert.True(t, r.Has("C", "9"))
	assert.False(t, r.Has("D", "9"))

	got, ok := r.Take("C", "9")
	require.True(t, ok)
	assert.True(t, got.Equal(route))
	_, ok = r.Take("C", "9")
	assert.False(t, ok)

	r.Store("C", "10", route, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}
