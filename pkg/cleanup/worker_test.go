package cleanup

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestTickRunsPass(t *testing.T) {
	var passes atomic.Int32
	w := NewWorker(func() bool {
		return passes.Inc() < 2
	}, time.Second)

	assert.True(t, w.Tick())
	assert.False(t, w.Tick())
	assert.Equal(t, int32(2), passes.Load())
}

func TestScheduleRetriesUntilDone(t *testing.T) {
	mock := clock.NewMock()
	var passes atomic.Int32
	w := NewWorker(func() bool {
		return passes.Inc() < 3
	}, time.Second, WithClock(mock))

	w.Schedule()
	assert.True(t, w.Pending())

	mock.Add(0)
	assert.Eventually(t, func() bool { return passes.Load() == 1 && w.armed() }, time.Second, time.Millisecond)

	// Nothing happens before the retry interval elapses.
	mock.Add(500 * time.Millisecond)
	assert.Never(t, func() bool { return passes.Load() > 1 }, 50*time.Millisecond, time.Millisecond)

	mock.Add(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return passes.Load() == 2 && w.armed() }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return passes.Load() == 3 }, time.Second, time.Millisecond)

	assert.Eventually(t, func() bool { return !w.Pending() }, time.Second, time.Millisecond)
	mock.Add(10 * time.Second)
	assert.Never(t, func() bool { return passes.Load() > 3 }, 50*time.Millisecond, time.Millisecond)
}

func TestScheduleCoalesces(t *testing.T) {
	mock := clock.NewMock()
	var passes atomic.Int32
	w := NewWorker(func() bool {
		passes.Inc()
		return false
	}, time.Second, WithClock(mock))

	w.Schedule()
	w.Schedule()
	w.Schedule()
	mock.Add(0)
	assert.Eventually(t, func() bool { return !w.Pending() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), passes.Load())
}

func TestDisable(t *testing.T) {
	mock := clock.NewMock()
	var passes atomic.Int32
	w := NewWorker(func() bool {
		passes.Inc()
		return true
	}, time.Second, WithClock(mock))

	w.Schedule()
	w.Disable()
	mock.Add(time.Minute)
	assert.Never(t, func() bool { return passes.Load() > 0 }, 50*time.Millisecond, time.Millisecond)

	w.Schedule()
	assert.True(t, w.Pending(), "requests are still recorded")
	assert.True(t, w.Tick())
	assert.Equal(t, int32(1), passes.Load())
}
