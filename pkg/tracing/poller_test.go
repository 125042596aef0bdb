package tracing

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, opts ...Option) (*fakeProcRoot, *fakeLifecycle, *Monitor) {
	proc := newFakeProcRoot(t)
	lc := &fakeLifecycle{}
	m, err := NewMonitor(lc, proc.root, time.Second, opts...)
	require.NoError(t, err)
	return proc, lc, m
}

func TestPollDetectsExit(t *testing.T) {
	proc, lc, m := newTestMonitor(t)
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	proc.add(101, 1, "S", 600, "/usr/bin/app")
	lc.trace(100)
	lc.trace(101)

	m.Poll()
	_, retired := lc.snapshot()
	assert.Empty(t, retired)

	proc.remove(100)
	proc.add(101, 1, "Z", 600, "/usr/bin/app")
	m.Poll()
	_, retired = lc.snapshot()
	assert.ElementsMatch(t, []int32{100, 101}, retired)
	assert.Empty(t, m.known)
}

func TestPollDetectsExecAndPidReuse(t *testing.T) {
	proc, lc, m := newTestMonitor(t)
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	proc.add(200, 1, "S", 700, "/usr/bin/app")
	lc.trace(100)
	lc.trace(200)
	m.Poll()

	proc.add(100, 1, "S", 500, "/usr/bin/other")
	proc.add(200, 1, "S", 900, "/usr/bin/app")
	m.Poll()
	_, retired := lc.snapshot()
	assert.ElementsMatch(t, []int32{100, 200}, retired)

	// Unchanged processes are left alone.
	lc.trace(100)
	m.Poll()
	m.Poll()
	_, retired = lc.snapshot()
	assert.Len(t, retired, 2)
}

func TestTrackCatchesExecBeforeFirstPoll(t *testing.T) {
	proc, lc, m := newTestMonitor(t)
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	proc.add(200, 1, "S", 700, "/usr/bin/app")
	lc.trace(100)
	lc.trace(200)
	m.Track(100)
	m.Track(200)

	// Both change image before the poller ever saw them.
	proc.add(100, 1, "S", 500, "/usr/bin/other")
	proc.add(200, 1, "S", 700, "/usr/bin/other")
	// A second Track keeps the identity recorded first.
	m.Track(200)
	m.Poll()
	_, retired := lc.snapshot()
	assert.ElementsMatch(t, []int32{100, 200}, retired)

	// Tracking a process that is already gone records nothing.
	m.Track(300)
	assert.NotContains(t, m.known, int32(300))
}

func TestPollReportsEachForkOnce(t *testing.T) {
	proc, lc, m := newTestMonitor(t)
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	proc.add(300, 1, "S", 510, "/usr/bin/unrelated")
	lc.trace(100)
	m.Poll()

	proc.add(101, 100, "S", 520, "/usr/bin/app")
	proc.add(301, 300, "S", 530, "/usr/bin/unrelated")
	m.Poll()
	m.Poll()
	forks, _ := lc.snapshot()
	assert.Equal(t, []forkEvent{{100, 101}}, forks)

	// The child exits and the pid is reused by a new child.
	proc.remove(101)
	m.Poll()
	proc.add(101, 100, "S", 800, "/usr/bin/app")
	m.Poll()
	forks, _ = lc.snapshot()
	assert.Equal(t, []forkEvent{{100, 101}, {100, 101}}, forks)
}

func TestPollWithoutTracedProcesses(t *testing.T) {
	proc, lc, m := newTestMonitor(t)
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	proc.add(101, 100, "S", 520, "/usr/bin/app")

	m.Poll()
	forks, retired := lc.snapshot()
	assert.Empty(t, forks)
	assert.Empty(t, retired)
}

func TestMonitorPollsOnTick(t *testing.T) {
	mock := clock.NewMock()
	proc, lc, m := newTestMonitor(t, WithClock(mock))
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	lc.trace(100)

	require.NoError(t, m.Start())
	defer func() { assert.NoError(t, m.Stop()) }()

	proc.remove(100)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		_, retired := lc.snapshot()
		return len(retired) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorKick(t *testing.T) {
	proc, lc, m := newTestMonitor(t, WithClock(clock.NewMock()))
	proc.add(100, 1, "S", 500, "/usr/bin/app")
	lc.trace(100)

	require.NoError(t, m.Start())
	defer func() { assert.NoError(t, m.Stop()) }()

	proc.add(101, 100, "S", 520, "/usr/bin/app")
	m.Kick()
	assert.Eventually(t, func() bool {
		forks, _ := lc.snapshot()
		return len(forks) == 1
	}, time.Second, 10*time.Millisecond)
}
