package tracing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProcRoot is a directory laid out like /proc for the files the monitor
// reads.
type fakeProcRoot struct {
	t    *testing.T
	root string
}

func newFakeProcRoot(t *testing.T) *fakeProcRoot {
	return &fakeProcRoot{t: t, root: t.TempDir()}
}

func (f *fakeProcRoot) add(pid, ppid int32, state string, start uint64, exe string) {
	dir := filepath.Join(f.root, strconv.Itoa(int(pid)))
	require.NoError(f.t, os.MkdirAll(dir, 0o755))

	// pgrp through itrealvalue, then starttime and the rest of the line.
	fields := []string{state, strconv.Itoa(int(ppid))}
	fields = append(fields, strings.Fields(strings.Repeat("0 ", 17))...)
	fields = append(fields, strconv.FormatUint(start, 10))
	fields = append(fields, strings.Fields(strings.Repeat("0 ", 32))...)
	line := fmt.Sprintf("%d (app) %s\n", pid, strings.Join(fields, " "))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "stat"), []byte(line), 0o644))

	link := filepath.Join(dir, "exe")
	_ = os.Remove(link)
	require.NoError(f.t, os.Symlink(exe, link))
}

func (f *fakeProcRoot) remove(pid int32) {
	require.NoError(f.t, os.RemoveAll(filepath.Join(f.root, strconv.Itoa(int(pid)))))
}

type forkEvent struct {
	parent, child int32
}

type fakeLifecycle struct {
	mu      sync.Mutex
	traced  []int32
	forks   []forkEvent
	retired []int32
}

func (l *fakeLifecycle) OnFork(parent, child int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forks = append(l.forks, forkEvent{parent, child})
}

func (l *fakeLifecycle) OnExecOrExit(pid int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retired = append(l.retired, pid)
	var kept []int32
	for _, p := range l.traced {
		if p != pid {
			kept = append(kept, p)
		}
	}
	l.traced = kept
}

func (l *fakeLifecycle) TracedPids() []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int32(nil), l.traced...)
}

func (l *fakeLifecycle) trace(pid int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traced = append(l.traced, pid)
}

func (l *fakeLifecycle) snapshot() ([]forkEvent, []int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]forkEvent(nil), l.forks...), append([]int32(nil), l.retired...)
}
