package tracing

import (
	"github.com/sirupsen/logrus"
)

// Track records the identity of a newly traced pid, so an exec before the
// next poll is still told apart from the image the pid was traced in.
func (m *Monitor) Track(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[pid]; ok {
		return
	}
	if id, err := m.checker.Identify(pid); err == nil {
		m.known[pid] = id
	}
}

// Poll compares the traced processes against procfs. Processes that exited
// or replaced their image are reported through OnExecOrExit and new
// children of traced processes through OnFork.
func (m *Monitor) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	traced := make(map[int32]struct{})
	for _, pid := range m.lifecycle.TracedPids() {
		traced[pid] = struct{}{}
		log := m.log.WithField("pid", pid)

		id, err := m.checker.Identify(pid)
		if err != nil {
			log.Debug("traced process exited")
			delete(m.known, pid)
			m.lifecycle.OnExecOrExit(pid)
			continue
		}
		if prev, seen := m.known[pid]; seen && prev != id {
			log.WithFields(logrus.Fields{"from": prev.Exe, "to": id.Exe}).Debug("traced process changed image")
			m.lifecycle.OnExecOrExit(pid)
		}
		m.known[pid] = id
	}
	for pid := range m.known {
		if _, ok := traced[pid]; !ok {
			delete(m.known, pid)
		}
	}
	m.scanChildren(traced)
}

func (m *Monitor) scanChildren(traced map[int32]struct{}) {
	if len(traced) == 0 {
		m.children = make(map[int32]uint64)
		return
	}
	procs, err := m.procfs.AllProcs()
	if err != nil {
		m.log.WithError(err).Warn("failed to list processes")
		return
	}
	present := make(map[int32]struct{}, len(m.children))
	for _, proc := range procs {
		st, err := proc.Stat()
		if err != nil {
			continue
		}
		parent := int32(st.PPID)
		if _, ok := traced[parent]; !ok {
			continue
		}
		child := int32(st.PID)
		present[child] = struct{}{}
		if start, ok := m.children[child]; ok && start == st.Starttime {
			continue
		}
		m.children[child] = st.Starttime
		m.log.WithFields(logrus.Fields{"pid": parent, "child": child}).Debug("traced process forked")
		m.lifecycle.OnFork(parent, child)
	}
	for child := range m.children {
		if _, ok := present[child]; !ok {
			delete(m.children, child)
		}
	}
}
