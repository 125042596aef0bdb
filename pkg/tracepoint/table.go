package tracepoint

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/barrier"
	"github.com/kubescape/pidtrap/pkg/hashtable"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/metrics"
	"github.com/kubescape/pidtrap/pkg/process"
)

type bucket = hashtable.Bucket[Key, *Tracepoint]

// Table holds every installed tracepoint, keyed by (pid, address).
//
// Writers serialize on the bucket lock of the key; the firing path reads
// without locks (see Dispatch). Enable and Disable must be called with the
// control lock of the target process held.
type Table struct {
	table     *hashtable.Table[Key, *Tracepoint]
	installer Installer
	procs     *process.Registry
	barrier   *barrier.Barrier
	observer  Observer
	log       logrus.FieldLogger
}

type nopObserver struct{}

func (nopObserver) Installed(*Tracepoint) {}
func (nopObserver) Removed(*Tracepoint)   {}

func NewTable(size int, installer Installer, procs *process.Registry, b *barrier.Barrier) (*Table, error) {
	table, err := hashtable.New[Key, *Tracepoint](size, func(k Key) uint64 {
		return hashtable.HashPidAddr(k.Pid, k.Addr)
	})
	if err != nil {
		return nil, fmt.Errorf("tracepoint table: %w", err)
	}
	return &Table{
		table:     table,
		installer: installer,
		procs:     procs,
		barrier:   b,
		observer:  nopObserver{},
		log:       logger.GetLogger().WithField("component", "tracepoints"),
	}, nil
}

// SetObserver registers o to be told about installs and removals. It must
// be called before the table is used.
func (t *Table) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	t.observer = o
}

func (t *Table) Len() int {
	return t.table.Len()
}

// Enable links slot i of p into the tracepoint at its address in proc,
// installing a new tracepoint if none is there yet.
func (t *Table) Enable(p *Probe, i int, proc *process.Process) error {
	slot := &p.slots[i]
	id := &slot.id
	key := Key{Pid: p.pid, Addr: slot.tp.addr}
	b := t.table.Bucket(key)

	b.Lock()
	if tp, ok := b.Find(key, liveTracepoint); ok {
		attach(tp, id)
		b.Unlock()
		t.stamp(p)
		return nil
	}
	b.Unlock()

	// Nobody traces this address yet. Prepare our own candidate outside
	// the lock; the installer may need to read process memory.
	tp := slot.tp
	assertf(tp.Proc() == nil && !tp.Interested(), "candidate for %d@%#x already published", tp.pid, tp.addr)
	if err := t.installer.Init(tp, id.kind); err != nil {
		return fmt.Errorf("%w: pid %d addr %#x: %w", ErrInit, tp.pid, tp.addr, err)
	}

	b.Lock()
	if existing, ok := b.Find(key, liveTracepoint); ok {
		// Lost the race, someone published in the meantime.
		attach(existing, id)
		b.Unlock()
		t.stamp(p)
		return nil
	}
	id.next.Store(nil)
	tp.list(id.kind).Store(id)
	tp.proc.Store(proc)
	t.procs.Hold(proc)
	b.Insert(key, tp)
	b.Unlock()
	metrics.TracepointsInstalled.Inc()

	if err := t.installer.Install(tp); err != nil {
		return fmt.Errorf("%w: pid %d addr %#x: %w", ErrPartial, tp.pid, tp.addr, err)
	}
	tp.installed = true
	t.observer.Installed(tp)
	t.stamp(p)
	return nil
}

// Disable unlinks slot i of p. The last interest record leaving a
// tracepoint uninstalls and unpublishes it.
func (t *Table) Disable(p *Probe, i int, proc *process.Process) {
	slot := &p.slots[i]
	id := &slot.id
	key := Key{Pid: p.pid, Addr: slot.tp.addr}
	b := t.table.Bucket(key)

	b.Lock()
	// A retired record can leave more than one tracepoint under the key;
	// ours is the one holding the slot.
	tp, ok := b.Find(key, func(tp *Tracepoint) bool {
		return tp.Proc() == proc && linked(tp.list(id.kind), id)
	})
	assertf(ok, "probe %d slot %d not linked at %d@%#x", p.ID(), i, p.pid, key.Addr)
	unlink(tp.list(id.kind), id)

	if tp.Interested() {
		if tp == slot.tp {
			// The published object stays with a remaining probe; take
			// that probe's private candidate in exchange.
			other := tp.entries.Load()
			if other == nil {
				other = tp.returns.Load()
			}
			os := &other.probe.slots[other.index]
			assertf(os.tp != tp && os.tp.Proc() == nil, "probe %d slot %d owns no private candidate", other.probe.ID(), other.index)
			slot.tp, os.tp = os.tp, tp
		}
		b.Unlock()
		t.stamp(p)
		return
	}
	b.Unlock()
	assertf(tp == slot.tp, "last reference to %d@%#x held by a foreign slot", p.pid, key.Addr)

	if err := t.installer.Remove(tp.pid, tp); err != nil && !errors.Is(err, process.ErrNoProcess) {
		t.log.WithError(err).WithField("pid", tp.pid).WithField("addr", fmt.Sprintf("%#x", tp.addr)).
			Error("failed to restore original instruction, terminating process")
		t.terminate(tp.pid)
	}

	b.Lock()
	_, ok = b.Remove(key, func(v *Tracepoint) bool { return v == tp })
	assertf(ok, "tracepoint %d@%#x vanished from its bucket", p.pid, key.Addr)
	b.Unlock()
	metrics.TracepointsInstalled.Dec()
	if tp.installed {
		t.observer.Removed(tp)
	}

	tp.proc.Store(nil)
	tp.installed = false
	tp.Instr = nil
	tp.Arch = nil
	t.procs.Release(proc)
	t.stamp(p)
}

// EnableProbe enables every slot of p. On failure the slots enabled so far
// are disabled again and p stays disabled. A proc that is no longer live
// is refused with ErrStale.
func (t *Table) EnableProbe(p *Probe, proc *process.Process) error {
	proc.Control().Lock()
	defer proc.Control().Unlock()

	if p.enabled.Load() {
		return nil
	}
	if !proc.Live() {
		metrics.EnableFailures.WithLabelValues("stale").Inc()
		return fmt.Errorf("pid %d: %w", proc.Pid(), ErrStale)
	}
	for i := range p.slots {
		err := t.Enable(p, i, proc)
		if err == nil {
			continue
		}
		reason := "init"
		if errors.Is(err, ErrPartial) {
			reason = "install"
			t.Disable(p, i, proc)
		}
		for j := i - 1; j >= 0; j-- {
			t.Disable(p, j, proc)
		}
		metrics.EnableFailures.WithLabelValues(reason).Inc()
		return err
	}
	p.enabled.Store(true)
	return nil
}

// DisableProbe disables every slot of an enabled probe.
func (t *Table) DisableProbe(p *Probe, proc *process.Process) {
	proc.Control().Lock()
	defer proc.Control().Unlock()

	if !p.enabled.Load() {
		return
	}
	for i := range p.slots {
		t.Disable(p, i, proc)
	}
	p.enabled.Store(false)
}

// Fork removes every trap of parent from the freshly forked child, which
// inherited them with the text of its parent. It returns the number of
// tracepoints removed.
func (t *Table) Fork(parent *process.Process, child int32) int {
	parent.Control().Lock()
	defer parent.Control().Unlock()

	var n int
	t.table.ForEach(func(b *bucket) {
		b.Lock()
		defer b.Unlock()
		b.Range(func(k Key, tp *Tracepoint) bool {
			if k.Pid != parent.Pid() || tp.Proc() != parent || !parent.Live() {
				return true
			}
			n++
			if err := t.installer.Remove(child, tp); err != nil && !errors.Is(err, process.ErrNoProcess) {
				t.log.WithError(err).WithField("pid", child).WithField("addr", fmt.Sprintf("%#x", tp.addr)).
					Error("failed to clean inherited tracepoint, terminating child")
				t.terminate(child)
			}
			return true
		})
	})
	return n
}

func (t *Table) terminate(pid int32) {
	metrics.ProcessTerminations.Inc()
	if err := t.installer.Terminate(pid); err != nil {
		t.log.WithError(err).WithField("pid", pid).Error("failed to terminate process")
	}
}

func (t *Table) stamp(p *Probe) {
	p.gen.Store(t.barrier.Generation())
}

func liveTracepoint(tp *Tracepoint) bool {
	proc := tp.Proc()
	return proc != nil && proc.Live()
}

func attach(tp *Tracepoint, id *ID) {
	assertf(tp.Interested(), "published tracepoint %d@%#x has no interest records", tp.pid, tp.addr)
	head := tp.list(id.kind)
	id.next.Store(head.Load())
	head.Store(id)
}

func linked(head *atomic.Pointer[ID], id *ID) bool {
	for cur := head.Load(); cur != nil; cur = cur.next.Load() {
		if cur == id {
			return true
		}
	}
	return false
}

func unlink(head *atomic.Pointer[ID], id *ID) bool {
	if head.Load() == id {
		head.Store(id.next.Load())
		return true
	}
	for cur := head.Load(); cur != nil; cur = cur.next.Load() {
		if cur.next.Load() == id {
			cur.next.Store(id.next.Load())
			return true
		}
	}
	return false
}
