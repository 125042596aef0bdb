package process

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/hashtable"
	"github.com/kubescape/pidtrap/pkg/lock"
	"github.com/kubescape/pidtrap/pkg/metrics"
)

var (
	ErrNoProcess = errors.New("no such process")
	ErrExiting   = errors.New("process is exiting")
)

// Checker reports whether a process exists and may take new providers.
// Alive returns ErrNoProcess or ErrExiting (possibly wrapped) otherwise.
type Checker interface {
	Alive(pid int32) error
}

// Identity tells a process apart from a later one reusing its pid.
type Identity struct {
	Start uint64
	Exe   string
}

// Identifier reads the identity of a running process. It returns
// ErrNoProcess or ErrExiting (possibly wrapped) for processes that are gone.
type Identifier interface {
	Identify(pid int32) (Identity, error)
}

// Process is the anchor record for a traced process.
//
// total counts every provider and installed tracepoint referencing the
// record; active counts live, non retired providers only. The record is
// removed from the registry when total drops to zero, which can only happen
// once active already has.
type Process struct {
	pid int32

	mu     lock.Mutex
	total  uint64
	active atomic.Uint64

	// control serializes instrumentation changes of this process: enable,
	// disable and fork sweeps.
	control lock.Mutex
}

func (p *Process) Pid() int32 {
	return p.pid
}

// Live reports whether at least one non retired provider refers to p. A
// record that is not live belongs to a process that exited or exec'd, even
// if its pid has been reused since.
func (p *Process) Live() bool {
	return p.active.Load() != 0
}

func (p *Process) Refs() (total uint64, active uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.active.Load()
}

// Control returns the per-process exclusion used for process control.
// Deactivate takes it too, so a holder that saw the record live keeps it
// live until it unlocks.
func (p *Process) Control() sync.Locker {
	return &p.control
}

func (p *Process) tryActivate() bool {
	for {
		a := p.active.Load()
		if a == 0 {
			return false
		}
		if p.active.CompareAndSwap(a, a+1) {
			return true
		}
	}
}

// Registry maps process ids to Process records.
type Registry struct {
	table *hashtable.Table[int32, *Process]
}

func NewRegistry(size int) (*Registry, error) {
	table, err := hashtable.New[int32, *Process](size, hashtable.HashPid)
	if err != nil {
		return nil, fmt.Errorf("process table: %w", err)
	}
	return &Registry{table: table}, nil
}

// Lookup returns the live record for pid, creating one if needed. The
// caller owns one total and one active reference.
func (r *Registry) Lookup(pid int32) *Process {
	var ret *Process
	r.table.Update(pid, func(b *hashtable.Bucket[int32, *Process]) {
		ret, _ = b.Find(pid, func(p *Process) bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.total++
			if !p.tryActivate() {
				p.total--
				return false
			}
			return true
		})
		if ret != nil {
			return
		}
		ret = &Process{pid: pid, total: 1}
		ret.active.Store(1)
		b.Insert(pid, ret)
		metrics.TracedProcesses.Inc()
	})
	return ret
}

// Find returns the live record for pid with an extra total reference, or
// nil if the process is not traced.
func (r *Registry) Find(pid int32) *Process {
	var ret *Process
	r.table.Update(pid, func(b *hashtable.Bucket[int32, *Process]) {
		p, ok := b.Find(pid, (*Process).Live)
		if !ok {
			return
		}
		r.Hold(p)
		ret = p
	})
	return ret
}

// Hold takes an extra total reference on a record the caller already
// references.
func (r *Registry) Hold(p *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	assertf(p.total > 0, "hold on released process %d", p.pid)
	p.total++
}

// Deactivate drops an active reference. The total reference stays until
// Release.
func (r *Registry) Deactivate(p *Process) {
	p.control.Lock()
	defer p.control.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.active.Load()
	assertf(a > 0, "process %d active count underflow", p.pid)
	p.active.Dec()
}

// Release drops a total reference and frees the record with the last one.
func (r *Registry) Release(p *Process) {
	b := r.table.Bucket(p.pid)
	b.Lock()
	defer b.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	assertf(p.total > 0, "process %d total count underflow", p.pid)
	assertf(p.active.Load() <= p.total, "process %d active %d > total %d", p.pid, p.active.Load(), p.total)
	p.total--
	if p.total != 0 {
		return
	}
	assertf(p.active.Load() == 0, "process %d freed with %d active providers", p.pid, p.active.Load())
	_, ok := b.Remove(p.pid, func(v *Process) bool { return v == p })
	assertf(ok, "process %d missing from registry", p.pid)
	metrics.TracedProcesses.Dec()
}

// Pids returns the pids of all live records.
func (r *Registry) Pids() []int32 {
	var pids []int32
	r.table.ForEach(func(b *hashtable.Bucket[int32, *Process]) {
		b.Range(func(pid int32, p *Process) bool {
			if p.Live() {
				pids = append(pids, pid)
			}
			return true
		})
	})
	return pids
}

func (r *Registry) Len() int {
	return r.table.Len()
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("process: invariant violated: "+format, args...))
	}
}
