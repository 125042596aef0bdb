package provider

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/hashtable"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/metrics"
	"github.com/kubescape/pidtrap/pkg/process"
)

// ErrBusy is returned by Shutdown when providers could not be torn down.
var ErrBusy = errors.New("providers still in use")

// Scheduler requests an asynchronous cleanup pass.
type Scheduler interface {
	Schedule()
}

// Budget tells whether tracepoint usage is high enough to condense
// providers that cannot be unregistered.
type Budget interface {
	OverHalf() bool
}

type nopScheduler struct{}

func (nopScheduler) Schedule() {}

type bucket = hashtable.Bucket[key, *Provider]

// Manager owns the provider table.
//
// Locks are taken in this order: bucket lock, provider lock, creation lock.
// A provider's creation lock is never held while taking a bucket lock,
// except on a provider that is not yet published.
type Manager struct {
	table   *hashtable.Table[key, *Provider]
	fw      framework.Framework
	ops     framework.ProviderOps
	procs   *process.Registry
	checker process.Checker
	budget  Budget
	sched   Scheduler
	log     logrus.FieldLogger
}

func NewManager(size int, fw framework.Framework, ops framework.ProviderOps, procs *process.Registry, checker process.Checker, budget Budget) (*Manager, error) {
	table, err := hashtable.New[key, *Provider](size, func(k key) uint64 {
		return hashtable.HashPidName(k.pid, k.name)
	})
	if err != nil {
		return nil, fmt.Errorf("provider table: %w", err)
	}
	return &Manager{
		table:   table,
		fw:      fw,
		ops:     ops,
		procs:   procs,
		checker: checker,
		budget:  budget,
		sched:   nopScheduler{},
		log:     logger.GetLogger().WithField("component", "providers"),
	}, nil
}

// SetScheduler wires the cleanup worker. It must be called before the
// manager is used.
func (m *Manager) SetScheduler(s Scheduler) {
	m.sched = s
}

func notRetired(p *Provider) bool {
	return !p.retired.Load()
}

// Acquire returns the live provider called name in pid, creating and
// registering it if needed, with one reference of kind ref held.
func (m *Manager) Acquire(pid int32, name string, attr framework.Attributes, ref RefKind) (*Provider, error) {
	k := key{pid: pid, name: name}
	for {
		p, err := m.lookupOrCreate(k, attr)
		if err != nil {
			return nil, err
		}

		// p carries a creating reference. Wait out its registration.
		p.createMu.Lock()
		p.createMu.Unlock()

		p.mu.Lock()
		if p.retired.Load() {
			p.mu.Unlock()
			m.Release(p, RefCreating)
			continue
		}
		if ref != RefCreating {
			p.refs.counter(ref).Inc()
			p.refs.creating.Dec()
		}
		p.mu.Unlock()
		return p, nil
	}
}

func (m *Manager) lookupOrCreate(k key, attr framework.Attributes) (*Provider, error) {
	b := m.table.Bucket(k)
	b.Lock()
	if p, ok := b.Find(k, notRetired); ok {
		p.refs.creating.Inc()
		b.Unlock()
		return p, nil
	}
	b.Unlock()

	if err := m.checker.Alive(k.pid); err != nil {
		return nil, fmt.Errorf("provider %s%d: %w", k.name, k.pid, err)
	}

	np := &Provider{
		pid:  k.pid,
		name: k.name,
		attr: attr,
		proc: m.procs.Lookup(k.pid),
	}
	np.refs.creating.Store(1)
	np.createMu.Lock()

	b.Lock()
	if p, ok := b.Find(k, notRetired); ok {
		p.refs.creating.Inc()
		b.Unlock()
		np.createMu.Unlock()
		m.procs.Deactivate(np.proc)
		m.procs.Release(np.proc)
		return p, nil
	}
	b.Insert(k, np)
	b.Unlock()
	metrics.Providers.Inc()

	if err := m.register(np); err != nil {
		m.Release(np, RefCreating)
		return nil, err
	}
	return np, nil
}

// register publishes np to the framework. np's creation lock is held on
// entry and released on return.
func (m *Manager) register(np *Provider) error {
	k := key{np.pid, np.name}
	h, err := m.fw.Register(np.FullName(), np.attr, m.ops)
	if err != nil {
		m.log.WithError(err).WithField("provider", np.FullName()).Warn("failed to register provider")
		np.failed.Store(true)
		m.markRetired(np)
		np.createMu.Unlock()

		b := m.table.Bucket(k)
		b.Lock()
		_, ok := b.Remove(k, func(p *Provider) bool { return p == np })
		b.Unlock()
		assertf(ok, "provider %s vanished before registration finished", np.FullName())
		metrics.Providers.Dec()
		return fmt.Errorf("registering provider %s: %w", np.FullName(), err)
	}

	// Pairs with retire: whichever side comes second sees the other.
	np.handle.Store(uint64(h))
	retired := np.retired.Load()
	np.createMu.Unlock()
	if retired {
		m.fw.Invalidate(h)
	}
	m.log.WithField("provider", np.FullName()).Debug("created provider")
	return nil
}

func (m *Manager) markRetired(p *Provider) {
	if p.retired.CompareAndSwap(false, true) {
		m.procs.Deactivate(p.proc)
	}
}

// Ref takes another reference on a provider the caller already references.
func (m *Manager) Ref(p *Provider, ref RefKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs.counter(ref).Inc()
}

// Release drops a reference. Dropping the last reference to a retired
// provider hands it to the cleanup worker.
func (m *Manager) Release(p *Provider, ref RefKind) {
	p.mu.Lock()
	c := p.refs.counter(ref)
	assertf(c.Load() > 0, "%s reference underflow on %s", ref, p.FullName())
	c.Dec()
	idle := p.freeable()
	failed := p.failed.Load()
	if idle && !failed {
		p.marked.Store(true)
	}
	p.mu.Unlock()

	switch {
	case idle && failed:
		m.free(p)
	case idle:
		m.sched.Schedule()
	}
}

// Retire retires the live provider name in pid, if any.
func (m *Manager) Retire(pid int32, name string) bool {
	return m.retire(key{pid, name}, false)
}

// RetireExternal drops an external reference of the live provider name in
// pid and retires it if that was the last one.
func (m *Manager) RetireExternal(pid int32, name string) bool {
	return m.retire(key{pid, name}, true)
}

func (m *Manager) retire(k key, external bool) bool {
	b := m.table.Bucket(k)
	b.Lock()
	defer b.Unlock()

	p, ok := b.Find(k, notRetired)
	if !ok {
		return false
	}
	p.mu.Lock()
	if external {
		assertf(p.refs.external.Load() > 0, "external reference underflow on %s", p.FullName())
		if p.refs.external.Dec() != 0 {
			p.mu.Unlock()
			return false
		}
	}
	m.markRetired(p)
	p.marked.Store(true)
	p.mu.Unlock()

	if h := p.Handle(); h != 0 {
		m.fw.Invalidate(h)
	}
	m.sched.Schedule()
	return true
}

// RetireAll retires every provider of pid, after the process exec'd or
// exited. External references die with the process.
func (m *Manager) RetireAll(pid int32) int {
	var n int
	m.table.ForEach(func(b *bucket) {
		b.Lock()
		defer b.Unlock()
		b.Range(func(k key, p *Provider) bool {
			if k.pid != pid || p.retired.Load() {
				return true
			}
			p.mu.Lock()
			p.refs.external.Store(0)
			m.markRetired(p)
			p.marked.Store(true)
			p.mu.Unlock()
			if h := p.Handle(); h != 0 {
				m.fw.Invalidate(h)
			}
			n++
			return true
		})
	})
	if n > 0 {
		m.sched.Schedule()
	}
	return n
}

// MarkForReclaim asks the cleanup worker to try to unregister p, typically
// because the tracepoint budget ran out while creating its probes.
func (m *Manager) MarkForReclaim(p *Provider) {
	p.marked.Store(true)
	m.sched.Schedule()
}

// Cleanup makes one pass over marked providers, unregistering and freeing
// what it can. It reports whether marked providers remain.
func (m *Manager) Cleanup() (later bool) {
	m.table.ForEach(func(b *bucket) {
		var freed []*Provider

		b.Lock()
		var marked []*Provider
		b.Range(func(_ key, p *Provider) bool {
			if p.marked.Load() {
				marked = append(marked, p)
			}
			return true
		})
		for _, p := range marked {
			h := p.Handle()
			p.mu.Lock()
			if h == 0 {
				// Registration still in flight.
				p.mu.Unlock()
				later = true
				continue
			}
			if p.refs.creating.Load() != 0 || p.refs.external.Load() != 0 {
				// Whoever drops the last of these marks it again.
				p.marked.Store(false)
				p.mu.Unlock()
				continue
			}
			if !p.retired.Load() {
				// Reclaim is attempted once; retired providers retry.
				p.marked.Store(false)
			}
			p.mu.Unlock()

			if err := m.fw.Unregister(h); err != nil {
				if m.budget.OverHalf() {
					if err := m.fw.Condense(h); err != nil {
						m.log.WithError(err).WithField("provider", p.FullName()).Warn("failed to condense provider")
					}
				}
				if p.marked.Load() {
					later = true
				}
				continue
			}

			_, ok := b.Remove(key{p.pid, p.name}, func(v *Provider) bool { return v == p })
			assertf(ok, "provider %s vanished from its bucket", p.FullName())
			metrics.Providers.Dec()
			p.mu.Lock()
			m.markRetired(p)
			p.mu.Unlock()
			freed = append(freed, p)
		}
		b.Unlock()

		for _, p := range freed {
			m.free(p)
		}
	})
	return later
}

func (m *Manager) free(p *Provider) {
	assertf(p.freeable(), "freeing %s with enabled=%d creating=%d external=%d retired=%v",
		p.FullName(), p.refs.Enabled(), p.refs.Creating(), p.refs.External(), p.retired.Load())
	if !p.freed.CompareAndSwap(false, true) {
		return
	}
	m.procs.Release(p.proc)
	m.log.WithField("provider", p.FullName()).Debug("freed provider")
}

// Lookup returns the live provider name in pid without taking a reference.
func (m *Manager) Lookup(pid int32, name string) *Provider {
	k := key{pid, name}
	b := m.table.Bucket(k)
	b.Lock()
	defer b.Unlock()
	p, _ := b.Find(k, notRetired)
	return p
}

// Info is a snapshot of one provider.
type Info struct {
	Pid      int32  `json:"pid"`
	Name     string `json:"name"`
	Retired  bool   `json:"retired"`
	Marked   bool   `json:"marked"`
	Enabled  uint64 `json:"enabled"`
	Creating uint64 `json:"creating"`
	External uint64 `json:"external"`
}

// List returns a snapshot of every provider in the table, retired ones
// included.
func (m *Manager) List() []Info {
	var ret []Info
	m.table.ForEach(func(b *bucket) {
		b.Lock()
		defer b.Unlock()
		b.Range(func(k key, p *Provider) bool {
			ret = append(ret, Info{
				Pid:      k.pid,
				Name:     k.name,
				Retired:  p.retired.Load(),
				Marked:   p.marked.Load(),
				Enabled:  p.refs.Enabled(),
				Creating: p.refs.Creating(),
				External: p.refs.External(),
			})
			return true
		})
	})
	return ret
}

func (m *Manager) Len() int {
	return m.table.Len()
}

// Shutdown retires every provider and tears down all that are idle. It
// fails with ErrBusy if any remain.
func (m *Manager) Shutdown() error {
	m.table.ForEach(func(b *bucket) {
		b.Lock()
		defer b.Unlock()
		b.Range(func(_ key, p *Provider) bool {
			h := p.Handle()
			p.mu.Lock()
			if h != 0 {
				p.refs.external.Store(0)
				m.markRetired(p)
				p.marked.Store(true)
			}
			p.mu.Unlock()
			if h != 0 {
				m.fw.Invalidate(h)
			}
			return true
		})
	})
	m.Cleanup()
	if n := m.table.Len(); n != 0 {
		return fmt.Errorf("%w: %d left", ErrBusy, n)
	}
	return nil
}
