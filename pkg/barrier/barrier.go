// Package barrier implements the modification barrier that lets a writer
// prove no reader still uses data it unlinked before dropping it.
//
// Readers run inside a Context: Enter before looking at a shared table, Exit
// when done. A writer that unlinked something stamps the affected object with
// Generation(). Before the object is destroyed, Retire(stamp) bumps the
// generation and takes and releases the lock of every registered context in
// turn. Any reader that could have seen the unlinked object held one of those
// locks, so once Retire returns it has left its read side.
package barrier

import (
	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/lock"
	"github.com/kubescape/pidtrap/pkg/metrics"
)

type Context struct {
	mu lock.Mutex
}

func (c *Context) Enter() {
	c.mu.Lock()
}

func (c *Context) Exit() {
	c.mu.Unlock()
}

type Barrier struct {
	gen  atomic.Uint64
	next atomic.Uint64

	// fixed is set by New and never changes.
	fixed []*Context

	// mu serializes retirements and guards registered.
	mu         lock.Mutex
	registered []*Context
}

// New returns a barrier with n pre-registered contexts.
func New(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	b := &Barrier{fixed: make([]*Context, n)}
	for i := range b.fixed {
		b.fixed[i] = &Context{}
	}
	return b
}

// Register adds a reader context. Trap handler threads that outlive a
// single dispatch register one; they run outside this daemon.
func (b *Barrier) Register() *Context {
	c := &Context{}
	b.mu.Lock()
	b.registered = append(b.registered, c)
	b.mu.Unlock()
	return c
}

// Pick returns one of the pre-registered contexts, round robin, for readers
// that do not own one.
func (b *Barrier) Pick() *Context {
	return b.fixed[b.next.Inc()%uint64(len(b.fixed))]
}

func (b *Barrier) Generation() uint64 {
	return b.gen.Load()
}

// Retire makes sure the generation has advanced past stamp, rendezvousing
// with every context if it has not. It reports whether a rendezvous was
// needed. Must not be called from inside a Context.
func (b *Barrier) Retire(stamp uint64) bool {
	if stamp < b.gen.Load() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if stamp < b.gen.Load() {
		return false
	}
	b.gen.Inc()
	for _, c := range b.fixed {
		rendezvous(c)
	}
	for _, c := range b.registered {
		rendezvous(c)
	}
	metrics.BarrierRetirements.Inc()
	return true
}

func rendezvous(c *Context) {
	c.mu.Lock()
	//nolint:staticcheck // the empty critical section is the point
	c.mu.Unlock()
}
