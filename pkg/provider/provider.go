package provider

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/lock"
	"github.com/kubescape/pidtrap/pkg/process"
)

// RefKind selects one of the three provider reference counts.
type RefKind int

const (
	// RefEnabled is held for every enabled probe.
	RefEnabled RefKind = iota
	// RefCreating is held while probes are being created.
	RefCreating
	// RefExternal is held by meta provider (USDT helper) registrations.
	RefExternal
)

func (k RefKind) String() string {
	switch k {
	case RefEnabled:
		return "enabled"
	case RefCreating:
		return "creating"
	case RefExternal:
		return "external"
	}
	return fmt.Sprintf("ref(%d)", int(k))
}

// Refs are the reference counts that keep a provider from being freed.
type Refs struct {
	enabled  atomic.Uint64
	creating atomic.Uint64
	external atomic.Uint64
}

func (r *Refs) Enabled() uint64 {
	return r.enabled.Load()
}

func (r *Refs) Creating() uint64 {
	return r.creating.Load()
}

func (r *Refs) External() uint64 {
	return r.external.Load()
}

func (r *Refs) counter(k RefKind) *atomic.Uint64 {
	switch k {
	case RefEnabled:
		return &r.enabled
	case RefCreating:
		return &r.creating
	case RefExternal:
		return &r.external
	}
	panic(fmt.Sprintf("provider: unknown reference kind %d", int(k)))
}

func (r *Refs) idle() bool {
	return r.enabled.Load() == 0 && r.creating.Load() == 0 && r.external.Load() == 0
}

type key struct {
	pid  int32
	name string
}

// Provider is the framework registration for one traced process, or for
// one meta provider in it.
type Provider struct {
	pid  int32
	name string
	attr framework.Attributes
	proc *process.Process

	// mu orders reference changes against teardown.
	mu     lock.Mutex
	handle atomic.Uint64

	// createMu serializes registration and probe creation.
	createMu lock.Mutex

	retired atomic.Bool
	marked  atomic.Bool
	failed  atomic.Bool
	freed   atomic.Bool
	refs    Refs
}

func (p *Provider) Pid() int32 {
	return p.pid
}

// Name is the base name, without the pid suffix.
func (p *Provider) Name() string {
	return p.name
}

// FullName is the name registered with the framework.
func (p *Provider) FullName() string {
	return fmt.Sprintf("%s%d", p.name, p.pid)
}

func (p *Provider) Proc() *process.Process {
	return p.proc
}

// Handle is zero until registration completes.
func (p *Provider) Handle() framework.Handle {
	return framework.Handle(p.handle.Load())
}

func (p *Provider) Refs() *Refs {
	return &p.refs
}

func (p *Provider) Retired() bool {
	return p.retired.Load()
}

func (p *Provider) Marked() bool {
	return p.marked.Load()
}

// LockCreate takes the creation lock, serializing probe creation on p.
func (p *Provider) LockCreate() {
	p.createMu.Lock()
}

func (p *Provider) UnlockCreate() {
	p.createMu.Unlock()
}

// freeable is the only test deciding whether a provider may be freed.
func (p *Provider) freeable() bool {
	return p.retired.Load() && p.refs.idle()
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("provider: invariant violated: "+format, args...))
	}
}
