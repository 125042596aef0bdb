// Package controlplane ties the tracepoint, provider and process tables to
// the instrumentation framework and to process lifecycle events.
package controlplane

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/kubescape/pidtrap/pkg/barrier"
	"github.com/kubescape/pidtrap/pkg/cleanup"
	"github.com/kubescape/pidtrap/pkg/config"
	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/journal"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/process"
	"github.com/kubescape/pidtrap/pkg/provider"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

var (
	// ErrNoSpace is returned when probe creation would exceed the
	// tracepoint budget.
	ErrNoSpace = errors.New("tracepoint budget exhausted")
	// ErrInvalidProvider is returned for meta provider names that could be
	// mistaken for a pid provider.
	ErrInvalidProvider = errors.New("invalid provider name")
	// ErrInvalidSpec is returned for malformed probe specifications.
	ErrInvalidSpec = errors.New("invalid probe specification")
)

type options struct {
	clock   clock.Clock
	journal *journal.Journal
}

type Option func(*options)

// WithClock drives the cleanup worker from c.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithJournal records installed tracepoints to j.
func WithJournal(j *journal.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// Tracker is told about each pid that gets a provider.
type Tracker interface {
	Track(pid int32)
}

type nopTracker struct{}

func (nopTracker) Track(int32) {}

type ControlPlane struct {
	fw          framework.Framework
	installer   tracepoint.Installer
	checker     process.Checker
	procs       *process.Registry
	barrier     *barrier.Barrier
	budget      *tracepoint.Budget
	tracepoints *tracepoint.Table
	providers   *provider.Manager
	worker      *cleanup.Worker
	journal     *journal.Journal
	tracker     Tracker
	log         logrus.FieldLogger
}

var _ framework.ProviderOps = (*ControlPlane)(nil)

func New(cfg config.Config, fw framework.Framework, installer tracepoint.Installer, checker process.Checker, opts ...Option) (*ControlPlane, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	procs, err := process.NewRegistry(cfg.ProcessTableSize)
	if err != nil {
		return nil, err
	}
	b := barrier.New(cfg.BarrierContexts)
	tps, err := tracepoint.NewTable(cfg.TracepointTableSize, installer, procs, b)
	if err != nil {
		return nil, err
	}
	if o.journal != nil {
		tps.SetObserver(o.journal)
	}

	c := &ControlPlane{
		fw:          fw,
		installer:   installer,
		checker:     checker,
		procs:       procs,
		barrier:     b,
		budget:      tracepoint.NewBudget(cfg.MaxTracepoints),
		tracepoints: tps,
		journal:     o.journal,
		tracker:     nopTracker{},
		log:         logger.GetLogger().WithField("component", "controlplane"),
	}
	c.providers, err = provider.NewManager(cfg.ProviderTableSize, fw, c, procs, checker, c.budget)
	if err != nil {
		return nil, err
	}
	c.worker = cleanup.NewWorker(c.providers.Cleanup, cfg.CleanupInterval, cleanup.WithClock(o.clock))
	c.providers.SetScheduler(c.worker)
	return c, nil
}

// SetTracker registers t to be told about traced pids. It must be called
// before any provider is created.
func (c *ControlPlane) SetTracker(t Tracker) {
	if t == nil {
		t = nopTracker{}
	}
	c.tracker = t
}

// Shutdown stops the cleanup worker and tears down every provider. It
// fails while probes are still enabled.
func (c *ControlPlane) Shutdown() error {
	c.worker.Disable()
	var err error
	if perr := c.providers.Shutdown(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if n := c.tracepoints.Len(); n != 0 {
		err = multierr.Append(err, fmt.Errorf("%d tracepoints still installed", n))
	}
	return err
}

// Tick runs one cleanup pass and reports whether work remains.
func (c *ControlPlane) Tick() bool {
	return c.worker.Tick()
}

// OnFork strips the child's inherited copy of every tracepoint of parent.
func (c *ControlPlane) OnFork(parent, child int32) {
	proc := c.procs.Find(parent)
	if proc == nil {
		return
	}
	defer c.procs.Release(proc)
	if n := c.tracepoints.Fork(proc, child); n > 0 {
		c.log.WithFields(logrus.Fields{"pid": parent, "child": child, "tracepoints": n}).Debug("cleaned forked child")
	}
}

// OnExecOrExit retires every provider of pid.
func (c *ControlPlane) OnExecOrExit(pid int32) {
	if n := c.providers.RetireAll(pid); n > 0 {
		c.log.WithFields(logrus.Fields{"pid": pid, "providers": n}).Debug("retired providers")
	}
}

// TracedPids lists the processes with live providers.
func (c *ControlPlane) TracedPids() []int32 {
	return c.procs.Pids()
}

// ReadInstruction returns the original instruction saved at addr in pid.
func (c *ControlPlane) ReadInstruction(pid int32, addr uint64) ([]byte, error) {
	return c.tracepoints.Instruction(pid, addr)
}

// Dispatch resolves a trap at addr in pid to the interested probes. It
// serves the trap handler, which runs outside this daemon.
func (c *ControlPlane) Dispatch(pid int32, addr uint64) []tracepoint.Hit {
	return c.tracepoints.Dispatch(c.barrier.Pick(), pid, addr)
}

// Providers returns a snapshot of the provider table.
func (c *ControlPlane) Providers() []provider.Info {
	return c.providers.List()
}

// BudgetUsed returns the number of tracepoints reserved by probes.
func (c *ControlPlane) BudgetUsed() uint32 {
	return c.budget.Total()
}

// Recover restores the text journaled by a previous run and forgets the
// entries. Entries whose pid now runs another process or another image are
// forgotten untouched. It must run before any probe is enabled.
func (c *ControlPlane) Recover() (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	entries, err := c.journal.Entries()
	if err != nil {
		return 0, err
	}
	var restored int
	var errs error
	for _, e := range entries {
		log := c.log.WithField("pid", e.Pid).WithField("addr", fmt.Sprintf("%#x", e.Addr))
		var err error
		if c.journal.Current(e) {
			err = c.installer.Remove(e.Pid, tracepoint.Orphan(e.Pid, e.Addr, e.Instr))
		} else {
			err = fmt.Errorf("pid %d: %w", e.Pid, process.ErrNoProcess)
		}
		switch {
		case errors.Is(err, process.ErrNoProcess):
			log.Debug("journaled process is gone or was replaced")
		case err != nil:
			log.WithError(err).Error("failed to restore journaled instruction")
			errs = multierr.Append(errs, err)
			continue
		default:
			restored++
		}
		if err := c.journal.Forget(e); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return restored, errs
}
