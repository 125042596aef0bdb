// Package tracing follows the lifecycle of traced processes: exec events
// from an inspektor-gadget tracer and a procfs poller for exits and forks.
package tracing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	containercollection "github.com/inspektor-gadget/inspektor-gadget/pkg/container-collection"
	tracerexec "github.com/inspektor-gadget/inspektor-gadget/pkg/gadgets/trace/exec/tracer"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"

	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/process"
)

// Lifecycle receives process lifecycle events for traced processes.
type Lifecycle interface {
	OnFork(parent, child int32)
	OnExecOrExit(pid int32)
	TracedPids() []int32
}

type Option func(*Monitor)

// WithClock drives the poller from c.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithExecTracer attaches the exec tracer on Start. A non-nil k8sConfig
// enriches exec events with pod metadata for nodeName.
func WithExecTracer(nodeName string, k8sConfig *rest.Config) Option {
	return func(m *Monitor) {
		m.execTracing = true
		m.nodeName = nodeName
		m.k8sConfig = k8sConfig
	}
}

type Monitor struct {
	lifecycle Lifecycle
	procfs    procfs.FS
	checker   *Checker
	clock     clock.Clock
	interval  time.Duration
	log       logrus.FieldLogger

	// Guarded by mu.
	mu       sync.Mutex
	known    map[int32]process.Identity
	children map[int32]uint64

	running bool
	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	execTracing bool
	nodeName    string
	k8sConfig   *rest.Config
	cCollection *containercollection.ContainerCollection
	execTracer  *tracerexec.Tracer
}

func NewMonitor(lifecycle Lifecycle, procRoot string, interval time.Duration, opts ...Option) (*Monitor, error) {
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	m := &Monitor{
		lifecycle: lifecycle,
		procfs:    pfs,
		checker:   &Checker{procfs: pfs},
		clock:     clock.New(),
		interval:  interval,
		log:       logger.GetLogger().WithField("component", "monitor"),
		known:     make(map[int32]process.Identity),
		children:  make(map[int32]uint64),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monitor) Start() error {
	if m.running {
		return nil
	}
	if m.execTracing {
		if err := m.startExecTracing(); err != nil {
			m.log.WithError(err).Error("error starting exec tracing")
			return err
		}
	}

	m.done = make(chan struct{})
	ticker := m.clock.Ticker(m.interval)
	m.wg.Add(1)
	go m.run(ticker)
	m.running = true
	return nil
}

func (m *Monitor) Stop() error {
	if !m.running {
		return nil
	}
	close(m.done)
	m.wg.Wait()
	if m.execTracing {
		m.stopExecTracing()
	}
	m.running = false
	return nil
}

// Kick requests a poll without waiting for the next tick.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Poll()
		case <-m.kick:
			m.Poll()
		}
	}
}

// traced reports whether the lifecycle currently tracks pid.
func (m *Monitor) traced(pid int32) bool {
	for _, p := range m.lifecycle.TracedPids() {
		if p == pid {
			return true
		}
	}
	return false
}
