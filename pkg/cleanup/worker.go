// Package cleanup runs deferred provider teardown in the background.
//
// Work is requested with Schedule and performed by a pass function that
// reports whether anything was left over. Left over work is retried after a
// fixed interval; otherwise the worker goes idle until the next Schedule.
package cleanup

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/kubescape/pidtrap/pkg/lock"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/metrics"
)

// PassFunc performs one cleanup pass and reports whether work remains.
type PassFunc func() (later bool)

type Worker struct {
	pass     PassFunc
	clock    clock.Clock
	interval time.Duration
	log      logrus.FieldLogger

	// passMu serializes passes run by the timer and by Tick.
	passMu lock.Mutex

	mu       lock.Mutex
	idle     *sync.Cond
	work     bool
	timer    *clock.Timer
	running  bool
	disabled bool
}

type Option func(*Worker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

func NewWorker(pass PassFunc, interval time.Duration, opts ...Option) *Worker {
	w := &Worker{
		pass:     pass,
		clock:    clock.New(),
		interval: interval,
		log:      logger.GetLogger().WithField("component", "cleanup"),
	}
	w.idle = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule requests a pass. It never blocks on a running pass, so it may be
// called with any lock held.
func (w *Worker) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.work = true
	if w.disabled || w.running || w.timer != nil {
		return
	}
	w.timer = w.clock.AfterFunc(0, w.fire)
}

// Pending reports whether a pass is requested, armed or running.
func (w *Worker) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.work || w.running || w.timer != nil
}

func (w *Worker) armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil && !w.running
}

func (w *Worker) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timer = nil
	if w.disabled {
		w.idle.Broadcast()
		return
	}
	w.running = true
	var later bool
	for w.work {
		w.work = false
		w.mu.Unlock()
		later = w.runPass()
		w.mu.Lock()
	}
	w.running = false

	if later && !w.disabled {
		w.work = true
		w.timer = w.clock.AfterFunc(w.interval, w.fire)
	}
	w.idle.Broadcast()
}

// Tick runs one pass synchronously, whatever the scheduling state, and
// reports whether work remains.
func (w *Worker) Tick() bool {
	w.mu.Lock()
	w.work = false
	w.mu.Unlock()
	return w.runPass()
}

func (w *Worker) runPass() bool {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	later := w.pass()
	if later {
		metrics.CleanupPasses.WithLabelValues("deferred").Inc()
		w.log.Debug("cleanup pass left work behind")
	} else {
		metrics.CleanupPasses.WithLabelValues("done").Inc()
	}
	return later
}

// Disable stops scheduling for good and waits for a running pass to finish.
// Schedule still records requests, which Tick can then drain.
func (w *Worker) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.disabled = true
	if w.timer != nil && w.timer.Stop() {
		w.timer = nil
	}
	for w.running || w.timer != nil {
		w.idle.Wait()
	}
}
