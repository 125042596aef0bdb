package tracing

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/procfs"

	"github.com/kubescape/pidtrap/pkg/process"
)

// Checker reports process liveness and identity from procfs.
type Checker struct {
	procfs procfs.FS
}

var (
	_ process.Checker    = (*Checker)(nil)
	_ process.Identifier = (*Checker)(nil)
)

func NewChecker(procRoot string) (*Checker, error) {
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	return &Checker{procfs: pfs}, nil
}

func (c *Checker) Alive(pid int32) error {
	st, err := stat(c.procfs, pid)
	if err != nil {
		return err
	}
	if exiting(st) {
		return fmt.Errorf("pid %d: %w", pid, process.ErrExiting)
	}
	return nil
}

// Identify returns the start time and executable of pid. An unreadable exe
// link leaves Exe empty.
func (c *Checker) Identify(pid int32) (process.Identity, error) {
	st, err := stat(c.procfs, pid)
	if err != nil {
		return process.Identity{}, err
	}
	if exiting(st) {
		return process.Identity{}, fmt.Errorf("pid %d: %w", pid, process.ErrExiting)
	}
	id := process.Identity{Start: st.Starttime}
	if proc, err := c.procfs.Proc(int(pid)); err == nil {
		id.Exe, _ = proc.Executable()
	}
	return id, nil
}

func stat(pfs procfs.FS, pid int32) (procfs.ProcStat, error) {
	proc, err := pfs.Proc(int(pid))
	if err != nil {
		return procfs.ProcStat{}, noProcess(pid, err)
	}
	st, err := proc.Stat()
	if err != nil {
		return procfs.ProcStat{}, noProcess(pid, err)
	}
	return st, nil
}

// exiting is true for zombies and dead tasks.
func exiting(st procfs.ProcStat) bool {
	return st.State == "Z" || st.State == "X"
}

func noProcess(pid int32, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pid %d: %w", pid, process.ErrNoProcess)
	}
	return err
}
