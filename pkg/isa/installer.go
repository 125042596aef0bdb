// Package isa installs tracepoints in traced processes with uprobes.
package isa

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/process"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

// MaxInstrLen is the number of text bytes saved per tracepoint, enough for
// the longest x86 instruction.
const MaxInstrLen = 15

type state struct {
	path   string
	offset uint64
	kind   tracepoint.Kind
	link   link.Link
}

// Installer attaches a uprobe per tracepoint, filtered on the traced pid.
type Installer struct {
	procRoot string
	procfs   procfs.FS
	prog     *ebpf.Program
	log      logrus.FieldLogger
}

var _ tracepoint.Installer = (*Installer)(nil)

func programSpec() *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name: "pidtrap_probe",
		Type: ebpf.Kprobe,
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
		},
		License: "GPL",
	}
}

// NewInstaller reads process information from procRoot, normally /proc.
func NewInstaller(procRoot string) (*Installer, error) {
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	prog, err := ebpf.NewProgram(programSpec())
	if err != nil {
		return nil, fmt.Errorf("loading uprobe program: %w", err)
	}
	return newInstaller(procRoot, pfs, prog), nil
}

func newInstaller(procRoot string, pfs procfs.FS, prog *ebpf.Program) *Installer {
	return &Installer{
		procRoot: procRoot,
		procfs:   pfs,
		prog:     prog,
		log:      logger.GetLogger().WithField("component", "isa"),
	}
}

func (i *Installer) Close() error {
	if i.prog == nil {
		return nil
	}
	return i.prog.Close()
}

func (i *Installer) procPath(pid int32, elem ...string) string {
	return filepath.Join(append([]string{i.procRoot, strconv.Itoa(int(pid))}, elem...)...)
}

func noProcess(pid int32, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("pid %d: %w", pid, process.ErrNoProcess)
	}
	return err
}

// mapping finds the file backed executable mapping containing addr.
func (i *Installer) mapping(pid int32, addr uint64) (*procfs.ProcMap, error) {
	proc, err := i.procfs.Proc(int(pid))
	if err != nil {
		return nil, noProcess(pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, noProcess(pid, fmt.Errorf("reading maps of %d: %w", pid, err))
	}
	for _, m := range maps {
		if addr < uint64(m.StartAddr) || addr >= uint64(m.EndAddr) {
			continue
		}
		if m.Perms == nil || !m.Perms.Execute {
			return nil, fmt.Errorf("%#x in pid %d is not executable", addr, pid)
		}
		if m.Pathname == "" || m.Pathname[0] != '/' {
			return nil, fmt.Errorf("%#x in pid %d is not backed by a file", addr, pid)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%#x is not mapped in pid %d", addr, pid)
}

func (i *Installer) Init(tp *tracepoint.Tracepoint, kind tracepoint.Kind) error {
	m, err := i.mapping(tp.Pid(), tp.Addr())
	if err != nil {
		return err
	}
	instr, err := readText(i.procPath(tp.Pid(), "mem"), tp.Addr(), MaxInstrLen)
	if err != nil {
		return noProcess(tp.Pid(), err)
	}
	tp.Instr = instr
	tp.Arch = &state{
		// Resolve the file in the process' mount namespace.
		path:   i.procPath(tp.Pid(), "root", m.Pathname),
		offset: tp.Addr() - uint64(m.StartAddr) + uint64(m.Offset),
		kind:   kind,
	}
	return nil
}

func (i *Installer) Install(tp *tracepoint.Tracepoint) error {
	st, ok := tp.Arch.(*state)
	if !ok {
		return fmt.Errorf("tracepoint %d@%#x was not initialized", tp.Pid(), tp.Addr())
	}
	ex, err := link.OpenExecutable(st.path)
	if err != nil {
		return fmt.Errorf("opening executable %s: %w", st.path, err)
	}
	opts := &link.UprobeOptions{
		Address: st.offset,
		PID:     int(tp.Pid()),
	}
	label := fmt.Sprintf("pidtrap_%d_%x", tp.Pid(), tp.Addr())
	var l link.Link
	if st.kind.OnReturnList() {
		l, err = ex.Uretprobe(label, i.prog, opts)
	} else {
		l, err = ex.Uprobe(label, i.prog, opts)
	}
	if err != nil {
		return fmt.Errorf("attaching uprobe at %s+%#x: %w", st.path, st.offset, err)
	}
	st.link = l
	return nil
}

// Remove detaches the uprobe of tp. A forked child has nothing to remove,
// since the uprobe is filtered on the parent's pid. A tracepoint without
// installer state is an orphan from a previous run; its saved instruction
// is written back if the text still differs.
func (i *Installer) Remove(pid int32, tp *tracepoint.Tracepoint) error {
	if pid != tp.Pid() {
		return nil
	}
	st, ok := tp.Arch.(*state)
	if !ok {
		if len(tp.Instr) == 0 {
			return nil
		}
		if err := restoreText(i.procPath(pid, "mem"), tp.Addr(), tp.Instr); err != nil {
			return noProcess(pid, err)
		}
		return nil
	}
	if st.link == nil {
		return nil
	}
	err := st.link.Close()
	st.link = nil
	if err != nil {
		return fmt.Errorf("detaching uprobe at %s+%#x: %w", st.path, st.offset, err)
	}
	return nil
}

func (i *Installer) Terminate(pid int32) error {
	i.log.WithField("pid", pid).Warn("killing process with untrusted text")
	if err := unix.Kill(int(pid), unix.SIGKILL); err != nil {
		return noProcess(pid, err)
	}
	return nil
}
