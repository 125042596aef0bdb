package tracepoint

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/process"
)

var (
	// ErrInit is returned by Enable when the candidate tracepoint could not
	// be initialized. Nothing was published for that slot.
	ErrInit = errors.New("tracepoint init failed")
	// ErrPartial is returned by Enable when the tracepoint was published in
	// the table but the trap could not be installed. The slot must still
	// be disabled to undo the bookkeeping.
	ErrPartial = errors.New("tracepoint install failed")
	// ErrNotFound is returned when no live tracepoint exists at an address.
	ErrNotFound = errors.New("no tracepoint at address")
	// ErrStale is returned by EnableProbe when the process record was
	// retired, for instance after an exec.
	ErrStale = errors.New("process record is no longer live")
)

// Kind is the instrumentation kind a probe selected for its tracepoints.
type Kind uint8

const (
	Entry Kind = iota
	Return
	Offset
	PostOffset
	IsEnabled
)

var kindNames = map[Kind]string{
	Entry:      "entry",
	Return:     "return",
	Offset:     "offset",
	PostOffset: "post-offset",
	IsEnabled:  "is-enabled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown probe kind %q", s)
}

// OnReturnList reports whether interest records of this kind live on the
// return list of a tracepoint.
func (k Kind) OnReturnList() bool {
	return k == Return || k == PostOffset
}

// Installer is the instruction set specific collaborator that puts traps in
// and takes them out of a traced process.
type Installer interface {
	// Init prepares a private candidate before it is published, typically
	// by snapshotting the original instruction into tp.Instr.
	Init(tp *Tracepoint, kind Kind) error
	// Install puts the trap in tp's process.
	Install(tp *Tracepoint) error
	// Remove restores the original instruction in process pid, which is
	// either tp's own process or a child forked from it. It must accept a
	// tracepoint whose Install failed, and return an error wrapping
	// process.ErrNoProcess if pid no longer exists.
	Remove(pid int32, tp *Tracepoint) error
	// Terminate forcibly kills a process whose text can no longer be
	// trusted.
	Terminate(pid int32) error
}

// Observer is told about tracepoints entering and leaving the table.
// Removed only follows a successful Installed.
type Observer interface {
	Installed(tp *Tracepoint)
	Removed(tp *Tracepoint)
}

// Key identifies a tracepoint.
type Key struct {
	Pid  int32
	Addr uint64
}

// ID is an interest record: the link from a tracepoint list back to the
// probe slot that wants the trap.
type ID struct {
	probe *Probe
	index int
	kind  Kind
	next  atomic.Pointer[ID]
}

func (id *ID) Probe() *Probe {
	return id.probe
}

func (id *ID) Index() int {
	return id.index
}

func (id *ID) Kind() Kind {
	return id.kind
}

// Tracepoint is one instrumented (process, address) location, shared by
// every probe interested in it.
//
// A tracepoint starts as the private candidate of a probe slot. Once
// published in the table it is installed and has at least one interest
// record; when its last record goes away it is uninstalled and unpublished,
// and becomes a private candidate again.
type Tracepoint struct {
	pid  int32
	addr uint64
	proc atomic.Pointer[process.Process]

	// Instr is the original instruction, captured by Installer.Init.
	Instr []byte
	// Arch holds installer private state.
	Arch interface{}
	// installed is set once Install succeeded. Guarded by the control lock.
	installed bool

	entries atomic.Pointer[ID]
	returns atomic.Pointer[ID]
}

func (tp *Tracepoint) Pid() int32 {
	return tp.pid
}

func (tp *Tracepoint) Addr() uint64 {
	return tp.addr
}

// Proc returns the owning process record, nil for a private candidate.
func (tp *Tracepoint) Proc() *process.Process {
	return tp.proc.Load()
}

func (tp *Tracepoint) list(kind Kind) *atomic.Pointer[ID] {
	if kind.OnReturnList() {
		return &tp.returns
	}
	return &tp.entries
}

// Interested reports whether any interest record is linked.
func (tp *Tracepoint) Interested() bool {
	return tp.entries.Load() != nil || tp.returns.Load() != nil
}

// IDs returns the entry and return interest records, in list order.
func (tp *Tracepoint) IDs() (entries []*ID, returns []*ID) {
	for id := tp.entries.Load(); id != nil; id = id.next.Load() {
		entries = append(entries, id)
	}
	for id := tp.returns.Load(); id != nil; id = id.next.Load() {
		returns = append(returns, id)
	}
	return
}

// SlotSpec describes one tracepoint of a new probe.
type SlotSpec struct {
	Addr uint64
	Kind Kind
}

// Slots builds specs of the same kind.
func Slots(kind Kind, addrs ...uint64) []SlotSpec {
	specs := make([]SlotSpec, 0, len(addrs))
	for _, a := range addrs {
		specs = append(specs, SlotSpec{Addr: a, Kind: kind})
	}
	return specs
}

// Slot owns one tracepoint object and one interest record. The tracepoint
// object a slot points at changes over time (see Table.Disable), but a slot
// of a disabled probe always owns a private, unpublished object.
type Slot struct {
	tp *Tracepoint
	id ID
}

// Probe is the control plane's view of a framework probe.
type Probe struct {
	id      atomic.Uint64
	pid     int32
	enabled atomic.Bool
	gen     atomic.Uint64
	slots   []Slot

	// ArgTypes are the native argument types, if the creator knows them.
	ArgTypes []string
}

func NewProbe(pid int32, specs []SlotSpec) *Probe {
	p := &Probe{
		pid:   pid,
		slots: make([]Slot, len(specs)),
	}
	for i, s := range specs {
		p.slots[i].tp = &Tracepoint{pid: pid, addr: s.Addr}
		p.slots[i].id = ID{probe: p, index: i, kind: s.Kind}
	}
	return p
}

// ID returns the framework probe id.
func (p *Probe) ID() uint64 {
	return p.id.Load()
}

func (p *Probe) SetID(id uint64) {
	p.id.Store(id)
}

func (p *Probe) Pid() int32 {
	return p.pid
}

func (p *Probe) Enabled() bool {
	return p.enabled.Load()
}

// Generation is the barrier generation of the last structural change.
func (p *Probe) Generation() uint64 {
	return p.gen.Load()
}

func (p *Probe) NumSlots() int {
	return len(p.slots)
}

// Slot returns the address and kind of slot i.
func (p *Probe) Slot(i int) (uint64, Kind) {
	return p.slots[i].tp.addr, p.slots[i].id.kind
}

// Tracepoint returns the tracepoint object slot i currently owns.
func (p *Probe) Tracepoint(i int) *Tracepoint {
	return p.slots[i].tp
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("tracepoint: invariant violated: "+format, args...))
	}
}

// Orphan builds an unpublished tracepoint for text patched by someone
// else, typically a previous run, so an Installer can restore instr.
func Orphan(pid int32, addr uint64, instr []byte) *Tracepoint {
	return &Tracepoint{pid: pid, addr: addr, Instr: instr}
}
