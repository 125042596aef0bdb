package controlplane

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/metrics"
	"github.com/kubescape/pidtrap/pkg/provider"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

// PidProvider is the base name of the per process provider.
const PidProvider = "pid"

// Artificial frames between the trap and the probe firing, per kind.
const (
	entryAframes  = 3
	returnAframes = 4
	offsetAframes = 3
)

var pidAttributes = framework.Attributes{
	Provider: framework.Evolving,
	Module:   framework.Private,
	Function: framework.Private,
	Name:     framework.Evolving,
	Args:     framework.Private,
}

// ProbeSpec asks for pid provider probes in one function.
type ProbeSpec struct {
	Pid      int32
	Kind     tracepoint.Kind
	Module   string
	Function string
	// Base is the address of the function.
	Base uint64
	// Offsets are relative to Base. An entry probe takes exactly one, a
	// return probe one per return instruction, and offset probes one
	// probe each.
	Offsets []uint64
}

func (s *ProbeSpec) validate() error {
	if len(s.Offsets) == 0 {
		return fmt.Errorf("%w: no offsets", ErrInvalidSpec)
	}
	switch s.Kind {
	case tracepoint.Entry:
		if len(s.Offsets) != 1 {
			return fmt.Errorf("%w: entry probes take one offset, got %d", ErrInvalidSpec, len(s.Offsets))
		}
	case tracepoint.Return, tracepoint.Offset:
	default:
		return fmt.Errorf("%w: cannot create %s probes", ErrInvalidSpec, s.Kind)
	}
	if s.Function == "" {
		return fmt.Errorf("%w: missing function", ErrInvalidSpec)
	}
	return nil
}

// Names lists the names of the probes spec creates.
func (s *ProbeSpec) Names() []string {
	switch s.Kind {
	case tracepoint.Offset:
		names := make([]string, 0, len(s.Offsets))
		for _, off := range s.Offsets {
			names = append(names, offsetName(off))
		}
		return names
	case tracepoint.Return:
		return []string{"return"}
	default:
		return []string{"entry"}
	}
}

func offsetName(off uint64) string {
	return fmt.Sprintf("%x", off)
}

// ProviderName is the framework name of the pid provider of pid.
func ProviderName(pid int32) string {
	return fmt.Sprintf("%s%d", PidProvider, pid)
}

func relocate(base uint64, offsets ...uint64) []uint64 {
	addrs := make([]uint64, 0, len(offsets))
	for _, off := range offsets {
		addrs = append(addrs, base+off)
	}
	return addrs
}

// AddProbes creates the probes described by spec under the pid provider of
// spec.Pid, skipping those that already exist.
func (c *ControlPlane) AddProbes(spec ProbeSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	prov, err := c.providers.Acquire(spec.Pid, PidProvider, pidAttributes, provider.RefCreating)
	if err != nil {
		metrics.ProbeCreateErrors.WithLabelValues("provider").Inc()
		return err
	}
	defer c.providers.Release(prov, provider.RefCreating)
	c.tracker.Track(spec.Pid)

	prov.LockCreate()
	defer prov.UnlockCreate()

	if spec.Kind == tracepoint.Offset {
		for _, off := range spec.Offsets {
			err := c.createProbe(prov, spec.Module, spec.Function, offsetName(off), offsetAframes,
				tracepoint.Slots(tracepoint.Offset, relocate(spec.Base, off)...), nil, true)
			if err != nil {
				return err
			}
		}
		return nil
	}

	name, aframes := "entry", entryAframes
	if spec.Kind == tracepoint.Return {
		name, aframes = "return", returnAframes
	}
	return c.createProbe(prov, spec.Module, spec.Function, name, aframes,
		tracepoint.Slots(spec.Kind, relocate(spec.Base, spec.Offsets...)...), nil, true)
}

// createProbe must be called with the creation lock of prov held.
func (c *ControlPlane) createProbe(prov *provider.Provider, module, function, name string, aframes int,
	slots []tracepoint.SlotSpec, argTypes []string, reclaim bool,
) error {
	h := prov.Handle()
	if _, ok := c.fw.LookupProbe(h, module, function, name); ok {
		return nil
	}
	if !c.budget.Reserve(uint32(len(slots))) {
		metrics.ProbeCreateErrors.WithLabelValues("budget").Inc()
		if reclaim {
			// Most likely someone asked for far more probes than they
			// meant to; try to make room by dropping this provider.
			c.providers.MarkForReclaim(prov)
		}
		return fmt.Errorf("%w: %s:%s:%s:%s needs %d", ErrNoSpace, prov.FullName(), module, function, name, len(slots))
	}

	pr := &probe{
		Probe: tracepoint.NewProbe(prov.Pid(), slots),
		prov:  prov,
	}
	pr.ArgTypes = argTypes
	id, err := c.fw.CreateProbe(h, module, function, name, aframes, pr)
	if err != nil {
		c.budget.Release(uint32(len(slots)))
		metrics.ProbeCreateErrors.WithLabelValues("framework").Inc()
		return fmt.Errorf("creating %s:%s:%s:%s: %w", prov.FullName(), module, function, name, err)
	}
	pr.SetID(uint64(id))
	return nil
}

// MetaProbeSpec describes a statically defined probe published by a
// process through a meta provider.
type MetaProbeSpec struct {
	Module   string
	Function string
	Name     string
	Base     uint64
	// Offsets are the probe sites and EnabledOffsets the is-enabled
	// checks, both relative to Base.
	Offsets        []uint64
	EnabledOffsets []uint64
	ArgTypes       []string
}

func validMetaName(name string) error {
	if name == "" || name == PidProvider {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, name)
	}
	if r := []rune(name); unicode.IsDigit(r[len(r)-1]) {
		return fmt.Errorf("%w: %q ends in a digit", ErrInvalidProvider, name)
	}
	if strings.ContainsAny(name, ":*?") {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, name)
	}
	return nil
}

// CreateMetaProvider creates or finds the meta provider name in pid and
// takes an external reference on it, dropped by MetaRemove.
func (c *ControlPlane) CreateMetaProvider(pid int32, name string, attr framework.Attributes) (*provider.Provider, error) {
	if err := validMetaName(name); err != nil {
		return nil, err
	}
	prov, err := c.providers.Acquire(pid, name, attr, provider.RefExternal)
	if err != nil {
		return nil, err
	}
	c.tracker.Track(pid)
	return prov, nil
}

// MetaCreateProbe adds a probe to a meta provider.
func (c *ControlPlane) MetaCreateProbe(prov *provider.Provider, spec MetaProbeSpec) error {
	if len(spec.Offsets)+len(spec.EnabledOffsets) == 0 {
		return fmt.Errorf("%w: no offsets", ErrInvalidSpec)
	}
	slots := append(
		tracepoint.Slots(tracepoint.Offset, relocate(spec.Base, spec.Offsets...)...),
		tracepoint.Slots(tracepoint.IsEnabled, relocate(spec.Base, spec.EnabledOffsets...)...)...)

	prov.LockCreate()
	defer prov.UnlockCreate()
	return c.createProbe(prov, spec.Module, spec.Function, spec.Name, offsetAframes, slots, spec.ArgTypes, false)
}

// MetaRemove drops the external reference taken by CreateMetaProvider.
func (c *ControlPlane) MetaRemove(pid int32, name string) bool {
	return c.providers.RetireExternal(pid, name)
}
