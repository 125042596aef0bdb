package framework

import (
	"errors"
)

var (
	// ErrBusy is returned by Unregister while any probe of the provider is
	// enabled.
	ErrBusy = errors.New("provider has enabled probes")
	// ErrUnknownProvider is returned for handles that are not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrExists is returned when creating a probe that already exists.
	ErrExists = errors.New("probe already exists")
	// ErrUnknownProbe is returned for probe ids that do not exist.
	ErrUnknownProbe = errors.New("unknown probe")
)

// Handle identifies a registered provider. The zero value is never
// returned by Register.
type Handle uint64

// ProbeID identifies a probe. The zero value is never a valid probe.
type ProbeID uint64

// Stability levels of provider attributes.
type Stability uint8

const (
	Internal Stability = iota
	Private
	Obsolete
	External
	Unstable
	Evolving
	Stable
	Standard
)

// Attributes describe the stability of the parts of a provider's probe
// names and arguments.
type Attributes struct {
	Provider Stability
	Module   Stability
	Function Stability
	Name     Stability
	Args     Stability
}

// ArgDesc describes one probe argument.
type ArgDesc struct {
	Index      int
	NativeType string
}

// ProviderOps are the callbacks a provider registers.
type ProviderOps interface {
	// Provide is called when a consumer asks for probes matching a
	// description.
	Provide(module, function, name string)
	Enable(id ProbeID, arg interface{}) error
	Disable(id ProbeID, arg interface{})
	GetArgDesc(id ProbeID, arg interface{}, index int) (ArgDesc, bool)
	// Destroy is called once per probe when its provider is unregistered or
	// condensed. The probe is disabled by then.
	Destroy(id ProbeID, arg interface{})
}

// Framework is the host instrumentation framework probes are published to.
type Framework interface {
	Register(name string, attr Attributes, ops ProviderOps) (Handle, error)
	// Unregister removes a provider and destroys its probes. It fails with
	// ErrBusy while probes are enabled.
	Unregister(h Handle) error
	// Invalidate marks a provider as going away: no new enablings.
	Invalidate(h Handle)
	CreateProbe(h Handle, module, function, name string, aframes int, arg interface{}) (ProbeID, error)
	LookupProbe(h Handle, module, function, name string) (ProbeID, bool)
	// Condense destroys the provider's probes that are not enabled.
	Condense(h Handle) error
}
