package framework

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kubescape/pidtrap/pkg/lock"
	"github.com/kubescape/pidtrap/pkg/logger"
)

type probeKey struct {
	module, function, name string
}

type probe struct {
	id       ProbeID
	provider *provider
	key      probeKey
	aframes  int
	arg      interface{}
	enabled  bool
}

type provider struct {
	handle  Handle
	name    string
	attr    Attributes
	ops     ProviderOps
	invalid bool
	probes  map[probeKey]*probe
}

// ProbeInfo describes a probe known to a Registry.
type ProbeInfo struct {
	ID       ProbeID
	Provider string
	Module   string
	Function string
	Name     string
	Enabled  bool
}

// Registry is an in-process Framework. Consumers enable and disable probes
// through it by id. A name registered twice, as happens when a process
// exec's before its old provider is gone, resolves to the newest
// registration.
//
// Provider callbacks are invoked with the registry lock held, so they must
// not call back into the registry.
type Registry struct {
	mu        lock.Mutex
	next      uint64
	providers map[Handle]*provider
	names     map[string]*provider
	probes    map[ProbeID]*probe
	log       logrus.FieldLogger
}

var _ Framework = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		providers: map[Handle]*provider{},
		names:     map[string]*provider{},
		probes:    map[ProbeID]*probe{},
		log:       logger.GetLogger().WithField("component", "framework"),
	}
}

func (r *Registry) nextID() uint64 {
	r.next++
	return r.next
}

func (r *Registry) Register(name string, attr Attributes, ops ProviderOps) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov := &provider{
		handle: Handle(r.nextID()),
		name:   name,
		attr:   attr,
		ops:    ops,
		probes: map[probeKey]*probe{},
	}
	r.providers[prov.handle] = prov
	r.names[name] = prov
	r.log.WithField("provider", name).Debug("registered provider")
	return prov.handle, nil
}

func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.providers[h]
	if !ok {
		return ErrUnknownProvider
	}
	for _, p := range prov.probes {
		if p.enabled {
			return fmt.Errorf("%s: %w", prov.name, ErrBusy)
		}
	}
	for _, p := range prov.probes {
		r.destroy(p)
	}
	delete(r.providers, h)
	if r.names[prov.name] == prov {
		delete(r.names, prov.name)
	}
	r.log.WithField("provider", prov.name).Debug("unregistered provider")
	return nil
}

func (r *Registry) Invalidate(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prov, ok := r.providers[h]; ok {
		prov.invalid = true
	}
}

func (r *Registry) CreateProbe(h Handle, module, function, name string, aframes int, arg interface{}) (ProbeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.providers[h]
	if !ok {
		return 0, ErrUnknownProvider
	}
	key := probeKey{module, function, name}
	if _, ok := prov.probes[key]; ok {
		return 0, fmt.Errorf("%w: probe %s:%s:%s:%s", ErrExists, prov.name, module, function, name)
	}
	p := &probe{
		id:       ProbeID(r.nextID()),
		provider: prov,
		key:      key,
		aframes:  aframes,
		arg:      arg,
	}
	prov.probes[key] = p
	r.probes[p.id] = p
	return p.id, nil
}

func (r *Registry) LookupProbe(h Handle, module, function, name string) (ProbeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.providers[h]
	if !ok {
		return 0, false
	}
	p, ok := prov.probes[probeKey{module, function, name}]
	if !ok {
		return 0, false
	}
	return p.id, true
}

func (r *Registry) Condense(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.providers[h]
	if !ok {
		return ErrUnknownProvider
	}
	for _, p := range prov.probes {
		if !p.enabled {
			r.destroy(p)
		}
	}
	return nil
}

func (r *Registry) destroy(p *probe) {
	p.provider.ops.Destroy(p.id, p.arg)
	delete(p.provider.probes, p.key)
	delete(r.probes, p.id)
}

// Enable enables a probe on behalf of a consumer.
func (r *Registry) Enable(id ProbeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.probes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProbe, id)
	}
	if p.enabled {
		return nil
	}
	if p.provider.invalid {
		return fmt.Errorf("%s: provider is going away", p.provider.name)
	}
	if err := p.provider.ops.Enable(id, p.arg); err != nil {
		return fmt.Errorf("enabling probe %d: %w", id, err)
	}
	p.enabled = true
	return nil
}

// Disable disables a probe on behalf of a consumer.
func (r *Registry) Disable(id ProbeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.probes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProbe, id)
	}
	if !p.enabled {
		return nil
	}
	p.provider.ops.Disable(id, p.arg)
	p.enabled = false
	return nil
}

// ArgDesc asks the provider of a probe to describe argument index.
func (r *Registry) ArgDesc(id ProbeID, index int) (ArgDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.probes[id]
	if !ok {
		return ArgDesc{}, false
	}
	return p.provider.ops.GetArgDesc(id, p.arg, index)
}

// Provide forwards a probe description to every provider.
func (r *Registry) Provide(module, function, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prov := range r.providers {
		prov.ops.Provide(module, function, name)
	}
}

// Lookup finds a probe by its full description.
func (r *Registry) Lookup(provider, module, function, name string) (ProbeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.names[provider]
	if !ok {
		return 0, false
	}
	p, ok := prov.probes[probeKey{module, function, name}]
	if !ok {
		return 0, false
	}
	return p.id, true
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := maps.Keys(r.names)
	slices.Sort(names)
	return names
}

// Probes lists the probes of a provider, sorted by id.
func (r *Registry) Probes(provider string) []ProbeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	prov, ok := r.names[provider]
	if !ok {
		return nil
	}
	ret := make([]ProbeInfo, 0, len(prov.probes))
	for _, p := range prov.probes {
		ret = append(ret, ProbeInfo{
			ID:       p.id,
			Provider: prov.name,
			Module:   p.key.module,
			Function: p.key.function,
			Name:     p.key.name,
			Enabled:  p.enabled,
		})
	}
	slices.SortFunc(ret, func(a, b ProbeInfo) bool { return a.ID < b.ID })
	return ret
}
