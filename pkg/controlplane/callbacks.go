package controlplane

import (
	"fmt"

	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/provider"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

// probe is the argument registered with the framework for every probe.
type probe struct {
	*tracepoint.Probe
	prov *provider.Provider
}

// Provide is a no-op: providers are created on demand, never eagerly.
func (c *ControlPlane) Provide(string, string, string) {}

func (c *ControlPlane) Enable(id framework.ProbeID, arg interface{}) error {
	pr := arg.(*probe)
	prov := pr.prov

	c.providers.Ref(prov, provider.RefEnabled)
	if prov.Retired() || !prov.Proc().Live() {
		c.providers.Release(prov, provider.RefEnabled)
		return fmt.Errorf("probe %d: provider %s is retired", id, prov.FullName())
	}
	if err := c.checker.Alive(prov.Pid()); err != nil {
		c.providers.Release(prov, provider.RefEnabled)
		return fmt.Errorf("probe %d: %w", id, err)
	}
	if err := c.tracepoints.EnableProbe(pr.Probe, prov.Proc()); err != nil {
		c.providers.Release(prov, provider.RefEnabled)
		return fmt.Errorf("probe %d: %w", id, err)
	}
	return nil
}

func (c *ControlPlane) Disable(_ framework.ProbeID, arg interface{}) {
	pr := arg.(*probe)
	c.tracepoints.DisableProbe(pr.Probe, pr.prov.Proc())
	c.providers.Release(pr.prov, provider.RefEnabled)
}

func (c *ControlPlane) GetArgDesc(_ framework.ProbeID, arg interface{}, index int) (framework.ArgDesc, bool) {
	pr := arg.(*probe)
	if index < 0 || index >= len(pr.ArgTypes) {
		return framework.ArgDesc{}, false
	}
	return framework.ArgDesc{Index: index, NativeType: pr.ArgTypes[index]}, true
}

func (c *ControlPlane) Destroy(id framework.ProbeID, arg interface{}) {
	pr := arg.(*probe)
	if pr.Enabled() {
		panic(fmt.Sprintf("controlplane: destroying enabled probe %d", id))
	}
	c.budget.Release(uint32(pr.NumSlots()))
	// Firing path readers may still be walking lists this probe was on.
	c.barrier.Retire(pr.Generation())
}
