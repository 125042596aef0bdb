package tracing

import (
	containercollection "github.com/inspektor-gadget/inspektor-gadget/pkg/container-collection"
	tracerexec "github.com/inspektor-gadget/inspektor-gadget/pkg/gadgets/trace/exec/tracer"
	tracerexectype "github.com/inspektor-gadget/inspektor-gadget/pkg/gadgets/trace/exec/types"
	eventtypes "github.com/inspektor-gadget/inspektor-gadget/pkg/types"
	"github.com/sirupsen/logrus"
)

func (m *Monitor) setupContainerCollection() error {
	containerCollection := &containercollection.ContainerCollection{}

	opts := []containercollection.ContainerCollectionOption{
		// Get containers created with runc
		containercollection.WithRuncFanotify(),

		containercollection.WithCgroupEnrichment(),

		// Enrich events with Linux namespaces information
		containercollection.WithLinuxNamespaceEnrichment(),

		// Enrich those containers with data from the Kubernetes API
		containercollection.WithKubernetesEnrichment(m.nodeName, m.k8sConfig),

		containercollection.WithPubSub(m.containerEventHandler),
	}

	if err := containerCollection.Initialize(opts...); err != nil {
		m.log.WithError(err).Error("failed to initialize container collection")
		return err
	}
	m.cCollection = containerCollection
	return nil
}

// containerEventHandler polls right away when a container goes away, its
// processes are gone with it.
func (m *Monitor) containerEventHandler(notif containercollection.PubSubEvent) {
	if notif.Type != containercollection.EventTypeRemoveContainer {
		return
	}
	m.log.WithFields(logrus.Fields{
		"namespace": notif.Container.Namespace,
		"pod":       notif.Container.Podname,
		"container": notif.Container.Name,
	}).Debug("container removed")
	m.Kick()
}

func (m *Monitor) execEventCallback(event *tracerexectype.Event) {
	if event.Type != eventtypes.NORMAL || event.Retval < 0 {
		return
	}
	pid := int32(event.Pid)
	if !m.traced(pid) {
		return
	}
	m.log.WithFields(logrus.Fields{
		"pid":       pid,
		"comm":      event.Comm,
		"namespace": event.Namespace,
		"pod":       event.Pod,
	}).Debug("traced process exec'd")
	m.lifecycle.OnExecOrExit(pid)

	m.mu.Lock()
	delete(m.known, pid)
	m.mu.Unlock()
}

func (m *Monitor) startExecTracing() error {
	var err error
	var execTracer *tracerexec.Tracer
	// Host wide, no mount namespace filter.
	config := &tracerexec.Config{}
	if m.k8sConfig != nil {
		if err = m.setupContainerCollection(); err != nil {
			return err
		}
		execTracer, err = tracerexec.NewTracer(config, m.cCollection, m.execEventCallback)
	} else {
		execTracer, err = tracerexec.NewTracer(config, nil, m.execEventCallback)
	}
	if err != nil {
		m.log.WithError(err).Error("error creating exec tracer")
		m.stopContainerCollection()
		return err
	}
	m.execTracer = execTracer
	return nil
}

func (m *Monitor) stopExecTracing() {
	if m.execTracer != nil {
		m.execTracer.Stop()
		m.execTracer = nil
	}
	m.stopContainerCollection()
}

func (m *Monitor) stopContainerCollection() {
	if m.cCollection != nil {
		m.cCollection.Close()
		m.cCollection = nil
	}
}
