// Package controller turns TracingProbe resources scheduled on this node
// into pid provider probes and keeps their enablement in sync.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubescape/pidtrap/pkg/controlplane"
	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
	"github.com/kubescape/pidtrap/pkg/watcher"
)

const eventSource = "pidtrap"

// Prober creates pid provider probes.
type Prober interface {
	AddProbes(spec controlplane.ProbeSpec) error
}

// Consumer enables and disables probes through the framework.
type Consumer interface {
	Lookup(provider, module, function, name string) (framework.ProbeID, bool)
	Enable(id framework.ProbeID) error
	Disable(id framework.ProbeID) error
}

type Controller struct {
	nodeName      string
	staticClient  kubernetes.Interface
	dynamicClient dynamic.Interface
	watcher       watcher.WatcherInterface
	prober        Prober
	consumer      Consumer
	log           logrus.FieldLogger

	// enabled holds the probes enabled on behalf of each resource and
	// users the number of resources holding each probe.
	mu      sync.Mutex
	enabled map[apitypes.NamespacedName][]framework.ProbeID
	users   map[framework.ProbeID]int
}

func NewController(nodeName string, staticClient kubernetes.Interface, dynamicClient dynamic.Interface,
	prober Prober, consumer Consumer) *Controller {
	return &Controller{
		nodeName:      nodeName,
		staticClient:  staticClient,
		dynamicClient: dynamicClient,
		watcher:       watcher.NewWatcher(dynamicClient, true),
		prober:        prober,
		consumer:      consumer,
		log:           logger.GetLogger().WithField("component", "controller"),
		enabled:       make(map[apitypes.NamespacedName][]framework.ProbeID),
		users:         make(map[framework.ProbeID]int),
	}
}

func (c *Controller) StartController() error {
	return c.watcher.Start(watcher.WatchNotifyFunctions{
		AddFunc:    c.handleTracingProbe,
		UpdateFunc: c.handleTracingProbe,
		DeleteFunc: c.handleDeletedTracingProbe,
	}, TracingProbeGvr, metav1.ListOptions{})
}

// StopController stops watching and disables every probe it enabled.
func (c *Controller) StopController() {
	c.watcher.Stop()

	c.mu.Lock()
	keys := maps.Keys(c.enabled)
	c.mu.Unlock()
	for _, key := range keys {
		c.disable(key)
	}
}

func (c *Controller) handleTracingProbe(obj *unstructured.Unstructured) {
	tracingProbe, err := getTracingProbeFromObj(obj)
	if err != nil {
		c.log.WithError(err).WithField("name", obj.GetName()).Warn("malformed TracingProbe")
		return
	}
	if tracingProbe.Spec.NodeName != c.nodeName {
		return
	}
	key := apitypes.NamespacedName{Namespace: tracingProbe.Namespace, Name: tracingProbe.Name}
	log := c.log.WithField("probe", key.String())

	status, err := c.reconcile(key, &tracingProbe.Spec)
	if err != nil {
		log.WithError(err).Warn("failed to reconcile TracingProbe")
		status.Error = err.Error()
		c.sendEvent(tracingProbe, "ReconcileFailed", err.Error())
	}
	if statusEqual(status, tracingProbe.Status) {
		return
	}
	if err := c.patchStatus(tracingProbe, status); err != nil {
		log.WithError(err).Warn("failed to update TracingProbe status")
	}
}

func (c *Controller) reconcile(key apitypes.NamespacedName, spec *TracingProbeSpec) (TracingProbeStatus, error) {
	kind, err := tracepoint.ParseKind(spec.Kind)
	if err != nil {
		return TracingProbeStatus{}, err
	}
	probeSpec := controlplane.ProbeSpec{
		Pid:      spec.Pid,
		Kind:     kind,
		Module:   spec.Module,
		Function: spec.Function,
		Base:     spec.Base,
		Offsets:  spec.Offsets,
	}
	if err := c.prober.AddProbes(probeSpec); err != nil {
		c.disable(key)
		return TracingProbeStatus{}, err
	}

	status := TracingProbeStatus{Probes: probeSpec.Names()}
	if !spec.Enabled {
		c.disable(key)
		return status, nil
	}

	var ids []framework.ProbeID
	for _, name := range status.Probes {
		id, ok := c.consumer.Lookup(controlplane.ProviderName(spec.Pid), spec.Module, spec.Function, name)
		if !ok {
			c.disable(key)
			return status, fmt.Errorf("probe %s vanished", name)
		}
		ids = append(ids, id)
	}
	if err := c.setEnabled(key, ids); err != nil {
		return status, err
	}
	status.Enabled = true
	return status, nil
}

// setEnabled makes ids the probes enabled for key. A probe requested by
// several resources is enabled once and disabled with its last user. On
// failure nothing stays enabled for key.
func (c *Controller) setEnabled(key apitypes.NamespacedName, ids []framework.ProbeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var acquired []framework.ProbeID
	for _, id := range ids {
		if err := c.acquire(id); err != nil {
			for _, a := range acquired {
				c.release(key, a)
			}
			c.releaseAll(key)
			return err
		}
		acquired = append(acquired, id)
	}
	c.releaseAll(key)
	c.enabled[key] = acquired
	return nil
}

func (c *Controller) acquire(id framework.ProbeID) error {
	if c.users[id] == 0 {
		if err := c.consumer.Enable(id); err != nil {
			return err
		}
	}
	c.users[id]++
	return nil
}

// release drops one user of id. Probes of an exited process may already be
// gone, so errors are only logged.
func (c *Controller) release(key apitypes.NamespacedName, id framework.ProbeID) {
	c.users[id]--
	if c.users[id] > 0 {
		return
	}
	delete(c.users, id)
	if err := c.consumer.Disable(id); err != nil {
		c.log.WithError(err).WithField("probe", key.String()).Debug("failed to disable probe")
	}
}

func (c *Controller) releaseAll(key apitypes.NamespacedName) {
	for _, id := range c.enabled[key] {
		c.release(key, id)
	}
	delete(c.enabled, key)
}

func (c *Controller) handleDeletedTracingProbe(obj *unstructured.Unstructured) {
	c.disable(apitypes.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()})
}

// disable drops every probe enabled for key.
func (c *Controller) disable(key apitypes.NamespacedName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseAll(key)
}

// Enabled returns the probes currently enabled for a resource.
func (c *Controller) Enabled(namespace, name string) []framework.ProbeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]framework.ProbeID(nil), c.enabled[apitypes.NamespacedName{Namespace: namespace, Name: name}]...)
}

func (c *Controller) patchStatus(tracingProbe *TracingProbe, status TracingProbeStatus) error {
	// Explicit values so a merge patch clears stale fields.
	raw, err := json.Marshal(map[string]interface{}{"status": map[string]interface{}{
		"probes":  status.Probes,
		"enabled": status.Enabled,
		"error":   status.Error,
	}})
	if err != nil {
		return err
	}
	_, err = c.dynamicClient.Resource(TracingProbeGvr).Namespace(tracingProbe.Namespace).Patch(context.TODO(),
		tracingProbe.Name, apitypes.MergePatchType, raw, metav1.PatchOptions{})
	return err
}

func (c *Controller) sendEvent(tracingProbe *TracingProbe, reason, message string) {
	now := metav1.Now()
	event := &v1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s.%x", tracingProbe.Name, time.Now().UnixNano()),
			Namespace: tracingProbe.Namespace,
		},
		InvolvedObject: v1.ObjectReference{
			APIVersion:      TracingProbeApiVersion,
			Kind:            TracingProbeKind,
			Name:            tracingProbe.Name,
			Namespace:       tracingProbe.Namespace,
			UID:             tracingProbe.UID,
			ResourceVersion: tracingProbe.ResourceVersion,
		},
		Reason:         reason,
		Message:        message,
		Type:           v1.EventTypeWarning,
		Source:         v1.EventSource{Component: eventSource, Host: c.nodeName},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}
	_, err := c.staticClient.CoreV1().Events(tracingProbe.Namespace).Create(context.TODO(), event, metav1.CreateOptions{})
	if err != nil {
		c.log.WithError(err).Warn("failed to record event")
	}
}

func statusEqual(a, b TracingProbeStatus) bool {
	return a.Enabled == b.Enabled && a.Error == b.Error && slices.Equal(a.Probes, b.Probes)
}

// Helper function to convert an unstructured object to a TracingProbe
func getTracingProbeFromObj(obj *unstructured.Unstructured) (*TracingProbe, error) {
	bytes, err := obj.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var tracingProbe TracingProbe
	if err := json.Unmarshal(bytes, &tracingProbe); err != nil {
		return nil, err
	}
	return &tracingProbe, nil
}
