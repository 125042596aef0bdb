package controller

import (
	"fmt"

	openapi3gen "github.com/getkin/kin-openapi/openapi3gen"
	yaml "gopkg.in/yaml.v2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	TracingProbeKind       = "TracingProbe"
	TracingProbeApiVersion = "pidtrap.kubescape.io/v1"
)

var TracingProbeGvr = schema.GroupVersionResource{
	Group:    "pidtrap.kubescape.io",
	Version:  "v1",
	Resource: "tracingprobes",
}

type TracingProbeSpec struct {
	// NodeName selects the node whose daemon owns the probe.
	NodeName string `json:"nodeName"`
	Pid      int32  `json:"pid"`
	// Kind is one of entry, return or offset.
	Kind     string   `json:"kind"`
	Module   string   `json:"module,omitempty"`
	Function string   `json:"function"`
	Base     uint64   `json:"base"`
	Offsets  []uint64 `json:"offsets"`
	Enabled  bool     `json:"enabled,omitempty"`
}

type TracingProbeStatus struct {
	Probes  []string `json:"probes,omitempty"`
	Enabled bool     `json:"enabled,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type TracingProbe struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TracingProbeSpec   `json:"spec,omitempty"`
	Status TracingProbeStatus `json:"status,omitempty"`
}

// OpenAPISchema renders the schema of the TracingProbe spec as YAML, for
// the custom resource definition.
func OpenAPISchema() ([]byte, error) {
	schemaRef, err := openapi3gen.NewSchemaRefForValue(&TracingProbeSpec{}, nil)
	if err != nil {
		return nil, fmt.Errorf("generating openapi schema: %w", err)
	}
	return yaml.Marshal(schemaRef.Value)
}
