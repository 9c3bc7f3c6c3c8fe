// Package wire defines the JSON messages exchanged between the worker
// manager, the internal controller and the orchestrator.
package wire

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// NodeDetails identifies a worker machine. Stable for the lifetime of a boot.
type NodeDetails struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// RegistrationDetails is handed out by the orchestrator exactly once per boot
// and carries everything the guest needs to join the cluster and the mesh.
type RegistrationDetails struct {
	K8SToken string `json:"k8s_token"`
	K8SIP    string `json:"k8s_ip"`
	K8SPort  int    `json:"k8s_port"`
	VPNToken string `json:"vpn_token"`
	VPNIP    string `json:"vpn_ip"`
	VPNPort  int    `json:"vpn_port"`
}

// HandshakeReceptionMessage is the first and only frame the worker manager
// sends on the bootstrap channel. SecretKey carries the PEM-encoded
// certificate the guest must pin when dialing back on the persistent channel.
type HandshakeReceptionMessage struct {
	IP          string      `json:"ip"`
	Port        int         `json:"port"`
	SecretKey   []byte      `json:"secret_key"`
	ServerURL   string      `json:"server_url"`
	MachineUniqueIdentification NodeDetails `json:"machine_unique_identification"`
}

// Validate checks the fields a guest cannot proceed without.
func (m *HandshakeReceptionMessage) Validate() error {
	if m.IP == "" {
		return fmt.Errorf("handshake missing ip")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("handshake port %d out of range", m.Port)
	}
	if len(m.SecretKey) == 0 {
		return fmt.Errorf("handshake missing secret_key")
	}
	if m.ServerURL == "" {
		return fmt.Errorf("handshake missing server_url")
	}
	if m.MachineUniqueIdentification.Name == "" || m.MachineUniqueIdentification.ID == "" {
		return fmt.Errorf("handshake missing machine identification")
	}
	return nil
}

// HandshakeStatus is the guest's verdict on a bootstrap session.
type HandshakeStatus int

const (
	HandshakeSuccess HandshakeStatus = iota
	HandshakeInitializing
	HandshakeFailure
)

var handshakeStatusNames = map[HandshakeStatus]string{
	HandshakeSuccess:      "SUCCESS",
	HandshakeInitializing: "INITIALIZING",
	HandshakeFailure:      "FAILURE",
}

func (s HandshakeStatus) String() string {
	if name, ok := handshakeStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("HandshakeStatus(%d)", int(s))
}

// Terminal reports whether the status ends a bootstrap session.
func (s HandshakeStatus) Terminal() bool {
	return s == HandshakeSuccess || s == HandshakeFailure
}

// MarshalJSON emits the string form.
func (s HandshakeStatus) MarshalJSON() ([]byte, error) {
	name, ok := handshakeStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown handshake status %d", int(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts both the string form and the historical ordinals.
func (s *HandshakeStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for status, n := range handshakeStatusNames {
			if n == name {
				*s = status
				return nil
			}
		}
		return fmt.Errorf("unknown handshake status %q", name)
	}
	var ordinal int
	if err := json.Unmarshal(data, &ordinal); err != nil {
		return fmt.Errorf("handshake status must be a string or an integer: %w", err)
	}
	if _, ok := handshakeStatusNames[HandshakeStatus(ordinal)]; !ok {
		return fmt.Errorf("unknown handshake status %d", ordinal)
	}
	*s = HandshakeStatus(ordinal)
	return nil
}

// HandshakeResponse is sent by the guest during bootstrap. Exactly one
// terminal response closes a session; INITIALIZING frames may precede it.
type HandshakeResponse struct {
	Status      HandshakeStatus `json:"STATUS"`
	Description string          `json:"DESCRIPTION"`
}

// Command enumerates the operations the orchestrator may dispatch to a guest.
type Command string

const (
	CommandPreLoadImage  Command = "PRE_LOAD_IMAGE"
	CommandRunPod        Command = "RUN_POD"
	CommandDeletePod     Command = "DELETE_POD"
	CommandDeleteAllPods Command = "DELETE_ALL_PODS"
	CommandGetPodDetails Command = "GET_POD_DETAILS"
)

// Valid reports whether the command is one the dispatcher knows.
func (c Command) Valid() bool {
	switch c {
	case CommandPreLoadImage, CommandRunPod, CommandDeletePod, CommandDeleteAllPods, CommandGetPodDetails:
		return true
	}
	return false
}

// Argument is a single execution-request argument: either a plain string or a
// string map (used for container environments).
type Argument struct {
	Str string
	Map map[string]string
}

// UnmarshalJSON accepts either form.
func (a *Argument) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &a.Str); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, &a.Map); err == nil {
		return nil
	}
	return fmt.Errorf("argument must be a string or a string map")
}

// MarshalJSON emits whichever form is populated. A nil map marshals as "".
func (a Argument) MarshalJSON() ([]byte, error) {
	if a.Map != nil {
		return json.Marshal(a.Map)
	}
	return json.Marshal(a.Str)
}

// ExecutionRequest is a host-to-guest command frame on the persistent channel.
type ExecutionRequest struct {
	ID        string              `json:"id"`
	Command   Command             `json:"command"`
	Arguments map[string]Argument `json:"arguments"`
}

// StringArg returns the string argument under key, or "" if absent.
func (r *ExecutionRequest) StringArg(key string) string {
	return r.Arguments[key].Str
}

// MapArg returns the map argument under key, or nil if absent.
func (r *ExecutionRequest) MapArg(key string) map[string]string {
	return r.Arguments[key].Map
}

// ExecutionResult is the outcome of a dispatched command.
type ExecutionResult string

const (
	ResultSuccess ExecutionResult = "SUCCESS"
	ResultFailure ExecutionResult = "FAILURE"
)

// ExecutionResponse answers exactly one ExecutionRequest; ID matches the
// request's, or is "-1" when the request could not be parsed at all.
type ExecutionResponse struct {
	ID          string          `json:"id"`
	Result      ExecutionResult `json:"result"`
	Description string          `json:"description"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// PodDetails carries per-pod usage as reported by the cluster metrics API.
// CPU and memory keep the cluster's string encoding ("123n", "456Ki"); use
// ParseQuantity to interpret them.
type PodDetails struct {
	PodName           string `json:"pod_name"`
	CPUUtilization    string `json:"cpu_utilization"`
	MemoryUtilization string `json:"memory_utilization"`
	MeasurementWindow string `json:"measurement_window"`
}

// NamespaceDetails aggregates the pods of one namespace.
type NamespaceDetails struct {
	PodDetails []PodDetails `json:"pod_details"`
}

// ParseQuantity interprets a metric string such as "123n" (CPU nanocores) or
// "456Ki" (memory) into a float64 of base units (cores, bytes).
func ParseQuantity(s string) (float64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	return q.AsApproximateFloat64(), nil
}

// WorkerMetrics is the fused host/guest sample published every second.
// Memory figures are MiB; CPU utilizations are 0..1 fractions except
// TotalCPUUtilization which is the host percent as sampled.
type WorkerMetrics struct {
	Timestamp            float64 `json:"timestamp"`
	TotalCPUUtilization  float64 `json:"total_cpu_utilization"`
	TotalMemoryUsed      float64 `json:"total_memory_used"`
	TotalMemoryAvailable float64 `json:"total_memory_available"`
	VMCPUUtilization     float64 `json:"vm_cpu_utilization"`
	VMCPUAllocated       float64 `json:"vm_cpu_allocated"`
	VMMemoryUsed         float64 `json:"vm_memory_used"`
	VMMemoryAvailable    float64 `json:"vm_memory_available"`
}
