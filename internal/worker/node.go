package worker

import (
	"time"
)

// Status is the authoritative availability of a node. Only the heartbeat
// simulation and explicit registration/removal change it. A node with
// in-flight work is reported as "busy" in views but its stored status
// remains online; see StatusLabel.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// GPU holds the simulated telemetry of a node's device.
type GPU struct {
	Name        string  `json:"name"`
	MemoryMB    uint64  `json:"memory_mb"`
	MemoryUsed  uint64  `json:"memory_used_mb"`
	Utilization float64 `json:"utilization_pct"`
}

// Node is a simulated GPU worker. All fields are owned by the Registry;
// callers outside the package only ever see value copies.
type Node struct {
	ID            string          `json:"id"`
	Hostname      string          `json:"hostname"`
	Status        Status          `json:"status"`
	GPU           GPU             `json:"gpu"`
	CurrentLoad   int             `json:"current_load"`
	MaxCapacity   int             `json:"max_capacity"`
	Models        map[string]bool `json:"models"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

// StatusLabel reports the display status: "busy" is derived from load and
// never stored, so heartbeat toggles and load accounting cannot disagree.
func (n *Node) StatusLabel() Status {
	if n.Status == StatusOnline && n.CurrentLoad > 0 {
		return StatusBusy
	}
	return n.Status
}

// LoadRatio is the scheduling comparator: current load over capacity.
func (n *Node) LoadRatio() float64 {
	if n.MaxCapacity <= 0 {
		return 1
	}
	return float64(n.CurrentLoad) / float64(n.MaxCapacity)
}

// HasCapacity reports whether the node can accept one more task.
func (n *Node) HasCapacity() bool {
	return n.Status == StatusOnline && n.CurrentLoad < n.MaxCapacity
}

func (n *Node) clone() Node {
	cp := *n
	cp.Models = make(map[string]bool, len(n.Models))
	for m := range n.Models {
		cp.Models[m] = true
	}
	return cp
}

// profile describes one entry of the fixed GPU catalog used to seed
// simulated nodes.
type profile struct {
	gpuName  string
	memoryMB uint64
	capacity int
	models   []string
}

var gpuCatalog = []profile{
	{"NVIDIA H100 80GB HBM3", 81920, 8, []string{"llama-3-70b", "llama-3-8b", "mixtral-8x7b", "mistral-7b"}},
	{"NVIDIA A100 80GB PCIe", 81920, 6, []string{"llama-3-70b", "llama-3-8b", "mistral-7b"}},
	{"NVIDIA A100 40GB PCIe", 40960, 4, []string{"llama-3-8b", "mixtral-8x7b", "mistral-7b"}},
	{"NVIDIA L4", 24576, 4, []string{"llama-3-8b", "mistral-7b", "gemma-2b"}},
	{"NVIDIA T4", 16384, 2, []string{"mistral-7b", "gemma-2b"}},
}
