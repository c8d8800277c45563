package worker

import (
	"context"
	"time"

	"github.com/gridserve/gridserve/core/logx"
	"github.com/gridserve/gridserve/internal/metrics"
)

const (
	// HeartbeatInterval is the default period between simulated heartbeats.
	HeartbeatInterval = 5 * time.Second

	utilizationDrift = 5.0    // max percentage-point change per tick
	memoryDriftMB    = 1024   // max memory change per tick, one GiB
	flapProbability  = 0.02   // chance an idle node toggles online<->offline
)

// Simulator drives periodic heartbeat mutations for every registered node.
// It is a stand-in for real nodes reporting in; its lifecycle is tied to the
// context passed to Run, not to process globals.
type Simulator struct {
	reg      *Registry
	interval time.Duration
}

func NewSimulator(reg *Registry, interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	return &Simulator{reg: reg, interval: interval}
}

// Run ticks until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logx.Log.Debug().Dur("interval", s.interval).Msg("heartbeat simulator started")
	for {
		select {
		case <-ctx.Done():
			logx.Log.Debug().Msg("heartbeat simulator stopped")
			return
		case <-ticker.C:
			s.reg.Pulse()
			st := s.reg.Stats()
			metrics.SetWorkersOnline(st.Online + st.Busy)
		}
	}
}

// Pulse applies one heartbeat tick to every node: telemetry drifts within
// bounds, idle nodes may flap between online and offline, and the heartbeat
// timestamp is refreshed whether or not anything else changed. Nodes with
// in-flight work never flap; only load accounting affects them.
func (r *Registry) Pulse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, n := range r.nodes {
		n.GPU.Utilization = clampFloat(n.GPU.Utilization+(r.rng.Float64()*2-1)*utilizationDrift, 0, 100)
		used := int64(n.GPU.MemoryUsed) + r.rng.Int63n(2*memoryDriftMB+1) - memoryDriftMB
		if used < 0 {
			used = 0
		}
		if used > int64(n.GPU.MemoryMB) {
			used = int64(n.GPU.MemoryMB)
		}
		n.GPU.MemoryUsed = uint64(used)
		if n.CurrentLoad == 0 && r.rng.Float64() < flapProbability {
			if n.Status == StatusOnline {
				n.Status = StatusOffline
			} else {
				n.Status = StatusOnline
			}
			logx.Log.Debug().Str("worker_id", n.ID).Str("status", string(n.Status)).Msg("worker status flapped")
		}
		n.LastHeartbeat = now
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
