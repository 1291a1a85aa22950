package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// GuardConfig holds the static admission limits. Zero values disable the
// corresponding check except MaxConnections, which defaults to 4096.
type GuardConfig struct {
	MaxConnections     int64
	CPURejectThreshold float64 // percent; reject new connections above this
	MemoryLimit        int64   // bytes of heap in use
	SampleInterval     time.Duration
}

// ResourceGuard decides whether the process can take on another client.
// Limits are static configuration, never auto-tuned; CPU and memory are
// sampled by a background loop and read atomically on the accept path.
type ResourceGuard struct {
	cfg GuardConfig
	log zerolog.Logger

	conns     atomic.Int64
	cpuMilli  atomic.Int64 // percent * 1000
	heapBytes atomic.Int64
}

// NewResourceGuard builds an unstarted guard.
func NewResourceGuard(cfg GuardConfig, log zerolog.Logger) *ResourceGuard {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4096
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	return &ResourceGuard{
		cfg: cfg,
		log: log.With().Str("component", "resource-guard").Logger(),
	}
}

// Admit reports whether one more connection fits; on success the caller owns
// a slot and must Release it.
func (g *ResourceGuard) Admit() (bool, string) {
	if n := g.conns.Add(1); n > g.cfg.MaxConnections {
		g.conns.Add(-1)
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}
	if g.cfg.CPURejectThreshold > 0 {
		if pct := float64(g.cpuMilli.Load()) / 1000; pct > g.cfg.CPURejectThreshold {
			g.conns.Add(-1)
			return false, fmt.Sprintf("cpu %.1f%% over threshold", pct)
		}
	}
	if g.cfg.MemoryLimit > 0 && g.heapBytes.Load() > g.cfg.MemoryLimit {
		g.conns.Add(-1)
		return false, "memory limit exceeded"
	}
	return true, ""
}

// Release returns a connection slot.
func (g *ResourceGuard) Release() { g.conns.Add(-1) }

// Connections reports the current admitted count.
func (g *ResourceGuard) Connections() int64 { return g.conns.Load() }

// Run samples CPU and heap usage until ctx is done.
func (g *ResourceGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (g *ResourceGuard) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		g.cpuMilli.Store(int64(pcts[0] * 1000))
	} else if err != nil {
		g.log.Debug().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.heapBytes.Store(int64(mem.Alloc))

	g.log.Debug().
		Float64("cpu_percent", float64(g.cpuMilli.Load())/1000).
		Int64("heap_mb", g.heapBytes.Load()/(1024*1024)).
		Int64("connections", g.conns.Load()).
		Msg("resource sample")
}
