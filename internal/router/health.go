package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/topology"
)

// shardHealth tracks one shard's consecutive check outcomes, the basis for
// the hysteresis spec §4.3 requires: recovery to Healthy needs N consecutive
// passes, the same consecutive-failure counter shape as torua's NodeHealth,
// generalized to also require consecutive successes before recovering.
type shardHealth struct {
	lastCheck        time.Time
	consecutiveFails int
	consecutivePass  int
}

// HealthMonitor periodically pings every registered shard's backend and
// updates the shared Topology's health state. It is the direct descendant
// of johnjansen-torua/internal/coordinator.HealthMonitor: same
// ticker-driven loop, injectable check function and Start/Stop lifecycle,
// generalized from an HTTP /health poll to Backend.Ping and from a binary
// healthy/unhealthy status to hysteretic recovery.
type HealthMonitor struct {
	mu     sync.Mutex
	health map[uint16]*shardHealth

	pingFunc func(ctx context.Context, shardID uint16) error

	topo     *topology.Topology
	interval time.Duration
	timeout  time.Duration

	// unhealthyAfter is the number of consecutive failures before a shard
	// is marked Unhealthy; recoverAfter is the number of consecutive
	// passes required to return a shard from Unhealthy to Healthy.
	unhealthyAfter int
	recoverAfter   int

	log *zap.Logger
	met *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics installs the prometheus collectors health transitions report
// against. Passing nil (the default) disables metrics entirely.
func (h *HealthMonitor) SetMetrics(met *metrics.Metrics) {
	h.met = met
}

// NewHealthMonitor constructs a monitor bound to topo. pingFunc is called
// once per shard per interval; callers normally wire it to the router's
// per-shard Backend.Ping.
func NewHealthMonitor(topo *topology.Topology, interval, timeout time.Duration, unhealthyAfter, recoverAfter int, log *zap.Logger, pingFunc func(ctx context.Context, shardID uint16) error) *HealthMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	if unhealthyAfter < 1 {
		unhealthyAfter = 1
	}
	if recoverAfter < 1 {
		recoverAfter = 1
	}
	return &HealthMonitor{
		health:         make(map[uint16]*shardHealth),
		pingFunc:       pingFunc,
		topo:           topo,
		interval:       interval,
		timeout:        timeout,
		unhealthyAfter: unhealthyAfter,
		recoverAfter:   recoverAfter,
		log:            log,
	}
}

// Start launches the polling loop in a new goroutine and returns
// immediately. Stop must be called to release it.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.checkAll(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.checkAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context) {
	for _, rec := range h.topo.All() {
		h.checkOne(ctx, rec.ShardID)
	}
}

func (h *HealthMonitor) checkOne(ctx context.Context, shardID uint16) {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.pingFunc(checkCtx, shardID)
	cancel()

	h.mu.Lock()
	sh, ok := h.health[shardID]
	if !ok {
		sh = &shardHealth{}
		h.health[shardID] = sh
	}
	sh.lastCheck = time.Now()

	var newHealth topology.Health
	var transition bool
	if err != nil {
		sh.consecutiveFails++
		sh.consecutivePass = 0
		if sh.consecutiveFails >= h.unhealthyAfter {
			newHealth = topology.Unhealthy
			transition = true
		}
	} else {
		sh.consecutivePass++
		sh.consecutiveFails = 0
		rec, ok := h.topo.Get(shardID)
		if ok && rec.Health != topology.Healthy && sh.consecutivePass >= h.recoverAfter {
			newHealth = topology.Healthy
			transition = true
		}
	}
	h.mu.Unlock()

	if !transition {
		return
	}
	if err := h.topo.MarkHealth(shardID, newHealth); err != nil {
		h.log.Warn("health monitor: mark health failed", zap.Uint16("shard_id", shardID), zap.Error(err))
		return
	}
	if h.met != nil {
		h.met.ShardHealth.WithLabelValues(fmt.Sprint(shardID)).Set(healthScore(newHealth))
	}
	h.log.Info("health monitor: shard transitioned",
		zap.Uint16("shard_id", shardID), zap.String("health", string(newHealth)))
}

func healthScore(h topology.Health) float64 {
	switch h {
	case topology.Healthy:
		return 1
	case topology.Degraded:
		return 0.5
	default:
		return 0
	}
}
