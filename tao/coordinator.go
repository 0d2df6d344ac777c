// Package tao is the public façade implementing every operation in spec
// §4.5: Coordinator wires together the id allocator, topology, router,
// WAL, cache, and association registry explicitly at construction time
// (spec §9 "Global state" — no package-level singleton), the same
// explicit-dependency-injection shape johnjansen-torua's cmd/coordinator
// builds its server struct with, generalized from a single "server"
// mixing HTTP handling and state into a pure library type.
package tao

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romilpunetha/tao-sub001/internal/cache"
	"github.com/romilpunetha/tao-sub001/internal/config"
	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/registry"
	"github.com/romilpunetha/tao-sub001/internal/router"
	"github.com/romilpunetha/tao-sub001/internal/taoid"
	"github.com/romilpunetha/tao-sub001/internal/topology"
	"github.com/romilpunetha/tao-sub001/internal/wal"
)

// ObservabilityHook is invoked after every public operation with the
// opaque viewer context the caller supplied, the operation's wall-clock
// duration, and its error (nil on success). The core never branches on
// vc's contents — this is a pure wiring point restoring the
// original_source/ per-request audit callback the distilled spec dropped
// (see DESIGN.md).
type ObservabilityHook func(op string, vc model.ViewerContext, dur time.Duration, err error)

// Coordinator implements every spec §4.5 operation. Construct with New;
// the zero value is not usable.
type Coordinator struct {
	topo     *topology.Topology
	router   *router.Router
	wal      *wal.Manager
	cache    *cache.TieredCache
	registry *registry.Registry
	cfg      config.Config
	log      *zap.Logger

	mu         sync.Mutex
	allocators map[uint16]*taoid.Allocator

	hookMu sync.RWMutex
	hook   ObservabilityHook
}

// New constructs a Coordinator from already-wired components. Callers
// (main, or tests) are responsible for registering shard backends on
// router before issuing operations.
func New(topo *topology.Topology, rtr *router.Router, walMgr *wal.Manager, c *cache.TieredCache, reg *registry.Registry, cfg config.Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		topo:       topo,
		router:     rtr,
		wal:        walMgr,
		cache:      c,
		registry:   reg,
		cfg:        cfg,
		log:        log,
		allocators: make(map[uint16]*taoid.Allocator),
	}
}

// SetObservabilityHook installs (or clears, with nil) the per-operation
// audit callback.
func (c *Coordinator) SetObservabilityHook(hook ObservabilityHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hook = hook
}

// SetMetrics propagates met to every wired subsystem (router, WAL, cache)
// that reports prometheus collectors. Passing nil disables metrics on all
// of them.
func (c *Coordinator) SetMetrics(met *metrics.Metrics) {
	c.router.SetMetrics(met)
	c.wal.SetMetrics(met)
	if c.cache != nil {
		c.cache.SetMetrics(met)
	}
}

func (c *Coordinator) observe(op string, vc model.ViewerContext, start time.Time, err error) {
	c.hookMu.RLock()
	hook := c.hook
	c.hookMu.RUnlock()
	if hook != nil {
		hook(op, vc, time.Since(start), err)
	}
}

func (c *Coordinator) allocatorFor(shardID uint16) (*taoid.Allocator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.allocators[shardID]; ok {
		return a, nil
	}
	a, err := taoid.New(shardID)
	if err != nil {
		return nil, fmt.Errorf("tao: allocator for shard %d: %w", shardID, err)
	}
	c.allocators[shardID] = a
	return a, nil
}

// RegisterDefaultAssociationTypes seeds the canonical inverse pairs named
// in spec §9's Open Questions resolution. Callers may register additional
// types before or after.
func (c *Coordinator) RegisterDefaultAssociationTypes() error {
	pairs := [][2]string{
		{"follows", "followers"},
		{"likes", "liked_by"},
		{"friends", "friends"},
	}
	for _, p := range pairs {
		if err := c.registry.Register(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
