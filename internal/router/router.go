// Package router implements the query router (spec §4.3): it resolves a
// shard id to a primary or replica backend handle, dispatches reads and
// writes with retry/backoff, and wires a circuit breaker and health
// monitor per shard. It is the structural descendant of
// johnjansen-torua/internal/coordinator.ShardRegistry plus HealthMonitor,
// generalized from a node-address registry to a backend.Backend handle
// registry with failure isolation.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romilpunetha/tao-sub001/internal/backend"
	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/topology"
)

// Config holds the router's tunables, all named directly after the
// configuration options spec §6 enumerates.
type Config struct {
	EnableReadFromReplicas        bool
	EnableCircuitBreaker          bool
	MaxRetryAttempts              int
	BaseRetryDelay                time.Duration
	MaxRetryDelay                 time.Duration
	CircuitBreakerFailureThresh   int
	CircuitBreakerRecoveryTimeout time.Duration
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		EnableReadFromReplicas:        true,
		EnableCircuitBreaker:          true,
		MaxRetryAttempts:              3,
		BaseRetryDelay:                100 * time.Millisecond,
		MaxRetryDelay:                 5 * time.Second,
		CircuitBreakerFailureThresh:   5,
		CircuitBreakerRecoveryTimeout: 60 * time.Second,
	}
}

// Router owns the per-shard backend handle and dispatches operations to it
// with retry, replica fallback, and circuit breaking.
type Router struct {
	mu       sync.RWMutex
	backends map[uint16]backend.Backend
	breakers map[uint16]*circuitBreaker

	topo *topology.Topology
	cfg  Config
	log  *zap.Logger
	met  *metrics.Metrics
}

// New constructs a Router bound to topo. Backends are registered
// separately via RegisterShard as shards come online.
func New(topo *topology.Topology, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		backends: make(map[uint16]backend.Backend),
		breakers: make(map[uint16]*circuitBreaker),
		topo:     topo,
		cfg:      cfg,
		log:      log,
	}
	topo.SetLiveChecker(r.shardInUse)
	return r
}

// SetMetrics installs the prometheus collectors dispatch reports against.
// Passing nil (the default) disables metrics entirely.
func (r *Router) SetMetrics(met *metrics.Metrics) {
	r.met = met
}

// RegisterShard attaches a backend handle to a shard id, creating the
// shard's circuit breaker.
func (r *Router) RegisterShard(shardID uint16, be backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[shardID] = be
	r.breakers[shardID] = newCircuitBreaker(r.cfg.CircuitBreakerFailureThresh, r.cfg.CircuitBreakerRecoveryTimeout)
}

// UnregisterShard detaches a shard's backend handle, used after
// topology.DrainShard completes.
func (r *Router) UnregisterShard(shardID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, shardID)
	delete(r.breakers, shardID)
}

func (r *Router) shardInUse(shardID uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[shardID]
	return ok
}

func (r *Router) backendFor(shardID uint16) (backend.Backend, *circuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	be, ok := r.backends[shardID]
	if !ok {
		return nil, nil, false
	}
	return be, r.breakers[shardID], true
}

// Primary returns the backend handle for the shard owning id, failing with
// model.ErrShardUnavailable if the shard is Unhealthy or unregistered.
func (r *Router) Primary(shardID uint16) (backend.Backend, error) {
	rec, ok := r.topo.Get(shardID)
	if !ok {
		return nil, fmt.Errorf("router: shard %d: %w", shardID, model.ErrShardUnavailable)
	}
	if rec.Health == topology.Unhealthy {
		return nil, fmt.Errorf("router: shard %d unhealthy: %w", shardID, model.ErrShardUnavailable)
	}
	be, _, ok := r.backendFor(shardID)
	if !ok {
		return nil, fmt.Errorf("router: shard %d has no registered backend: %w", shardID, model.ErrShardUnavailable)
	}
	return be, nil
}

// Replica picks a read candidate for shardID per spec §4.3: when
// EnableReadFromReplicas is set and the primary is non-Healthy or
// overloaded, filter the shard's replica list to Healthy shards, sort by
// load_factor ascending with shard_id as a tie-break, and return the best
// one. Falls back to the primary shard id when no replica qualifies.
func (r *Router) Replica(shardID uint16) (uint16, error) {
	rec, ok := r.topo.Get(shardID)
	if !ok {
		return 0, fmt.Errorf("router: shard %d: %w", shardID, model.ErrShardUnavailable)
	}
	if !r.cfg.EnableReadFromReplicas || len(rec.Replicas) == 0 {
		return shardID, nil
	}
	if rec.Health == topology.Healthy && rec.LoadFactor < replicaLoadThreshold {
		return shardID, nil
	}

	type candidate struct {
		shardID uint16
		load    float64
	}
	var candidates []candidate
	for _, replicaID := range rec.Replicas {
		replicaRec, ok := r.topo.Get(replicaID)
		if !ok || replicaRec.Health != topology.Healthy {
			continue
		}
		candidates = append(candidates, candidate{shardID: replicaID, load: replicaRec.LoadFactor})
	}
	if len(candidates) == 0 {
		return shardID, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].shardID < candidates[j].shardID
	})
	return candidates[0].shardID, nil
}

// replicaLoadThreshold is the load_factor above which dispatch_read prefers
// a replica over an otherwise-Healthy primary (spec §4.3).
const replicaLoadThreshold = 0.85

// nextCandidate picks the best Healthy backend among {shardID, shardID's
// replicas} that is not already in tried, for dispatch's per-attempt
// failover (spec §4.3: retries span {primary, replica(s)}, not just the
// one candidate first resolved). Returns ok=false once every candidate has
// been tried.
func (r *Router) nextCandidate(shardID uint16, tried map[uint16]bool) (uint16, bool) {
	rec, ok := r.topo.Get(shardID)
	if !ok {
		return 0, false
	}

	type candidate struct {
		shardID uint16
		load    float64
	}
	var candidates []candidate
	if !tried[shardID] && rec.Health == topology.Healthy {
		candidates = append(candidates, candidate{shardID: shardID, load: rec.LoadFactor})
	}
	for _, replicaID := range rec.Replicas {
		if tried[replicaID] {
			continue
		}
		replicaRec, ok := r.topo.Get(replicaID)
		if !ok || replicaRec.Health != topology.Healthy {
			continue
		}
		candidates = append(candidates, candidate{shardID: replicaID, load: replicaRec.LoadFactor})
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].shardID < candidates[j].shardID
	})
	return candidates[0].shardID, true
}

// Op is the shape of work dispatched against a single shard's backend.
type Op func(ctx context.Context, be backend.Backend) error

// DispatchRead runs op against shardID's best candidate (primary or
// replica, per Replica), retrying with exponential backoff + full jitter
// over {primary, replica(s)} per spec §4.3: a retryable failure re-resolves
// the candidate excluding ones already tried this call, instead of
// retrying the same backend repeatedly.
func (r *Router) DispatchRead(ctx context.Context, shardID uint16, op Op) error {
	return r.dispatch(ctx, shardID, op, true)
}

// DispatchWrite runs op against shardID's primary only. A Fatal failure
// marks the shard Degraded (not Unhealthy, per spec §4.3 — that transition
// belongs to the health monitor) and is not retried further.
func (r *Router) DispatchWrite(ctx context.Context, shardID uint16, op Op) error {
	return r.dispatch(ctx, shardID, op, false)
}

// DispatchReadAny races op against shardID's primary and its best replica
// candidate concurrently, returning as soon as either succeeds (spec
// §4.3's read_any: a caller opting out of replica-preference heuristics
// in exchange for lower tail latency). If both fail, the primary's error
// is returned. When no distinct replica candidate exists this degrades to
// a plain DispatchRead.
func (r *Router) DispatchReadAny(ctx context.Context, shardID uint16, op Op) error {
	candidate, err := r.Replica(shardID)
	if err != nil {
		return err
	}
	if candidate == shardID {
		return r.dispatch(ctx, shardID, op, true)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var primaryErr, replicaErr error
	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		primaryErr = r.dispatch(gctx, shardID, op, false)
		if primaryErr == nil {
			cancel()
		}
		return nil
	})
	g.Go(func() error {
		replicaErr = r.dispatch(gctx, candidate, op, false)
		if replicaErr == nil {
			cancel()
		}
		return nil
	})
	_ = g.Wait()

	if primaryErr == nil || replicaErr == nil {
		return nil
	}
	return primaryErr
}

func (r *Router) dispatch(ctx context.Context, shardID uint16, op Op, allowReplicaFailover bool) error {
	err := r.dispatchInner(ctx, shardID, op, allowReplicaFailover)
	if r.met != nil {
		shard := fmt.Sprint(shardID)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		r.met.RouterDispatchTotal.WithLabelValues(shard, "dispatch", outcome).Inc()
	}
	return err
}

func (r *Router) dispatchInner(ctx context.Context, shardID uint16, op Op, allowReplicaFailover bool) error {
	candidate := shardID
	if allowReplicaFailover {
		c, err := r.Replica(shardID)
		if err != nil {
			return err
		}
		candidate = c
	}
	tried := map[uint16]bool{}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetryAttempts; attempt++ {
		tried[candidate] = true

		// The shard being unhealthy or having no registered backend is a
		// hard precondition failure for candidate — fail over to a
		// different candidate immediately (no backoff, no attempt
		// consumed) when allowReplicaFailover makes one available,
		// otherwise this is the single-candidate fast-fail DispatchWrite
		// relies on.
		if rec, ok := r.topo.Get(candidate); ok && rec.Health == topology.Unhealthy {
			lastErr = fmt.Errorf("router: shard %d unhealthy: %w", candidate, model.ErrShardUnavailable)
			if allowReplicaFailover {
				if next, ok := r.nextCandidate(shardID, tried); ok {
					candidate = next
					attempt--
					continue
				}
			}
			return r.classify(candidate, lastErr)
		}
		be, cb, ok := r.backendFor(candidate)
		if !ok {
			lastErr = fmt.Errorf("router: shard %d has no registered backend: %w", candidate, model.ErrShardUnavailable)
			if allowReplicaFailover {
				if next, ok := r.nextCandidate(shardID, tried); ok {
					candidate = next
					attempt--
					continue
				}
			}
			return r.classify(candidate, lastErr)
		}

		if r.cfg.EnableCircuitBreaker {
			allowed, isProbe := cb.allow()
			if !allowed {
				lastErr = fmt.Errorf("router: shard %d circuit open: %w", candidate, model.ErrShardUnavailable)
				if allowReplicaFailover {
					if next, ok := r.nextCandidate(shardID, tried); ok {
						candidate = next
						attempt--
						continue
					}
				}
				if !r.sleepBackoff(ctx, attempt) {
					return ctx.Err()
				}
				continue
			}
			err := op(ctx, be)
			if err != nil && errors.Is(err, model.ErrFatal) {
				cb.recordFailure()
			} else {
				cb.recordSuccess()
			}
			if r.met != nil {
				open := 0.0
				if cb.currentState() == breakerOpen {
					open = 1.0
				}
				r.met.CircuitBreakerOpen.WithLabelValues(fmt.Sprint(candidate)).Set(open)
			}
			if isProbe && err != nil {
				return r.classify(candidate, err)
			}
			if err == nil {
				return nil
			}
			lastErr = err
		} else {
			lastErr = op(ctx, be)
			if lastErr == nil {
				return nil
			}
		}

		if errors.Is(lastErr, model.ErrFatal) {
			if markErr := r.topo.MarkHealth(candidate, topology.Degraded); markErr != nil {
				r.log.Warn("router: mark degraded failed", zap.Uint16("shard_id", candidate), zap.Error(markErr))
			}
			return r.classify(candidate, lastErr)
		}
		if !errors.Is(lastErr, model.ErrRetryable) {
			return r.classify(candidate, lastErr)
		}

		if r.met != nil {
			r.met.RouterRetryTotal.WithLabelValues(fmt.Sprint(candidate)).Inc()
		}
		if attempt < r.cfg.MaxRetryAttempts {
			if allowReplicaFailover {
				if next, ok := r.nextCandidate(shardID, tried); ok {
					candidate = next
				}
			}
			if !r.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("router: shard %d: %w: %w", candidate, model.ErrShardUnavailable, lastErr)
}

func (r *Router) classify(shardID uint16, err error) error {
	return fmt.Errorf("router: shard %d: %w", shardID, err)
}

func (r *Router) sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoff(attempt, r.cfg.BaseRetryDelay, r.cfg.MaxRetryDelay)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
