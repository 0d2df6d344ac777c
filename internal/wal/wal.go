package wal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/romilpunetha/tao-sub001/internal/backend"
	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/router"
)

// Config holds the WAL's tunables, named after spec §6's enumerated
// options.
type Config struct {
	MaxRetryAttempts  int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	MaxTransactionAge time.Duration
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  3,
		BaseRetryDelay:    100 * time.Millisecond,
		MaxRetryDelay:     5 * time.Second,
		MaxTransactionAge: 60 * time.Second,
	}
}

// Manager drives the WAL state machine (spec §4.4): begin persists a new
// transaction, execute advances it step by step, and the scheduler/reaper
// background tasks resume due transactions and truncate terminal ones.
type Manager struct {
	store  Store
	router *router.Router
	log    *zap.Logger
	cfg    Config
	met    *metrics.Metrics
}

// New constructs a Manager. store must outlive the Manager; router must
// already have every shard the transactions it drives will touch
// registered.
func New(store Store, rtr *router.Router, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, router: rtr, log: log, cfg: cfg}
}

// SetMetrics installs the prometheus collectors Execute reports against.
// Passing nil (the default) disables metrics entirely.
func (m *Manager) SetMetrics(met *metrics.Metrics) {
	m.met = met
}

// Begin persists a new transaction in state Pending and returns its id
// (spec §4.4 "persists the transaction record in state Pending; returns
// immediately once fsynced" — fsync durability is the Store
// implementation's responsibility, satisfied by BoltStore).
func (m *Manager) Begin(ctx context.Context, steps []Step) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("wal: transaction with no steps: %w", model.ErrValidation)
	}
	txn := &Transaction{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		State:     TxnPending,
		Steps:     steps,
	}
	if err := m.store.Put(ctx, txn); err != nil {
		return "", fmt.Errorf("wal: begin: %w", err)
	}
	return txn.ID, nil
}

// Execute drives txnID's state machine one pass forward, per spec §4.4.
// A nil return does not imply the transaction committed: on a Retryable
// step failure, Execute persists the reschedule and returns nil for the
// scheduler to resume later.
func (m *Manager) Execute(ctx context.Context, txnID string) error {
	txn, ok, err := m.store.Get(ctx, txnID)
	if err != nil {
		return fmt.Errorf("wal: execute %s: %w", txnID, err)
	}
	if !ok {
		return fmt.Errorf("wal: transaction %s: %w", txnID, model.ErrNotFound)
	}

	switch txn.State {
	case TxnPending:
		txn.State = TxnInFlight
		txn.AttemptCount = 1
		if m.met != nil {
			m.met.WALInFlightGauge.Inc()
		}
	case TxnInFlight:
		txn.AttemptCount++
	case TxnCompensating:
		return m.runCompensation(ctx, txn)
	case TxnCommitted, TxnCompensated, TxnFailed:
		return nil // terminal, nothing to do
	}

	return m.runForward(ctx, txn)
}

func (m *Manager) runForward(ctx context.Context, txn *Transaction) error {
	for i := range txn.Steps {
		step := &txn.Steps[i]
		if step.State == StepCommitted {
			continue
		}

		err := m.dispatchStep(ctx, *step)
		if err == nil {
			step.State = StepCommitted
			if putErr := m.store.Put(ctx, txn); putErr != nil {
				return fmt.Errorf("wal: persist step commit: %w", putErr)
			}
			continue
		}

		if errors.Is(err, model.ErrRetryable) && txn.AttemptCount <= m.cfg.MaxRetryAttempts {
			txn.NextAttemptAt = time.Now().Add(backoffDelay(txn.AttemptCount, m.cfg))
			return m.store.Put(ctx, txn)
		}

		m.log.Warn("wal: step failed, entering compensation",
			zap.String("txn_id", txn.ID), zap.Int("step", i), zap.Error(err))
		txn.State = TxnCompensating
		if m.met != nil {
			m.met.WALCompensationTotal.Inc()
		}
		if putErr := m.store.Put(ctx, txn); putErr != nil {
			return fmt.Errorf("wal: persist compensating transition: %w", putErr)
		}
		return m.runCompensation(ctx, txn)
	}

	txn.State = TxnCommitted
	if m.met != nil {
		m.met.WALInFlightGauge.Dec()
		m.met.WALTransactionTotal.WithLabelValues(txn.State.String()).Inc()
	}
	return m.store.Put(ctx, txn)
}

func (m *Manager) runCompensation(ctx context.Context, txn *Transaction) error {
	for i := len(txn.Steps) - 1; i >= 0; i-- {
		step := &txn.Steps[i]
		if step.State != StepCommitted {
			continue
		}
		if err := m.dispatchStep(ctx, step.inverse()); err != nil {
			m.log.Error("wal: compensation step failed, will retry",
				zap.String("txn_id", txn.ID), zap.Int("step", i), zap.Error(err))
			txn.NextAttemptAt = time.Now().Add(backoffDelay(txn.AttemptCount+1, m.cfg))
			txn.AttemptCount++
			return m.store.Put(ctx, txn)
		}
		step.State = StepCompensated
	}

	txn.State = TxnCompensated
	if m.met != nil {
		m.met.WALInFlightGauge.Dec()
		m.met.WALTransactionTotal.WithLabelValues(txn.State.String()).Inc()
	}
	if err := m.store.Put(ctx, txn); err != nil {
		return err
	}
	m.log.Warn("wal: transaction compensated and failed", zap.String("txn_id", txn.ID))
	return nil
}

func (m *Manager) dispatchStep(ctx context.Context, step Step) error {
	op := stepOp(step)
	return m.router.DispatchWrite(ctx, step.ShardID, op)
}

func stepOp(step Step) router.Op {
	switch step.Kind {
	case StepObjPut:
		return func(ctx context.Context, be backend.Backend) error {
			return be.ObjPut(ctx, step.Object)
		}
	case StepObjUpdate:
		return func(ctx context.Context, be backend.Backend) error {
			_, err := be.ObjUpdate(ctx, step.Object.ID, step.Object.Data, step.Object.UpdatedAt)
			return err
		}
	case StepObjDelete:
		return func(ctx context.Context, be backend.Backend) error {
			_, err := be.ObjDelete(ctx, step.Object.ID)
			return err
		}
	case StepAssocPut:
		return func(ctx context.Context, be backend.Backend) error {
			return be.AssocPut(ctx, step.Assoc)
		}
	case StepAssocDelete:
		return func(ctx context.Context, be backend.Backend) error {
			_, err := be.AssocDelete(ctx, step.Assoc.ID1, step.Assoc.Atype, step.Assoc.ID2)
			return err
		}
	default:
		return func(context.Context, backend.Backend) error {
			return fmt.Errorf("wal: unknown step kind %d", step.Kind)
		}
	}
}

// backoffDelay computes the next-attempt delay with exponential growth and
// full jitter, the same shape as internal/router's backoff but kept local
// since it is an unexported helper there.
func backoffDelay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.MaxRetryDelay {
			d = cfg.MaxRetryDelay
			break
		}
	}
	if d > cfg.MaxRetryDelay {
		d = cfg.MaxRetryDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Peek returns a snapshot of txnID's current record without advancing its
// state machine, used by callers (tao.Coordinator) that need to inspect
// per-step outcomes immediately after Execute returns — in particular,
// which steps ended Committed versus Compensated, to mirror that into the
// cache precisely.
func (m *Manager) Peek(ctx context.Context, txnID string) (*Transaction, error) {
	txn, ok, err := m.store.Get(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("wal: peek %s: %w", txnID, err)
	}
	if !ok {
		return nil, fmt.Errorf("wal: transaction %s: %w", txnID, model.ErrNotFound)
	}
	return txn, nil
}

// Await blocks until txnID reaches a terminal state or ctx is cancelled,
// polling the store — a convenience for callers (tao.Coordinator) that
// want synchronous-looking semantics over the asynchronous WAL.
func (m *Manager) Await(ctx context.Context, txnID string, pollInterval time.Duration) (*Transaction, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		txn, ok, err := m.store.Get(ctx, txnID)
		if err != nil {
			return nil, err
		}
		if ok && isTerminal(txn.State) {
			return txn, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("wal: await %s: %w", txnID, model.ErrCancelled)
		}
	}
}

func isTerminal(s TxnState) bool {
	return s == TxnCommitted || s == TxnCompensated || s == TxnFailed
}
