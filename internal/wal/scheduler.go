package wal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunScheduler starts the background task that scans for transactions in
// {InFlight, Compensating} whose NextAttemptAt has arrived and resumes
// them (spec §4.4 "scheduler"). It blocks until ctx is cancelled.
func (m *Manager) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	due, err := m.store.ScanDue(ctx, []TxnState{TxnInFlight, TxnCompensating}, time.Now())
	if err != nil {
		m.log.Error("wal: scheduler scan failed", zap.Error(err))
		return
	}
	for _, txn := range due {
		if err := m.Execute(ctx, txn.ID); err != nil {
			m.log.Error("wal: scheduled execute failed", zap.String("txn_id", txn.ID), zap.Error(err))
		}
	}
}

// RunReaper starts the background task that truncates transactions in a
// terminal state ({Committed, Compensated}) older than
// cfg.MaxTransactionAge (spec §4.4 "reaper"). It blocks until ctx is
// cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) reap(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.MaxTransactionAge)
	stale, err := m.store.ScanOlderThan(ctx, []TxnState{TxnCommitted, TxnCompensated}, cutoff)
	if err != nil {
		m.log.Error("wal: reaper scan failed", zap.Error(err))
		return
	}
	for _, txn := range stale {
		if err := m.store.Delete(ctx, txn.ID); err != nil {
			m.log.Error("wal: reaper delete failed", zap.String("txn_id", txn.ID), zap.Error(err))
		}
	}
}

// Recover replays execute for every non-terminal transaction found in the
// store, per spec §4.4 "on startup, execute is invoked for every
// non-terminal transaction."
func (m *Manager) Recover(ctx context.Context) error {
	all, err := m.store.ScanAll(ctx)
	if err != nil {
		return err
	}
	for _, txn := range all {
		if isTerminal(txn.State) {
			continue
		}
		if err := m.Execute(ctx, txn.ID); err != nil {
			m.log.Error("wal: recovery execute failed", zap.String("txn_id", txn.ID), zap.Error(err))
		}
	}
	return nil
}
