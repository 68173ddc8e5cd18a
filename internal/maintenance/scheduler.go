// Package maintenance implements the background scheduler that keeps every
// table's file-set healthy without an operator running it by hand (§4.5):
// periodic session cleanup, compaction, clustering, and vacuum, each
// isolated so one task's failure never blocks the others. Grounded on
// pkg/reconciler's single ticker-driven run loop, generalized to several
// independent periods.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/txstore"
)

const (
	sessionCleanupInterval = time.Hour
	compactInterval        = 6 * time.Hour
	clusterInterval        = 24 * time.Hour
	vacuumInterval         = 24 * time.Hour
)

// clusterColumnsFor returns a table's default z-order clustering key.
func clusterColumnsFor(table string) []string {
	switch table {
	case schema.TableSessions:
		return schema.SessionZOrderColumns()
	case schema.TableAuditLog:
		return schema.AuditZOrderColumns()
	case schema.TableUserActions:
		return schema.UserActionsZOrderColumns()
	default:
		return nil
	}
}

// Scheduler runs the periodic maintenance tasks for every domain table.
type Scheduler struct {
	store          *txstore.Store
	retentionHours int64
	stopCh         chan struct{}
}

// New returns a Scheduler over store, vacuuming at retentionHours.
func New(store *txstore.Store, retentionHours int64) *Scheduler {
	return &Scheduler{store: store, retentionHours: retentionHours, stopCh: make(chan struct{})}
}

// Start launches the four independent ticker loops.
func (s *Scheduler) Start() {
	go s.loop("session_cleanup", sessionCleanupInterval, s.cleanupExpiredSessions)
	go s.loop("compact", compactInterval, s.compactAll)
	go s.loop("cluster", clusterInterval, s.clusterAll)
	go s.loop("vacuum", vacuumInterval, s.vacuumAll)
}

// Stop halts every loop.
func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) loop(name string, interval time.Duration, task func(ctx context.Context) error) {
	logger := log.WithActor("maintenance")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := task(context.Background()); err != nil {
				metrics.MaintenanceCyclesTotal.WithLabelValues(name, "error").Inc()
				logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
				continue
			}
			metrics.MaintenanceCyclesTotal.WithLabelValues(name, "ok").Inc()
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce runs session cleanup, compaction, and vacuum immediately — the
// one-shot maintenance pass exposed to the CLI and the admin API.
// Clustering is intentionally excluded: it is expensive relative to the
// others and is left to the periodic loop rather than an on-demand call.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, task := range []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"session_cleanup", s.cleanupExpiredSessions},
		{"compact", s.compactAll},
		{"vacuum", s.vacuumAll},
	} {
		if err := task.fn(ctx); err != nil {
			metrics.MaintenanceCyclesTotal.WithLabelValues(task.name, "error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.MaintenanceCyclesTotal.WithLabelValues(task.name, "ok").Inc()
	}
	return firstErr
}

func (s *Scheduler) cleanupExpiredSessions(ctx context.Context) error {
	pred := txstore.Predicate{Column: "expires_at", Op: txstore.OpLt, Value: time.Now().Format(time.RFC3339Nano)}
	_, err := s.store.Delete(ctx, schema.TableSessions, pred)
	return err
}

func (s *Scheduler) compactAll(ctx context.Context) error {
	var firstErr error
	for _, t := range schema.AllTables() {
		if _, err := s.store.Compact(ctx, t.Name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("compact %s: %w", t.Name, err)
		}
	}
	return firstErr
}

func (s *Scheduler) clusterAll(ctx context.Context) error {
	var firstErr error
	for _, t := range schema.AllTables() {
		cols := clusterColumnsFor(t.Name)
		if len(cols) == 0 {
			continue
		}
		if _, err := s.store.Cluster(ctx, t.Name, cols); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cluster %s: %w", t.Name, err)
		}
	}
	return firstErr
}

func (s *Scheduler) vacuumAll(ctx context.Context) error {
	var firstErr error
	for _, t := range schema.AllTables() {
		if _, err := s.store.Vacuum(ctx, t.Name, s.retentionHours, false, false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("vacuum %s: %w", t.Name, err)
		}
	}
	return firstErr
}
