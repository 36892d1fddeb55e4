// ABOUTME: Reconciliation Loop that archives inactive agents and expires ephemeral state.
// ABOUTME: Each sweep step is bounded and isolated so one failure never stops the others.

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ayman-m/yaragent/internal/config"
	"github.com/ayman-m/yaragent/internal/store"
)

// Batch sizes bound the rows each step touches per tick.
const (
	ArchiveBatch   = 2000
	EphemeralBatch = 500
	OrphanBatch    = 1000
)

// LiveSet reports whether an agent currently holds a live connection.
type LiveSet interface {
	IsOnline(agentID string) bool
}

// Report counts what one sweep changed.
type Report struct {
	Archived int
	Purged   int
	Expired  int
	Orphaned int
}

// Reconciler periodically cleans the Control-State Store.
type Reconciler struct {
	store  store.Store
	live   LiveSet
	cfg    config.AgentsConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler. live guards the delete steps; agents it reports
// online are never deleted by lease or orphan expiry.
func New(st store.Store, live LiveSet, cfg config.AgentsConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		live:   live,
		cfg:    cfg,
		logger: logger.With("component", "reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every cleanup interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := max(r.cfg.CleanupInterval, config.MinCleanupInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation loop started",
		"interval", interval,
		"inactivity_threshold", r.cfg.InactivityThreshold(),
		"auto_delete_ephemeral", r.cfg.AutoDelete(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// StartupSweep archives inactive agents and purges expired archive rows once.
// It returns the first store error so startup can surface it.
func (r *Reconciler) StartupSweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	now := r.now()

	n, err := r.archive(ctx, now)
	rep.Archived = n
	errs = append(errs, err)

	n, err = r.purge(ctx, now)
	rep.Purged = n
	errs = append(errs, err)

	r.logReport("startup sweep", rep)
	return rep, errors.Join(errs...)
}

// Sweep runs one full tick: archive, purge, lease expiry, orphan delete.
// Step failures are logged and the remaining steps still run.
func (r *Reconciler) Sweep(ctx context.Context) Report {
	var rep Report
	now := r.now()

	var err error
	if rep.Archived, err = r.archive(ctx, now); err != nil {
		r.logger.Error("archiving inactive agents failed", "error", err)
	}
	if rep.Purged, err = r.purge(ctx, now); err != nil {
		r.logger.Error("purging archived agents failed", "error", err)
	}
	if r.cfg.AutoDelete() {
		if rep.Expired, err = r.expireEphemeral(ctx, now); err != nil {
			r.logger.Error("expiring ephemeral agents failed", "error", err)
		}
	}
	if rep.Orphaned, err = r.deleteOrphans(ctx, now); err != nil {
		r.logger.Error("deleting orphaned agents failed", "error", err)
	}

	r.logReport("sweep", rep)
	return rep
}

func (r *Reconciler) archive(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.InactivityThreshold())
	return r.store.ArchiveInactive(ctx, now, cutoff, ArchiveBatch)
}

func (r *Reconciler) purge(ctx context.Context, now time.Time) (int, error) {
	retention := time.Duration(max(r.cfg.StaleRetentionDays, 1)) * 24 * time.Hour
	return r.store.PurgeArchived(ctx, now.Add(-retention))
}

func (r *Reconciler) expireEphemeral(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.ExpiredEphemeral(ctx, now.Add(-r.cfg.EphemeralGrace), EphemeralBatch)
	if err != nil {
		return 0, err
	}
	return r.deleteOffline(ctx, ids)
}

func (r *Reconciler) deleteOrphans(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.OrphanCandidates(ctx, now.Add(-r.cfg.OrphanAfter), OrphanBatch)
	if err != nil {
		return 0, err
	}
	return r.deleteOffline(ctx, ids)
}

// deleteOffline deletes the ids that have no live connection.
func (r *Reconciler) deleteOffline(ctx context.Context, ids []string) (int, error) {
	offline := make([]string, 0, len(ids))
	for _, id := range ids {
		if r.live != nil && r.live.IsOnline(id) {
			continue
		}
		offline = append(offline, id)
	}
	if len(offline) == 0 {
		return 0, nil
	}
	return r.store.DeleteAgents(ctx, offline)
}

func (r *Reconciler) logReport(msg string, rep Report) {
	attrs := make([]any, 0, 8)
	if rep.Archived > 0 {
		attrs = append(attrs, "archived", rep.Archived)
	}
	if rep.Purged > 0 {
		attrs = append(attrs, "purged", rep.Purged)
	}
	if rep.Expired > 0 {
		attrs = append(attrs, "expired_ephemeral", rep.Expired)
	}
	if rep.Orphaned > 0 {
		attrs = append(attrs, "orphans_deleted", rep.Orphaned)
	}
	if len(attrs) > 0 {
		r.logger.Info(msg, attrs...)
	}
}
