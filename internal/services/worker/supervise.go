package worker

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/bobmcallan/drover/internal/models"
)

// flagJobs is the supervision duty. For every running job this worker
// owns it propagates kill and remove requests, flags wall-time and
// zombie conditions, and reaps trials whose child process vanished. For
// running jobs owned by another worker it reaps them as orphans once the
// job's heartbeat is stale beyond twice the zombie time.
func (w *Worker) flagJobs(ctx context.Context) {
	docs, err := w.store.ListQueue(ctx, models.StateRunning, 0)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to list running jobs")
		return
	}

	now := w.clock.Now()
	for _, doc := range docs {
		if doc.Locked == nil {
			continue
		}
		if doc.Locked.Worker == w.identifier {
			w.superviseOwn(ctx, doc, now)
		} else {
			w.reapOrphan(ctx, doc, now)
		}
	}
}

func (w *Worker) superviseOwn(ctx context.Context, doc *models.Job, now time.Time) {
	sup := w.supervisedFor(doc.ID)

	// A running doc we hold the lock for but no longer supervise is left
	// over from a previous incarnation of this identity. Its child is
	// gone; treat as an implicit kill.
	if sup == nil {
		w.reapDead(ctx, doc)
		return
	}

	// Kill propagation: an external kill_job or a removal while running
	// terminates the child (SIGTERM, then SIGKILL after the grace).
	if doc.KilledAt != nil || doc.RemovedAt != nil {
		sup.handle.Terminate()
		return
	}

	// Process-gone: the child pid vanished without the waiter noticing
	// yet. The waiter finalizes as killed when wait returns; nothing to
	// flag here. But probe anyway so a wedged wait cannot hide it.
	if doc.Locked.PID != nil && !pidAlive(*doc.Locked.PID) {
		sup.handle.Terminate()
	}

	// Wall time: informational flag, the job keeps running.
	if doc.WallTime > 0 && doc.StartedAt != nil && doc.WallAt == nil {
		if now.Sub(*doc.StartedAt) >= time.Duration(doc.WallTime)*time.Second {
			if set, err := w.store.SetWallAt(ctx, doc.ID, now); err != nil {
				w.logger.Warn().Str("job_id", doc.ID).Err(err).Msg("Failed to set wall_at")
			} else if set {
				w.appendJobLog(ctx, doc.ID, models.LogInfo,
					fmt.Sprintf("successfully set non-stop job [%s]", doc.ID))
			}
		}
	}

	// Zombie: the heartbeat goes stale when the child stops reporting
	// progress. A marker, not a termination.
	if doc.ZombieTime > 0 && doc.ZombieAt == nil {
		heartbeat := doc.StartedAt
		if doc.Locked.Heartbeat != nil {
			heartbeat = doc.Locked.Heartbeat
		}
		if heartbeat != nil && now.Sub(*heartbeat) > time.Duration(doc.ZombieTime)*time.Second {
			if set, err := w.store.SetZombieAt(ctx, doc.ID, now); err != nil {
				w.logger.Warn().Str("job_id", doc.ID).Err(err).Msg("Failed to set zombie_at")
			} else if set {
				w.appendJobLog(ctx, doc.ID, models.LogInfo,
					fmt.Sprintf("successfully set zombie job [%s]", doc.ID))
			}
		}
	}
}

// reapOrphan finalizes a running job held by another worker. Any worker
// may reap once the job's heartbeat is older than twice its zombie time;
// the owning worker's registry heartbeat is not consulted.
func (w *Worker) reapOrphan(ctx context.Context, doc *models.Job, now time.Time) {
	zombie := time.Duration(doc.ZombieTime) * time.Second
	if zombie <= 0 {
		return
	}
	heartbeat := doc.StartedAt
	if doc.Locked.Heartbeat != nil {
		heartbeat = doc.Locked.Heartbeat
	}
	if heartbeat == nil || now.Sub(*heartbeat) <= 2*zombie {
		return
	}

	w.logger.Warn().
		Str("job_id", doc.ID).
		Str("owner", doc.Locked.Worker).
		Msg("Reaping orphaned running job")
	w.reapDead(ctx, doc)
}

// reapDead finalizes a running job whose child no longer exists.
func (w *Worker) reapDead(ctx context.Context, doc *models.Job) {
	w.store.DeleteLock(ctx, doc.ID)
	w.finalize(ctx, doc.ID, Result{Kind: ResultKilled, Message: "process gone"})
}

// collectStats is the liveness duty: refresh this worker's registration
// and export queue gauges.
func (w *Worker) collectStats(ctx context.Context) {
	w.register(ctx)

	if w.metrics == nil {
		return
	}
	if pending, err := w.store.CountQueue(ctx, models.StatePending); err == nil {
		w.metrics.QueueDepth.Set(float64(pending))
	}
	w.metrics.RunningJobs.Set(float64(w.RunningCount()))
}

// removeJobs processes removal markers: running jobs get a termination
// request to their supervisor; everything else moves to the journal
// as-is.
func (w *Worker) removeJobs(ctx context.Context) {
	docs, err := w.store.ListRemoved(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to list removed jobs")
		return
	}

	for _, doc := range docs {
		if doc.State == models.StateRunning {
			if sup := w.supervisedFor(doc.ID); sup != nil {
				sup.handle.Terminate()
			}
			continue
		}

		w.store.DeleteLock(ctx, doc.ID)
		if err := w.store.MoveToJournal(ctx, doc.ID); err != nil {
			w.logger.Warn().Str("job_id", doc.ID).Err(err).Msg("Failed to journal removed job")
			continue
		}
		w.logger.Info().Str("job_id", doc.ID).Str("state", doc.State).Msg("Removed job journaled")
		w.broadcast(ctx, models.EventRemoved, doc)
	}
}

// Cleanup removes lock rows that no longer have a running queue
// document behind them. Called by tests.
func (w *Worker) Cleanup(ctx context.Context) error {
	locks, err := w.store.ListLocks(ctx)
	if err != nil {
		return err
	}
	for _, lock := range locks {
		doc, err := w.store.GetQueueJob(ctx, lock.JobID)
		if err != nil {
			return err
		}
		if doc == nil || doc.State != models.StateRunning {
			if _, err := w.store.DeleteLock(ctx, lock.JobID); err != nil {
				return err
			}
		}
	}
	return nil
}

// pidAlive probes whether a process exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
