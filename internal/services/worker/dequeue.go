package worker

import (
	"context"
	"fmt"

	"github.com/bobmcallan/drover/internal/models"
)

// workJobs is the dequeue duty: claim at most one runnable job and
// dispatch it to the supervisor.
func (w *Worker) workJobs(ctx context.Context) {
	job, err := w.GetNextJob(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Dequeue failed")
		return
	}
	if job == nil {
		return
	}
	w.startJob(ctx, job)
}

// GetNextJob runs the claim protocol: an atomic conditional update on
// the best runnable queue document, then insertion into the lock
// collection. A lock conflict means a concurrent observer beat us
// between the two steps; the claim is rolled back and the dequeue
// retried.
func (w *Worker) GetNextJob(ctx context.Context) (*models.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := w.store.ClaimNextJob(ctx, w.identifier, w.clock.Now())
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}

		locked, err := w.store.InsertLock(ctx, job.ID, w.identifier, w.clock.Now())
		if err != nil {
			w.store.ReleaseClaim(ctx, job.ID)
			return nil, err
		}
		if !locked {
			w.logger.Debug().Str("job_id", job.ID).Msg("Lock conflict, rolling back claim")
			if err := w.store.ReleaseClaim(ctx, job.ID); err != nil {
				return nil, err
			}
			continue
		}
		return job, nil
	}
	return nil, nil
}

// startJob dispatches a claimed job to the supervisor. Jobs with an
// unregistered class or missing required arguments turn terminal with
// state error immediately; enqueue accepts anything, the start gate does
// not.
func (w *Worker) startJob(ctx context.Context, job *models.Job) {
	w.appendJobLog(ctx, job.ID, models.LogInfo, "start execution")
	w.broadcast(ctx, models.EventStarted, job)
	if w.metrics != nil {
		w.metrics.JobsDequeued.Inc()
	}

	if def, ok := w.registry.Lookup(job.Name); !ok {
		w.finalizeUnstartable(ctx, job, fmt.Sprintf("unknown job class %q", job.Name))
		return
	} else if missing := def.MissingArgs(job.Args); len(missing) > 0 {
		w.finalizeUnstartable(ctx, job, fmt.Sprintf("missing required arguments %v", missing))
		return
	}

	handle, err := w.launcher.Launch(ctx, job)
	if err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to launch trial")
		w.finalize(context.Background(), job.ID, Result{Kind: ResultFail, Message: err.Error()})
		return
	}

	if err := w.store.SetLockedPID(ctx, job.ID, handle.PID); err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to record child pid")
	}

	sup := &supervised{job: job, handle: handle, startedAt: w.clock.Now()}
	w.track(job.ID, sup)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		result := <-handle.Done
		// The loop context may be gone by the time the trial ends; the
		// finalizer must still run.
		w.finalize(context.Background(), job.ID, result)
		w.untrack(job.ID)
	}()
}
