package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/models"
)

// finalize applies the exit-path decision tree to a finished trial:
//
//	ok                        -> complete
//	defer, defer budget left  -> deferred, query_at = now + defer_time
//	defer, budget exhausted   -> inactive
//	fail, attempts left       -> failed, query_at = now + error_time
//	fail, attempts left but
//	  defer budget exhausted  -> inactive
//	fail, no attempts left    -> error
//	killed                    -> killed
//
// In all cases the lock is released, runtime computed, and the done
// log written; terminal outcomes move the document to the journal.
func (w *Worker) finalize(ctx context.Context, id string, result Result) {
	job, err := w.store.GetQueueJob(ctx, id)
	if err != nil {
		w.logger.Warn().Str("job_id", id).Err(err).Msg("Finalize: failed to load job")
		return
	}
	if job == nil || job.State != models.StateRunning {
		return // already finalized or reaped elsewhere
	}

	now := w.clock.Now()
	fin := interfaces.Finish{
		State:      models.StateError,
		FinishedAt: now,
	}
	if job.StartedAt != nil {
		fin.Runtime = now.Sub(*job.StartedAt).Seconds()
	}

	switch result.Kind {
	case ResultOK:
		fin.State = models.StateComplete

	case ResultDefer:
		deferMax := time.Duration(job.DeferMax) * time.Second
		if deferMax > 0 && now.Sub(job.Enqueued.At) > deferMax {
			fin.State = models.StateInactive
			fin.LastError = result.Message
		} else {
			fin.State = models.StateDeferred
			fin.RestoreAttempt = true
			queryAt := now.Add(time.Duration(job.DeferTime) * time.Second)
			fin.QueryAt = &queryAt
		}

	case ResultKilled:
		fin.State = models.StateKilled

	default: // fail
		fin.LastError = result.Message
		deferMax := time.Duration(job.DeferMax) * time.Second
		switch {
		case job.AttemptsLeft <= 0:
			fin.State = models.StateError
		case deferMax > 0 && now.Sub(job.Enqueued.At) > deferMax:
			// Retries remain but the retry budget ran out of wall time.
			fin.State = models.StateInactive
		default:
			fin.State = models.StateFailed
			queryAt := now.Add(time.Duration(job.ErrorTime) * time.Second)
			fin.QueryAt = &queryAt
		}
	}

	finished, err := w.store.FinishJob(ctx, id, fin)
	if err != nil {
		w.logger.Warn().Str("job_id", id).Err(err).Msg("Finalize: failed to finish job")
		return
	}
	if !finished {
		return // lost the race to another transition
	}

	w.appendJobLog(ctx, id, models.LogInfo, fmt.Sprintf("done execution with [%s]", fin.State))
	w.store.DeleteLock(ctx, id)

	if models.IsTerminal(fin.State) {
		if err := w.store.MoveToJournal(ctx, id); err != nil {
			w.logger.Warn().Str("job_id", id).Err(err).Msg("Finalize: failed to journal job")
		}
	}

	if w.metrics != nil {
		w.metrics.JobOutcomes.WithLabelValues(fin.State).Inc()
	}

	event := models.EventCompleted
	switch fin.State {
	case models.StateFailed, models.StateError:
		event = models.EventFailed
	case models.StateDeferred, models.StateInactive:
		event = models.EventDeferred
	case models.StateKilled:
		event = models.EventKilled
	}
	job.State = fin.State
	job.FinishedAt = &fin.FinishedAt
	w.broadcast(ctx, event, job)

	w.logger.Debug().
		Str("job_id", id).
		Str("state", fin.State).
		Float64("runtime", fin.Runtime).
		Msg("Job finalized")
}

// finalizeUnstartable turns a freshly claimed but unstartable job —
// unknown class, missing required arguments — terminal with state error
// without launching a trial. Retries would fail the same way.
func (w *Worker) finalizeUnstartable(ctx context.Context, job *models.Job, reason string) {
	now := w.clock.Now()
	fin := interfaces.Finish{
		State:      models.StateError,
		FinishedAt: now,
		LastError:  reason,
	}
	if job.StartedAt != nil {
		fin.Runtime = now.Sub(*job.StartedAt).Seconds()
	}

	if _, err := w.store.FinishJob(ctx, job.ID, fin); err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to finish unstartable job")
		return
	}
	w.appendJobLog(ctx, job.ID, models.LogInfo, fmt.Sprintf("done execution with [%s]", models.StateError))
	w.store.DeleteLock(ctx, job.ID)
	if err := w.store.MoveToJournal(ctx, job.ID); err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to journal unstartable job")
	}

	w.logger.Warn().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("reason", reason).
		Msg("Job cannot start")
}

// appendJobLog writes a lifecycle record to the log collection.
func (w *Worker) appendJobLog(ctx context.Context, jobID, level, message string) {
	if err := w.store.AppendLog(ctx, &models.LogRecord{
		JobID:     jobID,
		Worker:    w.identifier,
		Level:     level,
		Message:   message,
		CreatedAt: w.clock.Now(),
	}); err != nil {
		w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to append job log")
	}
}

// broadcast publishes a job transition to the hub, if one is attached.
func (w *Worker) broadcast(ctx context.Context, eventType string, job *models.Job) {
	if w.hub == nil {
		return
	}
	pending, _ := w.store.CountQueue(ctx, models.StatePending)
	w.hub.Broadcast(models.NewJobEvent(eventType, job, w.identifier, pending, w.clock.Now()))
}
