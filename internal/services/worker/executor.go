// Package worker implements the worker engine: the cooperative control
// loop, the dequeue protocol, per-job supervision, and finalization.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
	"golang.org/x/time/rate"
)

// Result kinds. The typed message is the only channel a trial reports
// its outcome through; deferral is a flag, not an unwound exception.
const (
	ResultOK     = "ok"
	ResultFail   = "fail"
	ResultDefer  = "defer"
	ResultKilled = "killed"
)

// Result is the outcome message of one trial.
type Result struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// progressReporter persists progress through the store. Every report
// refreshes locked.heartbeat; the progress value and message are only
// persisted when the job's progress interval has elapsed, and the last
// pending report is flushed at termination.
type progressReporter struct {
	store  interfaces.Store
	logger *common.Logger
	jobID  string
	worker string

	mu      sync.Mutex
	limiter *rate.Limiter
	pending bool
	value   float64
	message string
}

func newProgressReporter(store interfaces.Store, logger *common.Logger, job *models.Job, worker string) *progressReporter {
	interval := job.ProgressInterval
	if interval <= 0 {
		interval = 5
	}
	return &progressReporter{
		store:   store,
		logger:  logger,
		jobID:   job.ID,
		worker:  worker,
		limiter: rate.NewLimiter(rate.Every(time.Duration(interval*float64(time.Second))), 1),
	}
}

func (r *progressReporter) report(fraction float64, message string) {
	r.mu.Lock()
	persist := r.limiter.Allow()
	if !persist {
		r.pending = true
		r.value = fraction
		r.message = message
	} else {
		r.pending = false
	}
	r.mu.Unlock()

	ctx := context.Background()
	now := time.Now().UTC()
	if persist {
		r.persist(ctx, now, fraction, message)
		return
	}
	if err := r.store.UpdateProgress(ctx, r.jobID, now, nil, ""); err != nil {
		r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to update heartbeat")
	}
}

// flush persists the last unpersisted report, if any. Called once when
// the trial ends so the final progress is never lost to throttling.
func (r *progressReporter) flush() {
	r.mu.Lock()
	pending, value, message := r.pending, r.value, r.message
	r.pending = false
	r.mu.Unlock()

	if pending {
		r.persist(context.Background(), time.Now().UTC(), value, message)
	}
}

func (r *progressReporter) persist(ctx context.Context, now time.Time, value float64, message string) {
	if err := r.store.UpdateProgress(ctx, r.jobID, now, &value, message); err != nil {
		r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to persist progress")
		return
	}
	if err := r.store.AppendLog(ctx, &models.LogRecord{
		JobID:     r.jobID,
		Worker:    r.worker,
		Level:     models.LogDebug,
		Message:   "progress",
		CreatedAt: now,
	}); err != nil {
		r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to log progress")
	}
}

// ExecuteTrial runs one trial of a job to a typed result. It is shared
// by the child process entry point and the in-process launcher: user
// code runs the same way in both, reporting progress through the store.
func ExecuteTrial(ctx context.Context, store interfaces.Store, registry *jobs.Registry, job *models.Job, worker string, logger *common.Logger) Result {
	def, ok := registry.Lookup(job.Name)
	if !ok {
		return Result{Kind: ResultFail, Message: fmt.Sprintf("unknown job class %q", job.Name)}
	}
	if missing := def.MissingArgs(job.Args); len(missing) > 0 {
		return Result{Kind: ResultFail, Message: fmt.Sprintf("missing required arguments %v", missing)}
	}

	reporter := newProgressReporter(store, logger, job, worker)
	jobCtx := jobs.NewContext(job, reporter.report)

	var execErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				execErr = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
			}
		}()
		execErr = def.New().Execute(ctx, jobCtx)
	}()

	reporter.flush()

	if ctx.Err() != nil {
		return Result{Kind: ResultKilled, Message: "terminated"}
	}
	if execErr != nil {
		return Result{Kind: ResultFail, Message: execErr.Error()}
	}
	if deferred, msg := jobCtx.Deferred(); deferred {
		return Result{Kind: ResultDefer, Message: msg}
	}
	return Result{Kind: ResultOK}
}
