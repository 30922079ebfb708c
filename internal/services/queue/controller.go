// Package queue implements the caller-facing queue controller: enqueue,
// lookup, and asynchronous control requests over the job queue.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/google/uuid"
)

// EventSink receives queue lifecycle events. The worker engine's
// WebSocket hub implements it; a nil sink drops events.
type EventSink interface {
	Broadcast(evt models.JobEvent)
}

// Controller mutates queue state through the document store. Kill and
// remove requests are markers the owning worker observes at its next
// supervision duty; the controller never touches a running child itself.
type Controller struct {
	store    interfaces.Store
	registry *jobs.Registry
	config   *common.Config
	logger   *common.Logger
	clock    common.Clock
	identity string
	events   EventSink
}

// NewController creates a queue controller. identity is recorded as
// enqueued.by on documents this controller creates.
func NewController(store interfaces.Store, registry *jobs.Registry, config *common.Config, logger *common.Logger, clock common.Clock, identity string) *Controller {
	if clock == nil {
		clock = common.RealClock{}
	}
	return &Controller{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger,
		clock:    clock,
		identity: identity,
	}
}

// SetEvents attaches the event sink. The hub lives in the worker
// engine, which is constructed after the controller, so the sink
// arrives late.
func (c *Controller) SetEvents(sink EventSink) {
	c.events = sink
}

// emit publishes a queue lifecycle event, if a sink is attached.
func (c *Controller) emit(ctx context.Context, eventType string, job *models.Job) {
	if c.events == nil {
		return
	}
	pending, _ := c.store.CountQueue(ctx, models.StatePending)
	c.events.Broadcast(models.NewJobEvent(eventType, job, c.identity, pending, c.clock.Now()))
}

// Enqueue creates a pending job document. Defaults come from the job
// class registration when the name is known, falling back to the queue
// configuration; overrides win over both. Unknown names are accepted
// here and turn terminal at start.
func (c *Controller) Enqueue(ctx context.Context, name string, args map[string]any, overrides *models.EnqueueOverrides) (*models.Job, error) {
	if name == "" {
		return nil, fmt.Errorf("cannot enqueue job without a name")
	}
	if args == nil {
		args = map[string]any{}
	}

	now := c.clock.Now()
	job := &models.Job{
		ID:         uuid.New().String()[:8],
		Name:       name,
		Args:       args,
		State:      models.StatePending,
		EnqueuedAt: now,
		Enqueued: models.Enqueued{
			By: c.identity,
			At: now,
		},
	}
	c.applyDefaults(job)
	applyOverrides(job, overrides)
	job.AttemptsLeft = job.Attempts

	if err := c.store.InsertQueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("name", name).
		Int("priority", job.Priority).
		Msg("Job enqueued")
	c.emit(ctx, models.EventQueued, job)

	return job, nil
}

// applyDefaults copies the job class defaults (or queue configuration
// fallbacks) onto the document.
func (c *Controller) applyDefaults(job *models.Job) {
	qc := c.config.Queue
	job.Attempts = qc.Attempts
	job.Priority = qc.Priority
	job.DeferTime = qc.DeferTime
	job.DeferMax = qc.DeferMax
	job.ErrorTime = qc.ErrorTime
	job.ZombieTime = qc.ZombieTime
	job.ProgressInterval = qc.ProgressInterval

	def, ok := c.registry.Lookup(job.Name)
	if !ok {
		return
	}
	d := def.Defaults
	if d.Attempts > 0 {
		job.Attempts = d.Attempts
	}
	if d.Priority != 0 {
		job.Priority = d.Priority
	}
	if d.DeferTime > 0 {
		job.DeferTime = d.DeferTime
	}
	if d.DeferMax > 0 {
		job.DeferMax = d.DeferMax
	}
	if d.ErrorTime > 0 {
		job.ErrorTime = d.ErrorTime
	}
	if d.WallTime > 0 {
		job.WallTime = d.WallTime
	}
	if d.ZombieTime > 0 {
		job.ZombieTime = d.ZombieTime
	}
	if d.ProgressInterval > 0 {
		job.ProgressInterval = d.ProgressInterval
	}
}

func applyOverrides(job *models.Job, o *models.EnqueueOverrides) {
	if o == nil {
		return
	}
	if o.Priority != nil {
		job.Priority = *o.Priority
	}
	if o.Attempts != nil {
		job.Attempts = *o.Attempts
	}
	if o.DeferTime != nil {
		job.DeferTime = *o.DeferTime
	}
	if o.DeferMax != nil {
		job.DeferMax = *o.DeferMax
	}
	if o.ErrorTime != nil {
		job.ErrorTime = *o.ErrorTime
	}
	if o.WallTime != nil {
		job.WallTime = *o.WallTime
	}
	if o.ZombieTime != nil {
		job.ZombieTime = *o.ZombieTime
	}
	if o.ProgressInterval != nil {
		job.ProgressInterval = *o.ProgressInterval
	}
}

// FindJob searches the queue, then the journal.
func (c *Controller) FindJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := c.store.GetQueueJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job != nil {
		return job, nil
	}
	return c.store.GetJournalJob(ctx, id)
}

// RemoveJob flags a non-terminal job for removal. The owning worker's
// remove_jobs duty journals it (or terminates it first when running).
// Idempotent: re-flagging an already flagged job succeeds.
func (c *Controller) RemoveJob(ctx context.Context, id string) (bool, error) {
	return c.store.MarkRemoved(ctx, id, c.clock.Now())
}

// KillJob requests termination of a running job. Returns false when the
// job is not running.
func (c *Controller) KillJob(ctx context.Context, id string) (bool, error) {
	return c.store.SetKilledAt(ctx, id, c.clock.Now())
}

// RestartJob returns the id under which the job will run again.
// Deferred and failed jobs go straight back to pending under the same
// id. Terminal jobs get a fresh child document carrying their args and
// config, with enqueued.parent_id pointing at the original. Pending and
// running jobs are left alone.
func (c *Controller) RestartJob(ctx context.Context, id string) (string, error) {
	job, err := c.store.GetQueueJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job != nil {
		switch job.State {
		case models.StateDeferred, models.StateFailed:
			if _, err := c.store.ResetToPending(ctx, id); err != nil {
				return "", err
			}
			return id, nil
		default:
			return id, nil
		}
	}

	parent, err := c.store.GetJournalJob(ctx, id)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", fmt.Errorf("job %s not found", id)
	}

	now := c.clock.Now()
	child := &models.Job{
		ID:         uuid.New().String()[:8],
		Name:       parent.Name,
		Args:       parent.Args,
		Priority:   parent.Priority,
		State:      models.StatePending,
		Attempts:   parent.Attempts,
		EnqueuedAt: now,
		Enqueued: models.Enqueued{
			By:       c.identity,
			At:       now,
			ParentID: id,
		},
		DeferTime:        parent.DeferTime,
		DeferMax:         parent.DeferMax,
		ErrorTime:        parent.ErrorTime,
		WallTime:         parent.WallTime,
		ZombieTime:       parent.ZombieTime,
		ProgressInterval: parent.ProgressInterval,
	}
	child.AttemptsLeft = child.Attempts

	if err := c.store.InsertQueue(ctx, child); err != nil {
		return "", fmt.Errorf("failed to restart job %s: %w", id, err)
	}

	c.logger.Info().
		Str("job_id", id).
		Str("child_id", child.ID).
		Msg("Restarted terminal job")
	c.emit(ctx, models.EventQueued, child)

	return child.ID, nil
}

// LockJob acquires the lock collection row for a job on behalf of worker.
func (c *Controller) LockJob(ctx context.Context, id, worker string) (bool, error) {
	return c.store.InsertLock(ctx, id, worker, c.clock.Now())
}

// EnterMaintenance sets the global maintenance flag. Workers in
// maintenance perform only no-op cycles until the flag is cleared.
func (c *Controller) EnterMaintenance(ctx context.Context) error {
	return c.store.SetSystemKV(ctx, models.KVMaintenance, "true")
}

// LeaveMaintenance clears the maintenance flag.
func (c *Controller) LeaveMaintenance(ctx context.Context) error {
	return c.store.DeleteSystemKV(ctx, models.KVMaintenance)
}

// InMaintenance reports whether the maintenance flag is set.
func (c *Controller) InMaintenance(ctx context.Context) (bool, error) {
	v, err := c.store.GetSystemKV(ctx, models.KVMaintenance)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// Halt sets the global halt marker. Workers started before the marker
// timestamp exit at their next loop boundary.
func (c *Controller) Halt(ctx context.Context) error {
	return c.store.SetSystemKV(ctx, models.KVHalt, c.clock.Now().Format(time.RFC3339Nano))
}

// PurgeJournal deletes journal entries finished before the cutoff.
func (c *Controller) PurgeJournal(ctx context.Context, olderThan time.Time) (int, error) {
	return c.store.PurgeJournal(ctx, olderThan)
}

// Compile-time check
var _ interfaces.QueueController = (*Controller)(nil)
