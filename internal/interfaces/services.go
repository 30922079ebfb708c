package interfaces

import (
	"context"

	"github.com/bobmcallan/drover/internal/models"
)

// QueueController is the caller-facing queue API: job creation, lookup,
// and asynchronous control requests. Kill and remove are requests observed
// by the owning worker at its next supervision duty, not synchronous
// operations; callers poll job state to observe completion.
type QueueController interface {
	// Enqueue creates a pending job document. Overrides may replace the
	// job class defaults for priority, attempts, and the timing scalars.
	Enqueue(ctx context.Context, name string, args map[string]any, overrides *models.EnqueueOverrides) (*models.Job, error)

	// FindJob searches the queue, then the journal.
	FindJob(ctx context.Context, id string) (*models.Job, error)

	// RemoveJob flags a non-terminal job for removal. Idempotent.
	RemoveJob(ctx context.Context, id string) (bool, error)

	// KillJob requests termination of a running job.
	KillJob(ctx context.Context, id string) (bool, error)

	// RestartJob returns the id under which the job will run again. For
	// deferred and failed jobs this is the same id; for terminal jobs a
	// new child document is created and its id returned; for pending and
	// running jobs the call is a no-op returning the same id.
	RestartJob(ctx context.Context, id string) (string, error)

	// LockJob acquires the lock collection row for a job.
	LockJob(ctx context.Context, id, worker string) (bool, error)

	EnterMaintenance(ctx context.Context) error
	LeaveMaintenance(ctx context.Context) error
	InMaintenance(ctx context.Context) (bool, error)

	// Halt sets the global halt marker. Workers started before the marker
	// timestamp exit at their next loop boundary.
	Halt(ctx context.Context) error
}
