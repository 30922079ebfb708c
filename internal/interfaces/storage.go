// Package interfaces defines service contracts for Drover
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/drover/internal/models"
)

// Finish describes the terminal update applied to a job document when a
// trial ends. QueryAt is set for deferred and failed outcomes to gate the
// next dequeue. RestoreAttempt undoes the claim's attempts_left decrement
// (used for defer, which does not consume an attempt).
type Finish struct {
	State          string
	FinishedAt     time.Time
	Runtime        float64
	QueryAt        *time.Time
	LastError      string
	RestoreAttempt bool
}

// Store is the document store gateway. Every operation is atomic on a
// single document; there are no multi-document transactions. The claim
// protocol relies on ClaimNextJob's conditional update plus the lock
// collection's unique key on job id.
//
// Four collections back the contract: queue (active jobs), journal
// (append-only terminal jobs), lock (exclusive transition rights), and
// log (structured per-job records). A system key-value space carries the
// maintenance flag and the halt timestamp; worker registrations live in a
// separate worker registry.
type Store interface {
	// Queue
	InsertQueue(ctx context.Context, job *models.Job) error
	GetQueueJob(ctx context.Context, id string) (*models.Job, error) // nil, nil when absent
	ListQueue(ctx context.Context, state string, limit int) ([]*models.Job, error)
	ListRemoved(ctx context.Context) ([]*models.Job, error) // queue docs flagged with removed_at
	CountQueue(ctx context.Context, state string) (int, error)

	// ClaimNextJob atomically claims the next runnable job for worker:
	// filter pending, deferred or failed, removed_at unset, query_at unset
	// or past; sort by
	// priority desc, enqueued_at asc, id asc; update to running with a
	// fresh lock record, started_at, trial+1, attempts_left-1. Returns
	// nil, nil when no job is runnable.
	ClaimNextJob(ctx context.Context, worker string, now time.Time) (*models.Job, error)

	// ReleaseClaim rolls a claim back after a lock conflict: state back to
	// pending, locked and started_at cleared, trial and attempts_left
	// restored.
	ReleaseClaim(ctx context.Context, id string) error

	// Conditional single-field transitions. Each returns false when the
	// condition did not hold (wrong state, already set, or missing doc).
	MarkRemoved(ctx context.Context, id string, at time.Time) (bool, error)  // non-terminal only; idempotent
	SetKilledAt(ctx context.Context, id string, at time.Time) (bool, error)  // running only
	ResetToPending(ctx context.Context, id string) (bool, error)             // deferred or failed only
	SetWallAt(ctx context.Context, id string, at time.Time) (bool, error)    // running, wall_at unset
	SetZombieAt(ctx context.Context, id string, at time.Time) (bool, error)  // running, zombie_at unset
	SetLockedPID(ctx context.Context, id string, pid int) error
	UpdateProgress(ctx context.Context, id string, heartbeat time.Time, value *float64, message string) error

	// FinishJob ends a trial: sets state, finished_at, runtime and
	// last_error, clears locked, and applies QueryAt when present.
	// Returns false when the job is not running.
	FinishJob(ctx context.Context, id string, fin Finish) (bool, error)

	// Journal
	MoveToJournal(ctx context.Context, id string) error
	GetJournalJob(ctx context.Context, id string) (*models.Job, error) // nil, nil when absent
	CountJournal(ctx context.Context) (int, error)
	PurgeJournal(ctx context.Context, olderThan time.Time) (int, error)

	// Lock
	InsertLock(ctx context.Context, jobID, worker string, at time.Time) (bool, error) // false on duplicate
	DeleteLock(ctx context.Context, jobID string) (bool, error)
	ListLocks(ctx context.Context) ([]*models.LockRecord, error)

	// Log
	AppendLog(ctx context.Context, rec *models.LogRecord) error
	FindLogs(ctx context.Context, jobID string) ([]*models.LogRecord, error)

	// System key-value space
	GetSystemKV(ctx context.Context, key string) (string, error) // "" when absent
	SetSystemKV(ctx context.Context, key, value string) error
	DeleteSystemKV(ctx context.Context, key string) error

	// Worker registry
	RegisterWorker(ctx context.Context, info *models.WorkerInfo) error
	ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error)

	Close() error
}
