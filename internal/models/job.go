package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job states. Terminal states move the document from the queue to the journal.
const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
	StateError    = "error"
	StateDeferred = "deferred"
	StateInactive = "inactive"
	StateKilled   = "killed"
)

// knownStates is the closed set of valid job states.
var knownStates = map[string]bool{
	StatePending:  true,
	StateRunning:  true,
	StateComplete: true,
	StateFailed:   true,
	StateError:    true,
	StateDeferred: true,
	StateInactive: true,
	StateKilled:   true,
}

// terminalStates hold jobs that can no longer run. A terminal job lives in
// the journal, never the queue.
var terminalStates = map[string]bool{
	StateComplete: true,
	StateError:    true,
	StateInactive: true,
	StateKilled:   true,
}

// KnownState reports whether s is a valid job state.
func KnownState(s string) bool { return knownStates[s] }

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s string) bool { return terminalStates[s] }

// Lock is the in-document claim record of the worker executing a job.
// A running job carries a non-nil Lock, and a matching row exists in the
// lock collection keyed by the job id.
type Lock struct {
	Worker          string     `json:"worker"`
	PID             *int       `json:"pid"`
	Heartbeat       *time.Time `json:"heartbeat"`
	Progress        *time.Time `json:"progress"` // last persisted progress timestamp
	ProgressValue   *float64   `json:"progress_value"`
	ProgressMessage string     `json:"progress_message,omitempty"`
}

// Enqueued records who created the queue document and when. ParentID is
// non-empty only when the job was created by restarting a terminal job.
type Enqueued struct {
	By       string    `json:"by"`
	At       time.Time `json:"at"`
	ParentID string    `json:"parent_id,omitempty"`
}

// Job is the persistent job document shared by the queue and the journal.
//
// Attempts is the configured total; AttemptsLeft counts down on each
// dequeue and is restored when a trial ends in defer (a defer does not
// consume an attempt). Trial counts dequeues: the first trial is numbered
// 1, so a freshly enqueued document carries Trial 0. Config scalars
// (DeferTime through ProgressInterval) are copied from the job class
// defaults at enqueue and may be overridden per enqueue. Times are in
// seconds; WallTime zero means no wall-time flagging.
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args"`
	Priority int            `json:"priority"`
	State    string         `json:"state"`

	Attempts     int `json:"attempts"`
	AttemptsLeft int `json:"attempts_left"`
	Trial        int `json:"trial"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	QueryAt    *time.Time `json:"query_at"`
	WallAt     *time.Time `json:"wall_at"`
	ZombieAt   *time.Time `json:"zombie_at"`
	KilledAt   *time.Time `json:"killed_at"`
	RemovedAt  *time.Time `json:"removed_at"`

	Runtime *float64 `json:"runtime"`
	Locked  *Lock    `json:"locked"`

	Enqueued Enqueued `json:"enqueued"`

	DeferTime        int     `json:"defer_time"`
	DeferMax         int     `json:"defer_max"`
	ErrorTime        int     `json:"error_time"`
	WallTime         int     `json:"wall_time"`
	ZombieTime       int     `json:"zombie_time"`
	ProgressInterval float64 `json:"progress_interval"`

	LastError string `json:"last_error,omitempty"`
}

// EnqueueOverrides replace job class defaults for a single enqueue.
// Nil fields keep the class default.
type EnqueueOverrides struct {
	Priority         *int
	Attempts         *int
	DeferTime        *int
	DeferMax         *int
	ErrorTime        *int
	WallTime         *int
	ZombieTime       *int
	ProgressInterval *float64
}

// Clone returns a deep copy of the job document.
func (j *Job) Clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		return nil
	}
	var clone Job
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// Runnable reports whether the job may be dequeued at time now: pending,
// or a deferred/failed retry whose query_at gate has matured, and not
// flagged for removal.
func (j *Job) Runnable(now time.Time) bool {
	if j.RemovedAt != nil {
		return false
	}
	switch j.State {
	case StatePending, StateDeferred, StateFailed:
		return j.QueryAt == nil || !j.QueryAt.After(now)
	default:
		return false
	}
}

// Serialise converts a job to its document form.
func Serialise(j *Job) (map[string]any, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise job %s: %w", j.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to serialise job %s: %w", j.ID, err)
	}
	return doc, nil
}

// Deserialise converts a document back to a job and validates its
// invariants. Unknown states, negative counters, and missing identity
// fields are rejected.
func Deserialise(doc map[string]any) (*Job, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialise job document: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to deserialise job document: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Validate checks the document invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job document has no id")
	}
	if j.Name == "" {
		return fmt.Errorf("job %s has no name", j.ID)
	}
	if !KnownState(j.State) {
		return fmt.Errorf("job %s has unknown state %q", j.ID, j.State)
	}
	if j.AttemptsLeft < 0 {
		return fmt.Errorf("job %s has negative attempts_left", j.ID)
	}
	if j.Trial < 0 {
		return fmt.Errorf("job %s has negative trial %d", j.ID, j.Trial)
	}
	if j.AttemptsLeft > j.Attempts {
		return fmt.Errorf("job %s violates attempts accounting: %d left of %d",
			j.ID, j.AttemptsLeft, j.Attempts)
	}
	return nil
}
