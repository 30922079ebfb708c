package models

import "time"

// Job lifecycle event types. The queue controller emits job_queued; the
// worker engine emits the rest at dispatch, finalization and removal.
const (
	EventQueued    = "job_queued"
	EventStarted   = "job_started"
	EventCompleted = "job_completed"
	EventFailed    = "job_failed"
	EventDeferred  = "job_deferred"
	EventKilled    = "job_killed"
	EventRemoved   = "job_removed"
)

// JobEvent is one state transition on the lifecycle stream: which job
// moved, where it ended up, who moved it, and how deep the pending
// queue was at that moment. The full document stays in the store;
// subscribers that need more than the transition fetch it by id.
type JobEvent struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	Name    string    `json:"name"`
	State   string    `json:"state,omitempty"`
	Trial   int       `json:"trial,omitempty"`
	Worker  string    `json:"worker,omitempty"`
	Pending int       `json:"pending"`
	At      time.Time `json:"at"`
}

// NewJobEvent flattens a job document into its transition event.
func NewJobEvent(eventType string, job *Job, worker string, pending int, at time.Time) JobEvent {
	evt := JobEvent{
		Type:    eventType,
		Worker:  worker,
		Pending: pending,
		At:      at,
	}
	if job != nil {
		evt.JobID = job.ID
		evt.Name = job.Name
		evt.State = job.State
		evt.Trial = job.Trial
	}
	return evt
}
