package models

import "time"

// Log levels recorded in the log collection.
const (
	LogDebug = "DEBUG"
	LogInfo  = "INFO"
	LogWarn  = "WARNING"
	LogError = "ERROR"
)

// System key-value keys shared by the queue controller and workers.
const (
	KVMaintenance = "queue.maintenance"
	KVHalt        = "queue.halt"
)

// LogRecord is a structured log document tied to a job. Lifecycle and
// progress events are appended by the supervisor and finalizer; tests and
// the admin API read them back by job id.
type LogRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Worker    string    `json:"worker,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LockRecord is a row in the lock collection. Presence grants the named
// worker exclusive transition rights over the job. Uniqueness on JobID is
// the claim protocol's atomic primitive.
type LockRecord struct {
	JobID     string    `json:"job_id"`
	Worker    string    `json:"worker"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerInfo is the liveness registration a worker maintains under the
// collect_stats duty.
type WorkerInfo struct {
	Identifier string    `json:"identifier"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Heartbeat  time.Time `json:"heartbeat"`
	CycleTotal int       `json:"cycle_total"`
	Running    int       `json:"running"`
}
