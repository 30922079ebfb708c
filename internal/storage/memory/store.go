// Package memory implements the document store gateway in-process.
// It backs tests and single-process embedded deployments; every operation
// holds one mutex, which gives the same per-document atomicity the
// SurrealDB backend gets from conditional updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/google/uuid"
)

// Store implements interfaces.Store with in-process maps.
type Store struct {
	mu      sync.Mutex
	logger  *common.Logger
	queue   map[string]*models.Job
	journal map[string]*models.Job
	locks   map[string]*models.LockRecord
	logs    []*models.LogRecord
	kv      map[string]string
	workers map[string]*models.WorkerInfo
}

// NewStore creates an empty in-memory store.
func NewStore(logger *common.Logger) *Store {
	return &Store{
		logger:  logger,
		queue:   make(map[string]*models.Job),
		journal: make(map[string]*models.Job),
		locks:   make(map[string]*models.LockRecord),
		kv:      make(map[string]string),
		workers: make(map[string]*models.WorkerInfo),
	}
}

func (s *Store) InsertQueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queue[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}
	s.queue[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetQueueJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *Store) ListQueue(_ context.Context, state string, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.queue {
		if state == "" || job.State == state {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].EnqueuedAt.Equal(jobs[k].EnqueuedAt) {
			return jobs[i].EnqueuedAt.Before(jobs[k].EnqueuedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) ListRemoved(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.queue {
		if job.RemovedAt != nil {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

func (s *Store) CountQueue(_ context.Context, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == "" {
		return len(s.queue), nil
	}
	n := 0
	for _, job := range s.queue {
		if job.State == state {
			n++
		}
	}
	return n, nil
}

func (s *Store) ClaimNextJob(_ context.Context, worker string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, job := range s.queue {
		if !job.Runnable(now) {
			continue
		}
		if best == nil || claimBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	heartbeat := now
	best.State = models.StateRunning
	best.StartedAt = &now
	best.Trial++
	best.AttemptsLeft--
	best.Locked = &models.Lock{
		Worker:    worker,
		Heartbeat: &heartbeat,
	}
	return best.Clone(), nil
}

// claimBefore orders candidates by priority desc, enqueued_at asc, id asc.
func claimBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func (s *Store) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.State != models.StateRunning {
		return fmt.Errorf("job %s is not claimed", id)
	}
	job.State = models.StatePending
	job.StartedAt = nil
	job.Locked = nil
	job.Trial--
	job.AttemptsLeft++
	return nil
}

func (s *Store) MarkRemoved(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || models.IsTerminal(job.State) {
		return false, nil
	}
	if job.RemovedAt == nil {
		job.RemovedAt = &at
	}
	return true, nil
}

func (s *Store) SetKilledAt(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.State != models.StateRunning || job.KilledAt != nil {
		return false, nil
	}
	job.KilledAt = &at
	return true, nil
}

func (s *Store) ResetToPending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || (job.State != models.StateDeferred && job.State != models.StateFailed) {
		return false, nil
	}
	job.State = models.StatePending
	job.QueryAt = nil
	return true, nil
}

func (s *Store) SetWallAt(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.State != models.StateRunning || job.WallAt != nil {
		return false, nil
	}
	job.WallAt = &at
	return true, nil
}

func (s *Store) SetZombieAt(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.State != models.StateRunning || job.ZombieAt != nil {
		return false, nil
	}
	job.ZombieAt = &at
	return true, nil
}

func (s *Store) SetLockedPID(_ context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.Locked == nil {
		return fmt.Errorf("job %s holds no lock", id)
	}
	job.Locked.PID = &pid
	return nil
}

func (s *Store) UpdateProgress(_ context.Context, id string, heartbeat time.Time, value *float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.Locked == nil {
		return fmt.Errorf("job %s holds no lock", id)
	}
	hb := heartbeat
	job.Locked.Heartbeat = &hb
	if value != nil {
		v := *value
		at := heartbeat
		job.Locked.Progress = &at
		job.Locked.ProgressValue = &v
		job.Locked.ProgressMessage = message
	}
	return nil
}

func (s *Store) FinishJob(_ context.Context, id string, fin interfaces.Finish) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok || job.State != models.StateRunning {
		return false, nil
	}
	finished := fin.FinishedAt
	runtime := fin.Runtime
	job.State = fin.State
	job.FinishedAt = &finished
	job.Runtime = &runtime
	job.Locked = nil
	job.QueryAt = fin.QueryAt
	if fin.LastError != "" {
		job.LastError = fin.LastError
	}
	if fin.RestoreAttempt {
		job.AttemptsLeft++
	}
	return true, nil
}

func (s *Store) MoveToJournal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("job %s not in queue", id)
	}
	s.journal[id] = job
	delete(s.queue, id)
	return nil
}

func (s *Store) GetJournalJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.journal[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *Store) CountJournal(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal), nil
}

func (s *Store) PurgeJournal(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.journal {
		if job.FinishedAt != nil && job.FinishedAt.Before(olderThan) {
			delete(s.journal, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertLock(_ context.Context, jobID, worker string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[jobID]; exists {
		return false, nil
	}
	s.locks[jobID] = &models.LockRecord{JobID: jobID, Worker: worker, CreatedAt: at}
	return true, nil
}

func (s *Store) DeleteLock(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[jobID]; !exists {
		return false, nil
	}
	delete(s.locks, jobID)
	return true, nil
}

func (s *Store) ListLocks(_ context.Context) ([]*models.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := make([]*models.LockRecord, 0, len(s.locks))
	for _, lock := range s.locks {
		copied := *lock
		locks = append(locks, &copied)
	}
	return locks, nil
}

func (s *Store) AppendLog(_ context.Context, rec *models.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	if copied.ID == "" {
		copied.ID = uuid.New().String()[:8]
	}
	s.logs = append(s.logs, &copied)
	return nil
}

func (s *Store) FindLogs(_ context.Context, jobID string) ([]*models.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []*models.LogRecord
	for _, rec := range s.logs {
		if jobID == "" || rec.JobID == jobID {
			copied := *rec
			recs = append(recs, &copied)
		}
	}
	return recs, nil
}

func (s *Store) GetSystemKV(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *Store) SetSystemKV(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *Store) DeleteSystemKV(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *Store) RegisterWorker(_ context.Context, info *models.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *info
	s.workers[info.Identifier] = &copied
	return nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*models.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*models.WorkerInfo, 0, len(s.workers))
	for _, info := range s.workers {
		copied := *info
		workers = append(workers, &copied)
	}
	return workers, nil
}

func (s *Store) Close() error { return nil }

// Compile-time check
var _ interfaces.Store = (*Store)(nil)
