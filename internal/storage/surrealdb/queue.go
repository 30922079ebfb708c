package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobSelectFields lists the fields to select from queue/journal, aliasing
// job_id to id for struct mapping.
const jobSelectFields = "job_id AS id, name, args, priority, state, " +
	"attempts, attempts_left, trial, enqueued_at, started_at, finished_at, " +
	"query_at, wall_at, zombie_at, killed_at, removed_at, runtime, locked, " +
	"enqueued, defer_time, defer_max, error_time, wall_time, zombie_time, " +
	"progress_interval, last_error"

// jobVars flattens a job document into query parameters.
func jobVars(job *models.Job) map[string]any {
	return map[string]any{
		"job_id":            job.ID,
		"name":              job.Name,
		"args":              job.Args,
		"priority":          job.Priority,
		"state":             job.State,
		"attempts":          job.Attempts,
		"attempts_left":     job.AttemptsLeft,
		"trial":             job.Trial,
		"enqueued_at":       job.EnqueuedAt,
		"started_at":        job.StartedAt,
		"finished_at":       job.FinishedAt,
		"query_at":          job.QueryAt,
		"wall_at":           job.WallAt,
		"zombie_at":         job.ZombieAt,
		"killed_at":         job.KilledAt,
		"removed_at":        job.RemovedAt,
		"runtime":           job.Runtime,
		"locked":            job.Locked,
		"enqueued":          job.Enqueued,
		"defer_time":        job.DeferTime,
		"defer_max":         job.DeferMax,
		"error_time":        job.ErrorTime,
		"wall_time":         job.WallTime,
		"zombie_time":       job.ZombieTime,
		"progress_interval": job.ProgressInterval,
		"last_error":        job.LastError,
	}
}

const jobSetFields = `job_id = $job_id, name = $name, args = $args,
	priority = $priority, state = $state, attempts = $attempts,
	attempts_left = $attempts_left, trial = $trial,
	enqueued_at = $enqueued_at, started_at = $started_at,
	finished_at = $finished_at, query_at = $query_at, wall_at = $wall_at,
	zombie_at = $zombie_at, killed_at = $killed_at,
	removed_at = $removed_at, runtime = $runtime, locked = $locked,
	enqueued = $enqueued, defer_time = $defer_time, defer_max = $defer_max,
	error_time = $error_time, wall_time = $wall_time,
	zombie_time = $zombie_time, progress_interval = $progress_interval,
	last_error = $last_error`

func (s *Store) InsertQueue(ctx context.Context, job *models.Job) error {
	sql := "CREATE $rid SET " + jobSetFields
	vars := jobVars(job)
	vars["rid"] = surrealmodels.NewRecordID(tableQueue, job.ID)

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert queue job: %w", err)
	}
	return nil
}

func (s *Store) GetQueueJob(ctx context.Context, id string) (*models.Job, error) {
	return s.getJob(ctx, tableQueue, id)
}

func (s *Store) GetJournalJob(ctx context.Context, id string) (*models.Job, error) {
	return s.getJob(ctx, tableJournal, id)
}

func (s *Store) getJob(ctx context.Context, table, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(table, id)}

	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get job from %s: %w", table, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	job := (*results)[0].Result[0]
	return &job, nil
}

func (s *Store) ListQueue(ctx context.Context, state string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM " + tableQueue
	vars := map[string]any{"limit": limit}
	if state != "" {
		sql += " WHERE state = $state"
		vars["state"] = state
	}
	sql += " ORDER BY enqueued_at ASC, job_id ASC LIMIT $limit"
	return s.queryJobs(ctx, sql, vars)
}

func (s *Store) ListRemoved(ctx context.Context) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM " + tableQueue + " WHERE removed_at != NONE"
	return s.queryJobs(ctx, sql, nil)
}

func (s *Store) CountQueue(ctx context.Context, state string) (int, error) {
	sql := "SELECT count() AS cnt FROM " + tableQueue
	vars := map[string]any{}
	if state != "" {
		sql += " WHERE state = $state"
		vars["state"] = state
	}
	sql += " GROUP ALL"
	return s.count(ctx, sql, vars)
}

func (s *Store) CountJournal(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT count() AS cnt FROM "+tableJournal+" GROUP ALL", nil)
}

// PurgeJournal deletes journal documents finished before the cutoff.
func (s *Store) PurgeJournal(ctx context.Context, olderThan time.Time) (int, error) {
	sql := "DELETE FROM " + tableJournal + " WHERE finished_at < $cutoff RETURN BEFORE"
	vars := map[string]any{"cutoff": olderThan}

	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}
	if results != nil && len(*results) > 0 {
		return len((*results)[0].Result), nil
	}
	return 0, nil
}

func (s *Store) count(ctx context.Context, sql string, vars map[string]any) (int, error) {
	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// ClaimNextJob implements the atomic claim: select the best runnable
// candidate, then update it to running only if it is still in the state
// the select observed. A
// concurrent claim steals at most the candidate, in which case the next
// candidate is tried.
func (s *Store) ClaimNextJob(ctx context.Context, worker string, now time.Time) (*models.Job, error) {
	selectSQL := "SELECT " + jobSelectFields + " FROM " + tableQueue +
		" WHERE state IN $runnable AND removed_at = NONE" +
		" AND (query_at = NONE OR query_at <= $now)" +
		" ORDER BY priority DESC, enqueued_at ASC, job_id ASC LIMIT 1"

	for attempt := 0; attempt < 8; attempt++ {
		vars := map[string]any{
			"runnable": []string{models.StatePending, models.StateDeferred, models.StateFailed},
			"now":      now,
		}
		candidates, err := surrealdb.Query[[]models.Job](ctx, s.db, selectSQL, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to select candidate job: %w", err)
		}
		if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
			return nil, nil
		}
		candidate := (*candidates)[0].Result[0]

		updateSQL := `UPDATE $rid SET state = $running, started_at = $now,
			trial = trial + 1, attempts_left = attempts_left - 1,
			locked = { worker: $worker, heartbeat: $now }
			WHERE state = $observed RETURN AFTER`
		updateVars := map[string]any{
			"rid":      surrealmodels.NewRecordID(tableQueue, candidate.ID),
			"running":  models.StateRunning,
			"observed": candidate.State,
			"now":      now,
			"worker":   worker,
		}

		updated, err := surrealdb.Query[[]models.Job](ctx, s.db, updateSQL, updateVars)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if updated == nil || len(*updated) == 0 || len((*updated)[0].Result) == 0 {
			continue // candidate stolen by a concurrent worker
		}

		heartbeat := now
		candidate.State = models.StateRunning
		candidate.StartedAt = &now
		candidate.Trial++
		candidate.AttemptsLeft--
		candidate.Locked = &models.Lock{Worker: worker, Heartbeat: &heartbeat}
		return &candidate, nil
	}
	return nil, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	sql := `UPDATE $rid SET state = $pending, started_at = NONE,
		locked = NONE, trial = trial - 1, attempts_left = attempts_left + 1
		WHERE state = $running`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID(tableQueue, id),
		"pending": models.StatePending,
		"running": models.StateRunning,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *Store) MarkRemoved(ctx context.Context, id string, at time.Time) (bool, error) {
	sql := `UPDATE $rid SET removed_at = $at
		WHERE state IN $nonterminal AND removed_at = NONE RETURN AFTER`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID(tableQueue, id),
		"at":          at,
		"nonterminal": nonTerminalStates(),
	}

	matched, err := s.conditionalUpdate(ctx, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to mark job removed: %w", err)
	}
	if matched {
		return true, nil
	}

	// Idempotent: a marker already applied still counts as success.
	job, err := s.GetQueueJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job != nil && job.RemovedAt != nil && !models.IsTerminal(job.State), nil
}

func (s *Store) SetKilledAt(ctx context.Context, id string, at time.Time) (bool, error) {
	sql := `UPDATE $rid SET killed_at = $at
		WHERE state = $running AND killed_at = NONE RETURN AFTER`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID(tableQueue, id),
		"at":      at,
		"running": models.StateRunning,
	}
	return s.conditionalUpdate(ctx, sql, vars)
}

func (s *Store) ResetToPending(ctx context.Context, id string) (bool, error) {
	sql := `UPDATE $rid SET state = $pending, query_at = NONE
		WHERE state IN [$deferred, $failed] RETURN AFTER`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID(tableQueue, id),
		"pending":  models.StatePending,
		"deferred": models.StateDeferred,
		"failed":   models.StateFailed,
	}
	return s.conditionalUpdate(ctx, sql, vars)
}

func (s *Store) SetWallAt(ctx context.Context, id string, at time.Time) (bool, error) {
	sql := `UPDATE $rid SET wall_at = $at
		WHERE state = $running AND wall_at = NONE RETURN AFTER`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID(tableQueue, id),
		"at":      at,
		"running": models.StateRunning,
	}
	return s.conditionalUpdate(ctx, sql, vars)
}

func (s *Store) SetZombieAt(ctx context.Context, id string, at time.Time) (bool, error) {
	sql := `UPDATE $rid SET zombie_at = $at
		WHERE state = $running AND zombie_at = NONE RETURN AFTER`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID(tableQueue, id),
		"at":      at,
		"running": models.StateRunning,
	}
	return s.conditionalUpdate(ctx, sql, vars)
}

func (s *Store) SetLockedPID(ctx context.Context, id string, pid int) error {
	sql := `UPDATE $rid SET locked.pid = $pid WHERE locked != NONE`
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(tableQueue, id),
		"pid": pid,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set locked pid: %w", err)
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, heartbeat time.Time, value *float64, message string) error {
	sql := `UPDATE $rid SET locked.heartbeat = $heartbeat WHERE locked != NONE`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(tableQueue, id),
		"heartbeat": heartbeat,
	}
	if value != nil {
		sql = `UPDATE $rid SET locked.heartbeat = $heartbeat,
			locked.progress = $heartbeat, locked.progress_value = $value,
			locked.progress_message = $message WHERE locked != NONE`
		vars["value"] = *value
		vars["message"] = message
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *Store) FinishJob(ctx context.Context, id string, fin interfaces.Finish) (bool, error) {
	restore := 0
	if fin.RestoreAttempt {
		restore = 1
	}
	set := `state = $state, finished_at = $at, runtime = $runtime,
		locked = NONE, query_at = $query_at,
		attempts_left = attempts_left + $restore`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID(tableQueue, id),
		"state":    fin.State,
		"at":       fin.FinishedAt,
		"runtime":  fin.Runtime,
		"query_at": fin.QueryAt,
		"restore":  restore,
		"running":  models.StateRunning,
	}
	if fin.LastError != "" {
		set += ", last_error = $last_error"
		vars["last_error"] = fin.LastError
	}
	sql := "UPDATE $rid SET " + set + " WHERE state = $running RETURN AFTER"

	matched, err := s.conditionalUpdate(ctx, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	return matched, nil
}

// MoveToJournal copies the queue document into the journal and deletes it
// from the queue in a single transaction.
func (s *Store) MoveToJournal(ctx context.Context, id string) error {
	job, err := s.GetQueueJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not in queue", id)
	}

	sql := `BEGIN TRANSACTION;
		CREATE $jrid SET ` + jobSetFields + `;
		DELETE $qrid;
		COMMIT TRANSACTION`
	vars := jobVars(job)
	vars["jrid"] = surrealmodels.NewRecordID(tableJournal, id)
	vars["qrid"] = surrealmodels.NewRecordID(tableQueue, id)

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to move job to journal: %w", err)
	}
	return nil
}

// conditionalUpdate runs an UPDATE ... RETURN AFTER and reports whether a
// row matched.
func (s *Store) conditionalUpdate(ctx context.Context, sql string, vars map[string]any) (bool, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return false, err
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

// queryJobs is a helper that runs a query and returns a slice of Job pointers.
func (s *Store) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

// nonTerminalStates returns the states a removal marker may be applied in.
func nonTerminalStates() []string {
	return []string{
		models.StatePending,
		models.StateRunning,
		models.StateDeferred,
		models.StateFailed,
	}
}
