package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/drover/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// InsertLock creates the claim row for a job. The record id is the job
// id, so a second insert for the same job fails — that failure is the
// claim protocol's atomic primitive.
func (s *Store) InsertLock(ctx context.Context, jobID, worker string, at time.Time) (bool, error) {
	sql := "CREATE $rid SET job_id = $job_id, worker = $worker, created_at = $at"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID(tableLock, jobID),
		"job_id": jobID,
		"worker": worker,
		"at":     at,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	return true, nil
}

func (s *Store) DeleteLock(ctx context.Context, jobID string) (bool, error) {
	sql := "DELETE $rid RETURN BEFORE"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(tableLock, jobID)}

	results, err := surrealdb.Query[[]models.LockRecord](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *Store) ListLocks(ctx context.Context) ([]*models.LockRecord, error) {
	sql := "SELECT job_id, worker, created_at FROM " + tableLock

	results, err := surrealdb.Query[[]models.LockRecord](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	var locks []*models.LockRecord
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			locks = append(locks, &(*results)[0].Result[i])
		}
	}
	return locks, nil
}
