package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/drover/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func (s *Store) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()[:8]
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	sql := `CREATE $rid SET log_id = $log_id, job_id = $job_id,
		worker = $worker, level = $level, message = $message,
		created_at = $created_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID(tableLog, rec.ID),
		"log_id":     rec.ID,
		"job_id":     rec.JobID,
		"worker":     rec.Worker,
		"level":      rec.Level,
		"message":    rec.Message,
		"created_at": rec.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *Store) FindLogs(ctx context.Context, jobID string) ([]*models.LogRecord, error) {
	sql := "SELECT log_id AS id, job_id, worker, level, message, created_at FROM " + tableLog
	vars := map[string]any{}
	if jobID != "" {
		sql += " WHERE job_id = $job_id"
		vars["job_id"] = jobID
	}
	sql += " ORDER BY created_at ASC"

	results, err := surrealdb.Query[[]models.LogRecord](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to find logs: %w", err)
	}

	var recs []*models.LogRecord
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			recs = append(recs, &(*results)[0].Result[i])
		}
	}
	return recs, nil
}
