package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/drover/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func (s *Store) GetSystemKV(ctx context.Context, key string) (string, error) {
	sql := "SELECT value FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(tableSystem, key)}

	type kvResult struct {
		Value string `json:"value"`
	}

	results, err := surrealdb.Query[[]kvResult](ctx, s.db, sql, vars)
	if err != nil {
		return "", fmt.Errorf("failed to get system kv %s: %w", key, err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Value, nil
	}
	return "", nil
}

func (s *Store) SetSystemKV(ctx context.Context, key, value string) error {
	sql := "UPSERT $rid SET value = $value"
	vars := map[string]any{
		"rid":   surrealmodels.NewRecordID(tableSystem, key),
		"value": value,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set system kv %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteSystemKV(ctx context.Context, key string) error {
	sql := "DELETE $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(tableSystem, key)}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delete system kv %s: %w", key, err)
	}
	return nil
}

func (s *Store) RegisterWorker(ctx context.Context, info *models.WorkerInfo) error {
	sql := `UPSERT $rid SET identifier = $identifier, hostname = $hostname,
		pid = $pid, started_at = $started_at, heartbeat = $heartbeat,
		cycle_total = $cycle_total, running = $running`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID(tableWorker, info.Identifier),
		"identifier":  info.Identifier,
		"hostname":    info.Hostname,
		"pid":         info.PID,
		"started_at":  info.StartedAt,
		"heartbeat":   info.Heartbeat,
		"cycle_total": info.CycleTotal,
		"running":     info.Running,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	sql := "SELECT identifier, hostname, pid, started_at, heartbeat, cycle_total, running FROM " + tableWorker

	results, err := surrealdb.Query[[]models.WorkerInfo](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	var workers []*models.WorkerInfo
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			workers = append(workers, &(*results)[0].Result[i])
		}
	}
	return workers, nil
}
