// Package surrealdb implements the document store gateway on SurrealDB.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
)

// Collection tables. The queue holds active jobs, the journal terminal
// jobs, the lock table claim rows, and the log table structured per-job
// records. system_kv carries maintenance/halt flags and worker rows live
// in the worker table.
const (
	tableQueue   = "queue"
	tableJournal = "journal"
	tableLock    = "lock"
	tableLog     = "log"
	tableSystem  = "system_kv"
	tableWorker  = "worker"
)

// Store implements interfaces.Store using SurrealDB.
type Store struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewStore connects to SurrealDB, selects the namespace/database, and
// ensures the collection tables exist.
func NewStore(logger *common.Logger, config *common.StorageConfig) (*Store, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.defineTables(ctx); err != nil {
		return nil, err
	}

	logger.Info().
		Str("address", config.Address).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("SurrealDB store initialized")

	return s, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests that manage
// their own container and database selection.
func NewStoreWithDB(db *surrealdb.DB, logger *common.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.defineTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// defineTables ensures the collections exist (SurrealDB v3 errors on
// querying non-existent tables).
func (s *Store) defineTables(ctx context.Context) error {
	tables := []string{tableQueue, tableJournal, tableLock, tableLog, tableSystem, tableWorker}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, s.db, sql, nil); err != nil {
			return fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

// Compile-time check
var _ interfaces.Store = (*Store)(nil)
