// Package storage selects and constructs the document store backend.
package storage

import (
	"fmt"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/storage/memory"
	"github.com/bobmcallan/drover/internal/storage/surrealdb"
)

// Backend type constants.
const (
	BackendSurrealDB = "surrealdb"
	BackendMemory    = "memory"
)

// NewStore creates a document store based on the configuration.
// Supported backends: "surrealdb" (default), "memory".
func NewStore(logger *common.Logger, config *common.Config) (interfaces.Store, error) {
	backend := config.Storage.Backend
	if backend == "" {
		backend = BackendSurrealDB
	}

	switch backend {
	case BackendSurrealDB:
		return surrealdb.NewStore(logger, &config.Storage)

	case BackendMemory:
		return memory.NewStore(logger), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: surrealdb, memory)", backend)
	}
}
