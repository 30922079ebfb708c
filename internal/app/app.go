// Package app wires configuration, logging, storage, the job registry,
// and the worker engine together for the binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/bobmcallan/drover/internal/services/queue"
	"github.com/bobmcallan/drover/internal/services/worker"
	"github.com/bobmcallan/drover/internal/storage"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	arbormodels "github.com/ternarybob/arbor/models"
)

// App holds the initialized services shared by cmd/drover-worker and
// cmd/drover-ctl.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Store       interfaces.Store
	Registry    *jobs.Registry
	Controller  *queue.Controller
	Worker      *worker.Worker
	Hub         *worker.EventHub
	Metrics     *prometheus.Registry
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPath applies the config resolution order: explicit path,
// DROVER_CONFIG, the binary directory, then the development fallback.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		configPath = os.Getenv("DROVER_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "drover.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/drover.toml"
		}
	}
	return configPath
}

// NewApp initializes config, logging, storage, registry, controller, and
// the worker engine. A store that cannot be reached at boot is a fatal
// startup error; the worker refuses to start.
func NewApp(configPath string, withWorker bool) (*App, error) {
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Worker processes keep a ring of recent log events that is flushed
	// to the store's log collection when a fatal record appears.
	var ring *common.RingWriter
	var logger *common.Logger
	if withWorker {
		ring = common.NewRingWriter(100, log.FatalLevel, nil)
		logger = common.NewLoggerWithRing(config.Logging.Level, ring)
	} else {
		logger = common.NewLoggerFromConfig(config.Logging)
	}

	store, err := storage.NewStore(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if ring != nil {
		ring.SetSink(func(evt arbormodels.LogEvent) {
			store.AppendLog(context.Background(), &models.LogRecord{
				Level:     evt.Level.String(),
				Message:   evt.Message,
				CreatedAt: time.Now().UTC(),
			})
		})
	}

	registry := jobs.NewRegistry()
	jobs.RegisterBuiltins(registry)

	identity := common.WorkerIdentity(config.Worker.Name)
	controller := queue.NewController(store, registry, config, logger, common.RealClock{}, identity)

	a := &App{
		Config:      config,
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		Controller:  controller,
		StartupTime: time.Now(),
	}

	if withWorker {
		a.Hub = worker.NewEventHub(logger)
		a.Metrics = prometheus.NewRegistry()
		a.Worker = worker.NewWorker(store, registry, config, logger,
			worker.WithHub(a.Hub),
			worker.WithMetrics(worker.NewMetrics(a.Metrics)),
		)
		controller.SetEvents(a.Hub)
	}

	return a, nil
}

// Close releases the store connection.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// ChildStore builds a store connection from a child envelope's storage
// section. Passed into worker.RunChild so the worker package does not
// depend on the storage factory.
func ChildStore(logger *common.Logger, sc *common.StorageConfig) (interfaces.Store, error) {
	config := common.NewDefaultConfig()
	config.Storage = *sc
	return storage.NewStore(logger, config)
}
