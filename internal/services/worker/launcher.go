package worker

import (
	"context"
	"os"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
)

// Handle supervises one launched trial. Done delivers exactly one
// result; Terminate requests termination (graceful first, forced after
// the kill grace).
type Handle struct {
	PID       int
	Done      <-chan Result
	terminate func()
}

// Terminate requests the trial be stopped. Safe to call more than once.
func (h *Handle) Terminate() {
	if h.terminate != nil {
		h.terminate()
	}
}

// Launcher starts job trials. The process launcher gives each trial an
// isolated OS child process; the virtual launcher runs trials in-process
// and backs tests and the worker's virtual mode.
type Launcher interface {
	Launch(ctx context.Context, job *models.Job) (*Handle, error)
}

// virtualLauncher executes trials in a goroutine of the worker process.
// Crash isolation is lost, but the trial contract — typed result,
// store-mediated progress, cancel-on-kill — is identical.
type virtualLauncher struct {
	store    interfaces.Store
	registry *jobs.Registry
	logger   *common.Logger
	worker   string
}

// NewVirtualLauncher creates an in-process launcher.
func NewVirtualLauncher(store interfaces.Store, registry *jobs.Registry, logger *common.Logger, worker string) Launcher {
	return &virtualLauncher{store: store, registry: registry, logger: logger, worker: worker}
}

func (l *virtualLauncher) Launch(_ context.Context, job *models.Job) (*Handle, error) {
	done := make(chan Result, 1)
	trialCtx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		done <- ExecuteTrial(trialCtx, l.store, l.registry, job, l.worker, l.logger)
	}()

	return &Handle{
		PID:       os.Getpid(),
		Done:      done,
		terminate: cancel,
	}, nil
}
