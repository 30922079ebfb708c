package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/bobmcallan/drover/internal/services/queue"
	"github.com/bobmcallan/drover/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test job classes ---

type errorJob struct{}

func (errorJob) Execute(ctx context.Context, job *jobs.Context) error {
	if job.Args["success"] == true && job.Trial >= 2 {
		return nil
	}
	return fmt.Errorf("expected failure")
}

type deferJob struct{}

func (deferJob) Execute(ctx context.Context, job *jobs.Context) error {
	if job.Args["success"] == true && job.Trial >= 2 {
		return nil
	}
	job.Defer("expected deferred")
	return nil
}

type foreverJob struct{}

func (foreverJob) Execute(ctx context.Context, job *jobs.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type noProgressJob struct{}

func (noProgressJob) Execute(ctx context.Context, job *jobs.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(job.FloatArg("sleep", 2.5) * float64(time.Second))):
		return nil
	}
}

type progressJob struct{}

func (progressJob) Execute(ctx context.Context, job *jobs.Context) error {
	total := job.FloatArg("runtime", 0.5)
	deadline := time.Now().Add(time.Duration(total * float64(time.Second)))
	n := 0
	for time.Now().Before(deadline) {
		n++
		job.Progress(1-time.Until(deadline).Seconds()/total, "at %d", n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// restartDeferredJob defers on the first trial with a long defer time,
// so only an explicit restart lets trial 2 run.
type restartDeferredJob struct{}

func (restartDeferredJob) Execute(ctx context.Context, job *jobs.Context) error {
	if job.Trial >= 2 {
		return nil
	}
	job.Defer("expected deferred")
	return nil
}

// parentAwareJob fails unless it descends from a restart.
type parentAwareJob struct{}

func (parentAwareJob) Execute(ctx context.Context, job *jobs.Context) error {
	if job.Enqueued.ParentID != "" {
		return nil
	}
	return fmt.Errorf("expected failure")
}

func registerTestJobs(r *jobs.Registry) {
	r.MustRegister(&jobs.Definition{Name: "test.Error", Author: "bmc", New: func() jobs.Runner { return errorJob{} }, Defaults: jobs.Defaults{Attempts: 2}})
	r.MustRegister(&jobs.Definition{Name: "test.Defer", Author: "bmc", New: func() jobs.Runner { return deferJob{} }})
	r.MustRegister(&jobs.Definition{Name: "test.Forever", Author: "bmc", New: func() jobs.Runner { return foreverJob{} }})
	r.MustRegister(&jobs.Definition{Name: "test.NoProgress", Author: "bmc", New: func() jobs.Runner { return noProgressJob{} }})
	r.MustRegister(&jobs.Definition{Name: "test.Progress", Author: "bmc", New: func() jobs.Runner { return progressJob{} }, Defaults: jobs.Defaults{ProgressInterval: 10}})
	r.MustRegister(&jobs.Definition{Name: "test.RestartDeferred", Author: "bmc", New: func() jobs.Runner { return restartDeferredJob{} }, Defaults: jobs.Defaults{DeferTime: 120}})
	r.MustRegister(&jobs.Definition{Name: "test.ParentAware", Author: "bmc", New: func() jobs.Runner { return parentAwareJob{} }, Defaults: jobs.Defaults{ErrorTime: 120}})
	r.MustRegister(&jobs.Definition{Name: "test.Required", Author: "bmc", New: func() jobs.Runner { return noProgressJob{} }, Required: []string{"input"}})
}

// --- harness ---

type harness struct {
	t          *testing.T
	store      *memory.Store
	registry   *jobs.Registry
	config     *common.Config
	controller *queue.Controller
	worker     *Worker
	cancel     context.CancelFunc
	done       chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := common.NewSilentLogger()
	store := memory.NewStore(logger)

	registry := jobs.NewRegistry()
	jobs.RegisterBuiltins(registry)
	registerTestJobs(registry)

	config := common.NewDefaultConfig()
	config.Worker.Virtual = true
	config.Worker.KillGrace = "100ms"
	config.Worker.Plan = common.PlanConfig{
		WorkJobs:     "10ms",
		FlagJobs:     "25ms",
		CollectStats: "100ms",
		RemoveJobs:   "25ms",
	}
	config.Queue.ErrorTime = 0
	config.Queue.DeferTime = 0

	w := NewWorker(store, registry, config, logger)
	controller := queue.NewController(store, registry, config, logger, common.RealClock{}, "test.ctl")

	return &harness{
		t:          t,
		store:      store,
		registry:   registry,
		config:     config,
		controller: controller,
		worker:     w,
	}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.worker.Start(ctx)
	}()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.done == nil {
		return
	}
	h.worker.RequestExit()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		h.cancel()
		h.t.Error("worker did not drain within timeout")
	}
	h.done = nil
}

func (h *harness) waitFor(msg string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", msg)
}

func (h *harness) queueCount(state string) int {
	n, err := h.store.CountQueue(context.Background(), state)
	require.NoError(h.t, err)
	return n
}

func (h *harness) journalCount() int {
	n, err := h.store.CountJournal(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) lockCount() int {
	locks, err := h.store.ListLocks(context.Background())
	require.NoError(h.t, err)
	return len(locks)
}

// countLogs returns the number of log records for jobID (any job when
// empty) whose message contains substr, optionally filtered by level.
func (h *harness) countLogs(jobID, substr, level string) int {
	logs, err := h.store.FindLogs(context.Background(), jobID)
	require.NoError(h.t, err)
	n := 0
	for _, rec := range logs {
		if level != "" && rec.Level != level {
			continue
		}
		if strings.Contains(rec.Message, substr) {
			n++
		}
	}
	return n
}

func (h *harness) findJob(id string) *models.Job {
	job, err := h.controller.FindJob(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

// --- control loop tests ---

func TestCreatePlanHasFourDuties(t *testing.T) {
	h := newHarness(t)

	plan := h.worker.Plan()
	require.Len(t, plan, 4)
	assert.Equal(t, DutyWorkJobs, plan[0].Name)
	assert.Equal(t, DutyFlagJobs, plan[1].Name)
	assert.Equal(t, DutyCollectStats, plan[2].Name)
	assert.Equal(t, DutyRemoveJobs, plan[3].Name)
	assert.Equal(t, 10*time.Millisecond, plan[0].Interval)
}

func TestWorkerIdentifierShape(t *testing.T) {
	h := newHarness(t)
	parts := strings.Split(h.worker.Identifier(), ".")
	require.GreaterOrEqual(t, len(parts), 3)
	assert.Equal(t, "worker", parts[len(parts)-1])
}

func TestLoopCountsCycles(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.waitFor("five cycles", func() bool { return h.worker.Cycle()["total"] >= 5 })
	h.stop()

	cycle := h.worker.Cycle()
	assert.Greater(t, cycle[DutyWorkJobs], 0)
	assert.Greater(t, cycle[DutyFlagJobs], 0)
}

func TestMaintenanceCyclesAreNoops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.EnterMaintenance(context.Background()))

	h.start()
	h.waitFor("three cycles", func() bool { return h.worker.Cycle()["total"] >= 3 })
	h.stop()

	cycle := h.worker.Cycle()
	assert.GreaterOrEqual(t, cycle["total"], 3)
	assert.Equal(t, 0, cycle[DutyWorkJobs])
	assert.Equal(t, 0, cycle[DutyFlagJobs])
	assert.Equal(t, 0, cycle[DutyCollectStats])
	assert.Equal(t, 0, cycle[DutyRemoveJobs])
}

func TestMaintenanceStopsDequeueButRunningJobFinishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"sleep": 0.2}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job running", func() bool { return h.queueCount(models.StateRunning) == 1 })

	// Maintenance stops new dequeues but the in-flight job completes.
	require.NoError(t, h.controller.EnterMaintenance(ctx))
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	assert.Equal(t, models.StateComplete, h.findJob(job.ID).State)

	_, err = h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"sleep": 0.1}, nil)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.queueCount(models.StatePending), "no dequeue during maintenance")
	h.stop()
}

func TestHaltBeforeStartupIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.Halt(context.Background()))
	time.Sleep(20 * time.Millisecond)

	h.start()
	h.waitFor("three cycles", func() bool { return h.worker.Cycle()["total"] >= 3 })
	h.stop()
}

func TestHaltStopsStartedWorkers(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.waitFor("loop running", func() bool { return h.worker.Cycle()["total"] >= 2 })

	require.NoError(t, h.controller.Halt(context.Background()))
	select {
	case <-h.done:
		h.done = nil
	case <-time.After(10 * time.Second):
		t.Fatal("worker ignored halt marker")
	}
}

func TestCollectStatsRegistersWorker(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.waitFor("worker registered", func() bool {
		workers, err := h.store.ListWorkers(context.Background())
		require.NoError(t, err)
		return len(workers) == 1
	})
	h.stop()

	workers, err := h.store.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.worker.Identifier(), workers[0].Identifier)
}

// --- dequeue tests ---

func TestGetNextJobOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var enqueued []string
	for i := 0; i < 5; i++ {
		job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"i": i}, nil)
		require.NoError(t, err)
		enqueued = append(enqueued, job.ID)
		time.Sleep(time.Millisecond)
	}

	var dequeued []string
	for i := 0; i < 3; i++ {
		job, err := h.worker.GetNextJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		dequeued = append(dequeued, job.ID)
	}
	assert.Equal(t, enqueued[:3], dequeued, "equal priority dequeues FIFO")

	priority := 10
	high, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"i": 5}, &models.EnqueueOverrides{Priority: &priority})
	require.NoError(t, err)

	job, err := h.worker.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID, "priority dominates enqueue order")
}

func TestGetNextJobTakesLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued, err := h.controller.Enqueue(ctx, "drover.Dummy", nil, nil)
	require.NoError(t, err)

	job, err := h.worker.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queued.ID, job.ID)
	assert.Equal(t, 1, h.lockCount())

	// The lock row blocks a second insertion for the same job.
	ok, err := h.store.InsertLock(ctx, job.ID, "other.worker", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetNextJobRollsBackOnLockConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "drover.Dummy", nil, nil)
	require.NoError(t, err)

	// A stale lock row shadows the claim.
	ok, err := h.store.InsertLock(ctx, job.ID, "dead.worker", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.worker.GetNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "conflicted claim yields no job")

	doc, err := h.store.GetQueueJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, doc.State, "claim was rolled back")
	assert.Equal(t, 0, doc.Trial)
	assert.Equal(t, doc.Attempts, doc.AttemptsLeft)
}

func TestCleanupDropsStaleLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.InsertLock(ctx, "gone-job", "dead.worker", time.Now())
	require.NoError(t, err)

	require.NoError(t, h.worker.Cleanup(ctx))
	assert.Equal(t, 0, h.lockCount())
}
