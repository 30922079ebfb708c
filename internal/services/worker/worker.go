package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
)

// Duty names, in execution order.
const (
	DutyWorkJobs     = "work_jobs"
	DutyFlagJobs     = "flag_jobs"
	DutyCollectStats = "collect_stats"
	DutyRemoveJobs   = "remove_jobs"
)

// duty is a periodic task in the control loop's plan. It runs on a
// cycle only when its interval has elapsed since the last run.
type duty struct {
	name     string
	interval time.Duration
	next     time.Time
	call     func(ctx context.Context)
}

// PlanEntry describes one duty of the execution plan. Used by tests.
type PlanEntry struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
}

// supervised tracks one running trial owned by this worker.
type supervised struct {
	job       *models.Job
	handle    *Handle
	startedAt time.Time
}

// Worker runs the cooperative control loop: one logical thread of
// control visiting the duty plan each cycle, with per-job execution
// delegated to isolated trials. Workers share state only through the
// document store.
type Worker struct {
	name       string
	identifier string
	store      interfaces.Store
	registry   *jobs.Registry
	config     *common.Config
	logger     *common.Logger
	clock      common.Clock
	launcher   Launcher
	hub        *EventHub
	metrics    *Metrics

	startedAt time.Time
	plan      []*duty

	cycleMu sync.Mutex
	cycle   map[string]int

	runMu   sync.Mutex
	running map[string]*supervised

	exit atomic.Bool
	wg   sync.WaitGroup
}

// Option configures optional worker collaborators.
type Option func(*Worker)

// WithClock replaces the wall clock, for tests.
func WithClock(clock common.Clock) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithLauncher replaces the trial launcher.
func WithLauncher(l Launcher) Option {
	return func(w *Worker) { w.launcher = l }
}

// WithHub attaches a WebSocket event hub.
func WithHub(hub *EventHub) Option {
	return func(w *Worker) { w.hub = hub }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a worker. The identifier is derived from hostname,
// pid, and the configured name; it owns every lock this worker takes.
func NewWorker(store interfaces.Store, registry *jobs.Registry, config *common.Config, logger *common.Logger, opts ...Option) *Worker {
	name := config.Worker.Name
	if name == "" {
		name = "worker"
	}

	w := &Worker{
		name:       name,
		identifier: common.WorkerIdentity(name),
		store:      store,
		registry:   registry,
		config:     config,
		logger:     logger,
		clock:      common.RealClock{},
		cycle: map[string]int{
			"total":          0,
			DutyWorkJobs:     0,
			DutyFlagJobs:     0,
			DutyCollectStats: 0,
			DutyRemoveJobs:   0,
		},
		running: make(map[string]*supervised),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.launcher == nil {
		if config.Worker.Virtual {
			w.launcher = NewVirtualLauncher(store, registry, logger, w.identifier)
		} else {
			w.launcher = NewProcessLauncher(store, config, logger, w.identifier)
		}
	}
	w.plan = w.createPlan()
	return w
}

// Identifier returns the canonical worker identifier.
func (w *Worker) Identifier() string { return w.identifier }

// createPlan builds the ordered duty plan from configuration.
func (w *Worker) createPlan() []*duty {
	plan := w.config.Worker.Plan
	return []*duty{
		{name: DutyWorkJobs, interval: plan.GetWorkJobs(), call: w.workJobs},
		{name: DutyFlagJobs, interval: plan.GetFlagJobs(), call: w.flagJobs},
		{name: DutyCollectStats, interval: plan.GetCollectStats(), call: w.collectStats},
		{name: DutyRemoveJobs, interval: plan.GetRemoveJobs(), call: w.removeJobs},
	}
}

// Plan returns the duty plan for inspection.
func (w *Worker) Plan() []PlanEntry {
	entries := make([]PlanEntry, 0, len(w.plan))
	for _, d := range w.plan {
		entries = append(entries, PlanEntry{Name: d.name, Interval: d.interval})
	}
	return entries
}

// Cycle returns a snapshot of the cycle counters.
func (w *Worker) Cycle() map[string]int {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	snapshot := make(map[string]int, len(w.cycle))
	for k, v := range w.cycle {
		snapshot[k] = v
	}
	return snapshot
}

func (w *Worker) incCycle(name string) {
	w.cycleMu.Lock()
	w.cycle[name]++
	w.cycleMu.Unlock()
}

// RequestExit asks the control loop to drain running jobs and stop at
// the next loop boundary.
func (w *Worker) RequestExit() { w.exit.Store(true) }

// RunningCount returns the number of trials this worker supervises.
func (w *Worker) RunningCount() int {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return len(w.running)
}

func (w *Worker) track(id string, sup *supervised) {
	w.runMu.Lock()
	w.running[id] = sup
	w.runMu.Unlock()
}

func (w *Worker) untrack(id string) {
	w.runMu.Lock()
	delete(w.running, id)
	w.runMu.Unlock()
}

func (w *Worker) supervisedFor(id string) *supervised {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.running[id]
}

// Start runs the control loop until halt, exit, or context
// cancellation, then drains running trials. Store outages never stop
// the loop; the failing duty aborts and the next cycle retries.
func (w *Worker) Start(ctx context.Context) error {
	w.startedAt = w.clock.Now()
	w.register(ctx)

	w.logger.Info().
		Str("worker", w.identifier).
		Int("duties", len(w.plan)).
		Msg("Worker control loop started")

	loopInterval := w.config.Worker.Plan.GetWorkJobs()

	for {
		if ctx.Err() != nil || w.exit.Load() {
			break
		}
		if w.halted(ctx) {
			w.logger.Info().Str("worker", w.identifier).Msg("Halt marker observed, exiting")
			break
		}

		w.incCycle("total")

		if !w.maintenance(ctx) {
			now := w.clock.Now()
			for _, d := range w.plan {
				if now.Before(d.next) {
					continue
				}
				w.runDuty(ctx, d)
				w.incCycle(d.name)
				if w.metrics != nil {
					w.metrics.CyclesTotal.WithLabelValues(d.name).Inc()
				}
				d.next = now.Add(d.interval)
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(loopInterval):
		}
	}

	w.logger.Info().
		Str("worker", w.identifier).
		Int("running", w.RunningCount()).
		Msg("Draining running jobs")
	w.wg.Wait()
	w.register(context.Background())

	w.logger.Info().Str("worker", w.identifier).Msg("Worker control loop stopped")
	return nil
}

// runDuty executes one duty with panic containment, so a broken duty
// cannot take the loop down.
func (w *Worker) runDuty(ctx context.Context, d *duty) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error().
				Str("duty", d.name).
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in duty")
		}
	}()
	d.call(ctx)
}

// halted reports whether the global halt marker is newer than this
// worker's startup.
func (w *Worker) halted(ctx context.Context) bool {
	v, err := w.store.GetSystemKV(ctx, models.KVHalt)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read halt marker")
		return false
	}
	if v == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return false
	}
	return at.After(w.startedAt)
}

// maintenance reports whether the global maintenance flag is set.
// Cycles under maintenance are no-ops: no duty runs, only the total
// counter advances. Running trials continue to completion.
func (w *Worker) maintenance(ctx context.Context) bool {
	v, err := w.store.GetSystemKV(ctx, models.KVMaintenance)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read maintenance flag")
		return false
	}
	return v == "true"
}

// register upserts this worker's liveness record.
func (w *Worker) register(ctx context.Context) {
	hostname, _ := os.Hostname()
	info := &models.WorkerInfo{
		Identifier: w.identifier,
		Hostname:   hostname,
		PID:        os.Getpid(),
		StartedAt:  w.startedAt,
		Heartbeat:  w.clock.Now(),
		CycleTotal: w.Cycle()["total"],
		Running:    w.RunningCount(),
	}
	if err := w.store.RegisterWorker(ctx, info); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to register worker")
	}
}
