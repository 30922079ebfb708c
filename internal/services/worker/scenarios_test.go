package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bobmcallan/drover/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRunsToComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"sleep": 0.2}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	assert.Equal(t, 0, h.queueCount(""))
	assert.Equal(t, 0, h.lockCount())

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State)
	assert.Equal(t, 1, done.Trial)
	assert.Nil(t, done.Locked)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	require.NotNil(t, done.Runtime)
	assert.Greater(t, *done.Runtime, 0.0)

	assert.Equal(t, 1, h.countLogs(job.ID, "start execution", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [complete]", models.LogInfo))
}

func TestFailedRetriesThenError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Error", nil, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateError, done.State)
	assert.Equal(t, 2, done.Trial, "both attempts were used")
	assert.Equal(t, 0, done.AttemptsLeft)
	assert.Contains(t, done.LastError, "expected failure")

	assert.Equal(t, 2, h.countLogs(job.ID, "start execution", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [failed]", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [error]", models.LogInfo))
}

func TestSuccessAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Error", map[string]any{"success": true}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State)
	assert.Equal(t, 2, done.Trial)

	assert.Equal(t, 2, h.countLogs(job.ID, "start execution", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [failed]", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [complete]", models.LogInfo))
}

func TestDeferUntilInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deferMax := 1
	job, err := h.controller.Enqueue(ctx, "test.Defer", nil, &models.EnqueueOverrides{DeferMax: &deferMax})
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateInactive, done.State)
	assert.Greater(t, h.countLogs(job.ID, "done execution with [deferred]", models.LogInfo), 1)
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [inactive]", models.LogInfo))
}

func TestDeferDoesNotConsumeAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Defer", map[string]any{"success": true}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State)
	assert.Equal(t, 2, done.Trial)
	// One defer plus one completion: only the completing trial consumed
	// an attempt.
	assert.Equal(t, done.Attempts-1, done.AttemptsLeft)
}

func TestFailToInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A one-second retry delay puts the second failure past the one-second
	// budget while attempts remain.
	attempts := 5
	deferMax := 1
	errorTime := 1
	job, err := h.controller.Enqueue(ctx, "test.Error", nil, &models.EnqueueOverrides{
		Attempts:  &attempts,
		DeferMax:  &deferMax,
		ErrorTime: &errorTime,
	})
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateInactive, done.State, "retry budget exhausted by wall time, not attempts")
}

func TestKillRunningJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Forever", nil, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job running with pid", func() bool {
		doc, err := h.store.GetQueueJob(ctx, job.ID)
		require.NoError(t, err)
		return doc != nil && doc.State == models.StateRunning && doc.Locked != nil && doc.Locked.PID != nil
	})

	killed, err := h.controller.KillJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, killed)

	h.waitFor("job killed", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateKilled, done.State)
	require.NotNil(t, done.KilledAt)
	assert.Equal(t, 0, h.lockCount())
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [killed]", models.LogInfo))
}

func TestKillPendingJobFails(t *testing.T) {
	h := newHarness(t)

	job, err := h.controller.Enqueue(context.Background(), "drover.Dummy", nil, nil)
	require.NoError(t, err)

	killed, err := h.controller.KillJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestWallTimeFlagsNonStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wall := 1
	job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"sleep": 2}, &models.EnqueueOverrides{WallTime: &wall})
	require.NoError(t, err)

	h.start()
	h.waitFor("wall_at set", func() bool {
		doc, err := h.store.GetQueueJob(ctx, job.ID)
		require.NoError(t, err)
		return doc != nil && doc.WallAt != nil
	})
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State, "wall time is informational")
	require.NotNil(t, done.WallAt)
	assert.Equal(t, 1, h.countLogs(job.ID, fmt.Sprintf("successfully set non-stop job [%s]", job.ID), models.LogInfo))
}

func TestZombieFlagging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	zombie := 1
	job, err := h.controller.Enqueue(ctx, "test.NoProgress", map[string]any{"sleep": 2.5}, &models.EnqueueOverrides{ZombieTime: &zombie})
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State, "zombie is a marker, not a termination")
	require.NotNil(t, done.ZombieAt)
	assert.Equal(t, 1, h.countLogs(job.ID, fmt.Sprintf("successfully set zombie job [%s]", job.ID), models.LogInfo))
}

func TestProgressThrottling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Interval far above the runtime: the first report and the final
	// flush are the only persisted ones.
	job, err := h.controller.Enqueue(ctx, "test.Progress", map[string]any{"runtime": 0.5}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	assert.Equal(t, 2, h.countLogs(job.ID, "progress", models.LogDebug))
}

func TestProgressThrottlingFineInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	interval := 1.0
	job, err := h.controller.Enqueue(ctx, "test.Progress", map[string]any{"runtime": 2.2}, &models.EnqueueOverrides{ProgressInterval: &interval})
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	assert.GreaterOrEqual(t, h.countLogs(job.ID, "progress", models.LogDebug), 3)
}

func TestRemovePendingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Enqueue and flag for removal before any worker runs.
	var ids []string
	for i := 0; i < 5; i++ {
		job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"i": i}, nil)
		require.NoError(t, err)
		_, err = h.controller.RemoveJob(ctx, job.ID)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	h.start()
	h.waitFor("queue drained", func() bool { return h.queueCount("") == 0 })
	h.stop()

	assert.Equal(t, 5, h.journalCount())
	for _, id := range ids {
		job := h.findJob(id)
		assert.Equal(t, models.StatePending, job.State, "removed pending jobs are journaled untouched")
		assert.Equal(t, 0, job.Trial, "removed jobs were never dequeued")
	}
}

func TestRemoveRunningJobTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Forever", nil, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job running", func() bool { return h.queueCount(models.StateRunning) == 1 })

	removed, err := h.controller.RemoveJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, removed)

	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateKilled, done.State)
	assert.Equal(t, 0, h.queueCount(""))
	assert.Equal(t, 0, h.lockCount())
}

func TestRestartDeferredJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.RestartDeferred", nil, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job deferred", func() bool {
		doc, err := h.store.GetQueueJob(ctx, job.ID)
		require.NoError(t, err)
		return doc != nil && doc.State == models.StateDeferred
	})

	id, err := h.controller.RestartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateComplete, done.State)
	assert.Equal(t, 2, done.Trial)
	assert.Equal(t, 0, h.queueCount(""))
}

func TestRestartErrorCreatesChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	attempts := 1
	job, err := h.controller.Enqueue(ctx, "test.ParentAware", nil, &models.EnqueueOverrides{Attempts: &attempts})
	require.NoError(t, err)

	h.start()
	h.waitFor("parent errored", func() bool {
		doc, err := h.store.GetJournalJob(ctx, job.ID)
		require.NoError(t, err)
		return doc != nil && doc.State == models.StateError
	})

	newID, err := h.controller.RestartJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotEqual(t, job.ID, newID)

	h.waitFor("child journaled", func() bool { return h.journalCount() == 2 })
	h.stop()

	parent := h.findJob(job.ID)
	assert.Equal(t, models.StateError, parent.State)

	child := h.findJob(newID)
	assert.Equal(t, models.StateComplete, child.State)
	assert.Equal(t, job.ID, child.Enqueued.ParentID)
	assert.Equal(t, 0, h.queueCount(""))
}

func TestUnknownJobClassErrorsAtStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "no.Such", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateError, done.State)
	assert.Contains(t, done.LastError, "unknown job class")
	assert.Equal(t, 1, h.countLogs(job.ID, "start execution", models.LogInfo))
	assert.Equal(t, 1, h.countLogs(job.ID, "done execution with [error]", models.LogInfo))
}

func TestMissingRequiredArgsErrorsAtStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Enqueue(ctx, "test.Required", nil, nil)
	require.NoError(t, err)

	h.start()
	h.waitFor("job journaled", func() bool { return h.journalCount() == 1 })
	h.stop()

	done := h.findJob(job.ID)
	assert.Equal(t, models.StateError, done.State)
	assert.Contains(t, done.LastError, "missing required arguments")
}

func TestJobInExactlyOneCollection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := h.controller.Enqueue(ctx, "drover.Dummy", map[string]any{"sleep": 0.05, "i": i}, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	h.start()
	h.waitFor("all journaled", func() bool { return h.journalCount() == 5 })
	h.stop()

	for _, id := range ids {
		queued, err := h.store.GetQueueJob(ctx, id)
		require.NoError(t, err)
		archived, err := h.store.GetJournalJob(ctx, id)
		require.NoError(t, err)
		assert.True(t, queued == nil && archived != nil, "job %s must be in exactly one collection", id)
	}
}
