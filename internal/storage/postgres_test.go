package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	internal_storage "github.com/olereon/imaginarium-sub002/internal/storage"
	"github.com/olereon/imaginarium-sub002/internal/testutil"
	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Each subtest runs inside its own transaction and rolls back, so the
	// container is shared without state leaking between subtests.
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() {
			_ = txStore.Rollback()
			_ = store.Close()
		})
		return txStore.(*internal_storage.PostgresStore)
	}

	makeRun := func(priority int) models.Run {
		return models.Run{
			ID:         uuid.NewString(),
			PipelineID: "pipeline-x",
			UserID:     "u-1",
			Status:     models.QueuedRunStatus,
			Priority:   priority,
			QueuedAt:   time.Now(),
		}
	}
	makeTask := func(runID, nodeID string, order int, deps ...string) models.TaskExecution {
		return models.TaskExecution{
			ID:             uuid.NewString(),
			RunID:          runID,
			NodeID:         nodeID,
			NodeType:       "input",
			Status:         models.PendingTaskStatus,
			ExecutionOrder: order,
			DependsOn:      deps,
			Config:         map[string]string{"value": nodeID},
		}
	}

	t.Run("CreateAndGetRun", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(3)
		run.TotalTasks = 2
		t1 := makeTask(run.ID, "a", 0)
		t2 := makeTask(run.ID, "b", 1, "a")
		t2.Inputs = []models.InputBinding{{SourceNodeID: "a", SourceHandle: "output", TargetHandle: "input"}}
		assert.NoError(t, store.CreateRun(run, []models.TaskExecution{t1, t2}))

		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, run.PipelineID, got.PipelineID)
		assert.Equal(t, models.QueuedRunStatus, got.Status)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, 2, got.TotalTasks)

		tasks, err := store.ListTasks(run.ID)
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)
		assert.Equal(t, "a", tasks[0].NodeID)
		assert.Equal(t, []string{"a"}, tasks[1].DependsOn)
		assert.Equal(t, t2.Inputs, tasks[1].Inputs)
		assert.Equal(t, map[string]string{"value": "b"}, tasks[1].Config)

		_, err = store.GetRun(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("MarkReadyAndClaim", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		run.TotalTasks = 2
		t1 := makeTask(run.ID, "a", 0)
		t2 := makeTask(run.ID, "b", 1, "a")
		assert.NoError(t, store.CreateRun(run, []models.TaskExecution{t1, t2}))

		promoted, err := store.MarkReadyTasks(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, promoted, "only the dependency-free root")

		claimed, err := store.ClaimTask(t1.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.NotNil(t, claimed.StartedAt)

		_, err = store.ClaimTask(t1.ID)
		assert.True(t, errors.Is(err, storage.ErrClaimConflict), "second claim must lose")

		// The dependent stays PENDING until its dependency SUCCEEDED.
		promoted, err = store.MarkReadyTasks(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, promoted)

		assert.NoError(t, store.CompleteTask(t1.ID, map[string]string{"output": "v"}, 0.1, 42))
		promoted, err = store.MarkReadyTasks(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, promoted)
	})

	t.Run("AggregatesFollowTaskTransitions", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		run.TotalTasks = 3
		t1 := makeTask(run.ID, "a", 0)
		t2 := makeTask(run.ID, "b", 1)
		t3 := makeTask(run.ID, "c", 2, "b")
		assert.NoError(t, store.CreateRun(run, []models.TaskExecution{t1, t2, t3}))

		_, err := store.MarkReadyTasks(run.ID)
		assert.NoError(t, err)
		_, err = store.ClaimTask(t1.ID)
		assert.NoError(t, err)
		assert.NoError(t, store.CompleteTask(t1.ID, map[string]string{"output": "v"}, 0.5, 100))

		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.CompletedTasks)
		assert.InDelta(t, 1.0/3.0, got.Progress, 1e-9)
		assert.InDelta(t, 0.5, got.CostTotal, 1e-9)
		assert.Equal(t, int64(100), got.TokensUsed)

		_, err = store.ClaimTask(t2.ID)
		assert.NoError(t, err)
		assert.NoError(t, store.FailTask(t2.ID, "provider rejected"))
		assert.NoError(t, store.SkipTasks(run.ID, []string{t3.ID}))

		got, err = store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 3, got.CompletedTasks)
		assert.InDelta(t, 1.0, got.Progress, 1e-9)

		failed, err := store.GetTask(t2.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, failed.Status)
		assert.Equal(t, "provider rejected", failed.ErrorMsg)
		skipped, err := store.GetTask(t3.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.SkippedTaskStatus, skipped.Status)
	})

	t.Run("UpdateRunStatusIdempotent", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		assert.NoError(t, store.CreateRun(run, nil))

		applied, err := store.UpdateRunStatus(run.ID, models.RunningRunStatus, "")
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.UpdateRunStatus(run.ID, models.RunningRunStatus, "")
		assert.NoError(t, err)
		assert.False(t, applied, "RUNNING only from QUEUED")

		applied, err = store.UpdateRunStatus(run.ID, models.FailedRunStatus, "boom")
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.UpdateRunStatus(run.ID, models.CompletedRunStatus, "")
		assert.NoError(t, err)
		assert.False(t, applied, "terminal runs never transition again")

		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, got.Status)
		assert.Equal(t, "boom", got.ErrorMsg)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("RetryBookkeeping", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		run.TotalTasks = 1
		t1 := makeTask(run.ID, "a", 0)
		assert.NoError(t, store.CreateRun(run, []models.TaskExecution{t1}))

		_, err := store.MarkReadyTasks(run.ID)
		assert.NoError(t, err)
		_, err = store.ClaimTask(t1.ID)
		assert.NoError(t, err)

		assert.NoError(t, store.MarkRetrying(t1.ID, "transient"))
		assert.Error(t, store.MarkRetrying(t1.ID, "transient"), "only a RUNNING task can enter RETRYING")

		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)

		assert.NoError(t, store.RequeueTask(t1.ID))
		claimed, err := store.ClaimTask(t1.ID)
		assert.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
	})

	t.Run("RequestCancel", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		assert.NoError(t, store.CreateRun(run, nil))

		assert.NoError(t, store.RequestCancel(run.ID))
		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.True(t, got.CancelRequested)

		assert.ErrorIs(t, store.RequestCancel(uuid.NewString()), storage.ErrNotFound)

		_, err = store.UpdateRunStatus(run.ID, models.CancelledRunStatus, "")
		assert.NoError(t, err)
		assert.NoError(t, store.RequestCancel(run.ID), "cancelling a terminal run is a no-op")
	})

	t.Run("EligibleRunOrdering", func(t *testing.T) {
		store := newTxStore(t)
		low := makeRun(1)
		highOld := makeRun(10)
		highNew := makeRun(10)
		highNew.QueuedAt = highOld.QueuedAt.Add(time.Second)
		done := makeRun(7)
		for _, r := range []models.Run{low, highOld, highNew, done} {
			assert.NoError(t, store.CreateRun(r, nil))
		}
		applied, err := store.UpdateRunStatus(done.ID, models.CompletedRunStatus, "")
		assert.NoError(t, err)
		assert.True(t, applied)

		runs, err := store.ListEligibleRuns(0)
		assert.NoError(t, err)
		ids := make([]string, 0, len(runs))
		for _, r := range runs {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, ids)

		runs, err = store.ListEligibleRuns(1)
		assert.NoError(t, err)
		assert.Len(t, runs, 1)
		assert.Equal(t, highOld.ID, runs[0].ID)
	})

	t.Run("ExecutionLogs", func(t *testing.T) {
		store := newTxStore(t)
		run := makeRun(0)
		run.TotalTasks = 1
		t1 := makeTask(run.ID, "a", 0)
		assert.NoError(t, store.CreateRun(run, []models.TaskExecution{t1}))

		assert.NoError(t, store.AppendLog(models.ExecutionLogEntry{
			RunID: run.ID, Level: "INFO", Message: "run submitted", LoggedAt: time.Now(),
		}))
		assert.NoError(t, store.AppendLog(models.ExecutionLogEntry{
			RunID: run.ID, TaskID: t1.ID, Level: "ERROR", Message: "attempt failed", Attempt: 1, LoggedAt: time.Now(),
		}))

		logs, err := store.ListLogs(run.ID)
		assert.NoError(t, err)
		assert.Len(t, logs, 2)
		assert.Equal(t, "run submitted", logs[0].Message)
		assert.Empty(t, logs[0].TaskID, "run-level entries have no task")
		assert.Equal(t, t1.ID, logs[1].TaskID)
		assert.Equal(t, 1, logs[1].Attempt)
	})
}
