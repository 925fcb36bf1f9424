package storage_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

func seedRun(t *testing.T, store *storage.MemoryStore, runID string, priority int, nodes ...models.TaskExecution) {
	t.Helper()
	run := models.Run{
		ID:         runID,
		PipelineID: "pipeline-" + runID,
		Status:     models.QueuedRunStatus,
		Priority:   priority,
		TotalTasks: len(nodes),
		QueuedAt:   time.Now(),
	}
	for i := range nodes {
		nodes[i].RunID = runID
		if nodes[i].Status == "" {
			nodes[i].Status = models.PendingTaskStatus
		}
		nodes[i].ExecutionOrder = i
	}
	assert.NoError(t, store.CreateRun(run, nodes))
}

func task(id, nodeID string, deps ...string) models.TaskExecution {
	return models.TaskExecution{ID: id, NodeID: nodeID, NodeType: "input", DependsOn: deps}
}

func TestMemoryStoreClaimExclusive(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0, task("t1", "a"))
	promoted, err := store.MarkReadyTasks("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, promoted)

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimTask("t1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one contender may claim the task")
	assert.Equal(t, contenders-1, conflicts)

	claimed, err := store.GetTask("t1")
	assert.NoError(t, err)
	assert.Equal(t, models.RunningTaskStatus, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.NotNil(t, claimed.StartedAt)
}

func TestMemoryStoreMarkReadyTasks(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0,
		task("t1", "a"),
		task("t2", "b", "a"),
		task("t3", "c", "b"),
	)

	promoted, err := store.MarkReadyTasks("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, promoted, "only the root is dependency-free")

	// Completing the root unblocks its direct dependent only.
	_, err = store.ClaimTask("t1")
	assert.NoError(t, err)
	assert.NoError(t, store.CompleteTask("t1", map[string]string{"output": "v"}, 0, 0))

	promoted, err = store.MarkReadyTasks("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, promoted)

	t2, _ := store.GetTask("t2")
	t3, _ := store.GetTask("t3")
	assert.Equal(t, models.ReadyTaskStatus, t2.Status)
	assert.Equal(t, models.PendingTaskStatus, t3.Status)
}

func TestMemoryStoreProgressAggregation(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0,
		task("t1", "a"),
		task("t2", "b"),
		task("t3", "c"),
	)

	_, err := store.MarkReadyTasks("run-1")
	assert.NoError(t, err)

	_, err = store.ClaimTask("t1")
	assert.NoError(t, err)
	assert.NoError(t, store.CompleteTask("t1", map[string]string{"output": "v"}, 0.5, 100))

	run, err := store.GetRun("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, run.CompletedTasks)
	assert.InDelta(t, 1.0/3.0, run.Progress, 1e-9)
	assert.InDelta(t, 0.5, run.CostTotal, 1e-9)
	assert.Equal(t, int64(100), run.TokensUsed)

	_, err = store.ClaimTask("t2")
	assert.NoError(t, err)
	assert.NoError(t, store.FailTask("t2", "boom"))
	assert.NoError(t, store.SkipTasks("run-1", []string{"t3"}))

	run, err = store.GetRun("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, run.CompletedTasks)
	assert.InDelta(t, 1.0, run.Progress, 1e-9)
	assert.LessOrEqual(t, run.Progress, 1.0)
}

func TestMemoryStoreSkipOnlyUnstarted(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0, task("t1", "a"), task("t2", "b"))

	_, err := store.MarkReadyTasks("run-1")
	assert.NoError(t, err)
	_, err = store.ClaimTask("t1")
	assert.NoError(t, err)
	assert.NoError(t, store.CompleteTask("t1", nil, 0, 0))

	assert.NoError(t, store.SkipTasks("run-1", []string{"t1", "t2"}))
	t1, _ := store.GetTask("t1")
	t2, _ := store.GetTask("t2")
	assert.Equal(t, models.SucceededTaskStatus, t1.Status, "terminal tasks are never skipped")
	assert.Equal(t, models.SkippedTaskStatus, t2.Status)
}

func TestMemoryStoreUpdateRunStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0, task("t1", "a"))

	t.Run("running only from queued", func(t *testing.T) {
		applied, err := store.UpdateRunStatus("run-1", models.RunningRunStatus, "")
		assert.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.UpdateRunStatus("run-1", models.RunningRunStatus, "")
		assert.NoError(t, err)
		assert.False(t, applied, "RUNNING is reachable from QUEUED only")
	})

	t.Run("terminal transition applies once", func(t *testing.T) {
		applied, err := store.UpdateRunStatus("run-1", models.CompletedRunStatus, "")
		assert.NoError(t, err)
		assert.True(t, applied)

		run, err := store.GetRun("run-1")
		assert.NoError(t, err)
		assert.NotNil(t, run.CompletedAt)

		for _, status := range []models.RunStatus{models.CompletedRunStatus, models.FailedRunStatus, models.CancelledRunStatus} {
			applied, err = store.UpdateRunStatus("run-1", status, "late")
			assert.NoError(t, err)
			assert.False(t, applied)
		}
		run, err = store.GetRun("run-1")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)
		assert.Empty(t, run.ErrorMsg)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := store.UpdateRunStatus("ghost", models.CompletedRunStatus, "")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestMemoryStoreEligibleRunOrdering(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "low", 1, task("t1", "a"))
	seedRun(t, store, "high-old", 10, task("t2", "a"))
	seedRun(t, store, "high-new", 10, task("t3", "a"))
	seedRun(t, store, "mid", 5, task("t4", "a"))

	applied, err := store.UpdateRunStatus("mid", models.CompletedRunStatus, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	runs, err := store.ListEligibleRuns(0)
	assert.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low"}, ids)

	runs, err = store.ListEligibleRuns(2)
	assert.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMemoryStoreRequeueTask(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0, task("t1", "a"))

	_, err := store.MarkReadyTasks("run-1")
	assert.NoError(t, err)
	_, err = store.ClaimTask("t1")
	assert.NoError(t, err)
	assert.NoError(t, store.MarkRetrying("t1", "transient"))

	run, err := store.GetRun("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, run.RetryCount)

	assert.NoError(t, store.RequeueTask("t1"))
	claimed, err := store.ClaimTask("t1")
	assert.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)

	// Requeue of a terminal task is a no-op.
	assert.NoError(t, store.CompleteTask("t1", nil, 0, 0))
	assert.NoError(t, store.RequeueTask("t1"))
	done, err := store.GetTask("t1")
	assert.NoError(t, err)
	assert.Equal(t, models.SucceededTaskStatus, done.Status)
}

func TestMemoryStoreLogs(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRun(t, store, "run-1", 0, task("t1", "a"))

	assert.NoError(t, store.AppendLog(models.ExecutionLogEntry{RunID: "run-1", Level: "INFO", Message: "first"}))
	assert.NoError(t, store.AppendLog(models.ExecutionLogEntry{RunID: "run-1", TaskID: "t1", Level: "ERROR", Message: "second", Attempt: 1}))
	assert.NoError(t, store.AppendLog(models.ExecutionLogEntry{RunID: "other", Level: "INFO", Message: "elsewhere"}))

	logs, err := store.ListLogs("run-1")
	assert.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
	assert.Less(t, logs[0].ID, logs[1].ID)
	assert.False(t, logs[0].LoggedAt.IsZero())
}
