package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/olereon/imaginarium-sub002/pkg/models"
)

// MemoryStore is an in-memory Store. It backs unit tests and embedded
// single-process deployments; the PostgreSQL store is the durable twin with
// identical semantics. Every method takes the store lock, which is what makes
// ClaimTask a real compare-and-swap.
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	tasks    map[string]*models.TaskExecution
	byRun    map[string][]string // task IDs in execution order
	logs     []models.ExecutionLogEntry
	runSeq   map[string]int // submission order, tiebreak for equal queuedAt
	nextSeq  int
	nextLog  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*models.Run),
		tasks:  make(map[string]*models.TaskExecution),
		byRun:  make(map[string][]string),
		runSeq: make(map[string]int),
	}
}

// Begin returns the store itself: every MemoryStore operation is already
// atomic under the store lock, so there is nothing to stage.
func (m *MemoryStore) Begin() (Store, error) { return m, nil }
func (m *MemoryStore) Commit() error         { return nil }
func (m *MemoryStore) Rollback() error       { return nil }
func (m *MemoryStore) Close() error          { return nil }

func (m *MemoryStore) CreateRun(run models.Run, tasks []models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return errors.Errorf("run %s already exists", run.ID)
	}
	r := run
	m.runs[run.ID] = &r
	m.nextSeq++
	m.runSeq[run.ID] = m.nextSeq
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
		m.byRun[run.ID] = append(m.byRun[run.ID], t.ID)
	}
	return nil
}

func (m *MemoryStore) GetRun(id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) ListRuns() ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	return out, nil
}

func (m *MemoryStore) ListEligibleRuns(limit int) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Run, 0)
	for _, r := range m.runs {
		if !r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return m.runSeq[a.ID] < m.runSeq[b.ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateRunStatus(id string, status models.RunStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	if status == models.RunningRunStatus && r.Status != models.QueuedRunStatus {
		return false, nil
	}
	now := time.Now()
	r.Status = status
	if errMsg != "" {
		r.ErrorMsg = errMsg
	}
	switch {
	case status == models.RunningRunStatus:
		r.StartedAt = &now
	case status.Terminal():
		r.CompletedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) RequestCancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !r.Status.Terminal() {
		r.CancelRequested = true
	}
	return nil
}

func (m *MemoryStore) GetTask(id string) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.TaskExecution{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemoryStore) ListTasks(runID string) ([]models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]models.TaskExecution, 0, len(m.byRun[runID]))
	for _, id := range m.byRun[runID] {
		out = append(out, *m.tasks[id])
	}
	return out, nil
}

func (m *MemoryStore) MarkReadyTasks(runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNode := make(map[string]*models.TaskExecution)
	for _, id := range m.byRun[runID] {
		t := m.tasks[id]
		byNode[t.NodeID] = t
	}
	promoted := 0
	for _, id := range m.byRun[runID] {
		t := m.tasks[id]
		if t.Status != models.PendingTaskStatus {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			d, ok := byNode[dep]
			if !ok || d.Status != models.SucceededTaskStatus {
				ready = false
				break
			}
		}
		if ready {
			t.Status = models.ReadyTaskStatus
			promoted++
		}
	}
	return promoted, nil
}

func (m *MemoryStore) ClaimTask(id string) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.TaskExecution{}, ErrNotFound
	}
	if t.Status != models.ReadyTaskStatus {
		return models.TaskExecution{}, ErrClaimConflict
	}
	now := time.Now()
	t.Status = models.RunningTaskStatus
	t.Attempts++
	t.StartedAt = &now
	return *t, nil
}

func (m *MemoryStore) CompleteTask(id string, output map[string]string, cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	t.Status = models.SucceededTaskStatus
	t.Output = output
	t.Cost = cost
	t.TokensUsed = tokens
	t.ErrorMsg = ""
	t.FinishedAt = &now
	m.recomputeRun(t.RunID)
	return nil
}

func (m *MemoryStore) FailTask(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	t.Status = models.FailedTaskStatus
	t.ErrorMsg = errMsg
	t.FinishedAt = &now
	m.recomputeRun(t.RunID)
	return nil
}

func (m *MemoryStore) MarkRetrying(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.RunningTaskStatus {
		return errors.Errorf("task %s is %s, not RUNNING", id, t.Status)
	}
	t.Status = models.RetryingTaskStatus
	t.ErrorMsg = errMsg
	if r, ok := m.runs[t.RunID]; ok {
		r.RetryCount++
	}
	return nil
}

func (m *MemoryStore) RequeueTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.RetryingTaskStatus && t.Status != models.RunningTaskStatus {
		return nil
	}
	t.Status = models.ReadyTaskStatus
	return nil
}

func (m *MemoryStore) SkipTasks(runID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.RunID != runID {
			continue
		}
		switch t.Status {
		case models.PendingTaskStatus, models.ReadyTaskStatus, models.RetryingTaskStatus:
			t.Status = models.SkippedTaskStatus
			t.FinishedAt = &now
		}
	}
	m.recomputeRun(runID)
	return nil
}

// recomputeRun refreshes the run's progress and cost aggregates from its
// tasks. Callers hold the store lock, so the task transition that triggered
// the recompute and the aggregate update are observed together.
func (m *MemoryStore) recomputeRun(runID string) {
	r, ok := m.runs[runID]
	if !ok {
		return
	}
	completed := 0
	var cost float64
	var tokens int64
	for _, id := range m.byRun[runID] {
		t := m.tasks[id]
		if t.Status.Terminal() {
			completed++
		}
		cost += t.Cost
		tokens += t.TokensUsed
	}
	r.CompletedTasks = completed
	r.CostTotal = cost
	r.TokensUsed = tokens
	if r.TotalTasks > 0 {
		r.Progress = float64(completed) / float64(r.TotalTasks)
	}
}

func (m *MemoryStore) AppendLog(entry models.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	entry.ID = m.nextLog
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now()
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) ListLogs(runID string) ([]models.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionLogEntry
	for _, e := range m.logs {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
