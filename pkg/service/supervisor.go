package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/olereon/imaginarium-sub002/pkg/compiler"
	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

// RunService is the run supervisor: it owns the run lifecycle from
// submission through terminal state. Runs are created atomically with their
// task executions from a compiled plan; terminal transitions are idempotent
// and emit exactly one event.
type RunService struct {
	store    storage.Store
	registry *Registry
	events   EventPublisher
	logger   Logger
	wake     func()
}

func NewRunService(store storage.Store, registry *Registry, events EventPublisher, logger Logger) *RunService {
	return &RunService{
		store:    store,
		registry: registry,
		events:   events,
		logger:   logger,
		wake:     func() {},
	}
}

// BindDispatcher wires the dispatcher wake so submissions are dispatched
// without waiting for the next poll tick.
func (s *RunService) BindDispatcher(wake func()) {
	if wake != nil {
		s.wake = wake
	}
}

// SubmitRun compiles the definition and persists the QUEUED run together
// with all its task executions in one transaction. Compilation failures
// surface as *compiler.ValidationError and create no run.
func (s *RunService) SubmitRun(def models.PipelineDefinition, userID string, priority int) (models.Run, error) {
	plan, err := compiler.Compile(def)
	if err != nil {
		return models.Run{}, err
	}

	run := models.Run{
		ID:         uuid.NewString(),
		PipelineID: def.ID,
		UserID:     userID,
		Status:     models.QueuedRunStatus,
		Priority:   priority,
		TotalTasks: len(plan.Tasks),
		QueuedAt:   time.Now(),
	}
	tasks := make([]models.TaskExecution, 0, len(plan.Tasks))
	for _, spec := range plan.Tasks {
		tasks = append(tasks, models.TaskExecution{
			ID:             uuid.NewString(),
			RunID:          run.ID,
			NodeID:         spec.NodeID,
			NodeType:       spec.NodeType,
			Status:         models.PendingTaskStatus,
			ExecutionOrder: spec.ExecutionOrder,
			DependsOn:      spec.DependsOn,
			Inputs:         spec.Inputs,
			Config:         spec.Config,
		})
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Run{}, errors.Wrap(err, "begin transaction")
	}
	if err := txStore.CreateRun(run, tasks); err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
		}
		return models.Run{}, errors.Wrap(err, "create run")
	}
	if err := txStore.Commit(); err != nil {
		return models.Run{}, errors.Wrap(err, "commit run")
	}

	s.appendRunLog(run.ID, "INFO", fmt.Sprintf("run submitted with %d tasks at priority %d", run.TotalTasks, run.Priority))
	s.events.Publish(run.ID, Event{Type: EventRunQueued})
	s.logger.Infof("Submitted run %s for pipeline %q (%d tasks)", run.ID, def.ID, run.TotalTasks)
	s.wake()
	return run, nil
}

// CancelRun requests cooperative cancellation. In-flight tasks finish; no
// new tasks are dispatched; the run finalizes CANCELLED once drained.
func (s *RunService) CancelRun(id string) error {
	run, err := s.store.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return errors.Errorf("run %s is already %s", id, run.Status)
	}
	if err := s.store.RequestCancel(id); err != nil {
		return err
	}
	s.appendRunLog(id, "INFO", "cancellation requested")
	s.logger.Infof("Cancellation requested for run %s", id)
	s.wake()
	return nil
}

// Evaluate re-checks a run's terminal condition after a task settles. It is
// safe to call at any time: non-terminal runs with outstanding work are left
// alone, and re-evaluating a terminal run is a no-op with no duplicate event.
func (s *RunService) Evaluate(runID string) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.logger.Errorf("Evaluating run %s: %v", runID, err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	tasks, err := s.store.ListTasks(runID)
	if err != nil {
		s.logger.Errorf("Evaluating run %s: listing tasks: %v", runID, err)
		return
	}

	inflight := 0
	unstarted := make([]string, 0)
	criticalErr := ""
	for _, t := range tasks {
		switch t.Status {
		case models.RunningTaskStatus:
			inflight++
		case models.PendingTaskStatus, models.ReadyTaskStatus, models.RetryingTaskStatus:
			unstarted = append(unstarted, t.ID)
		case models.FailedTaskStatus:
			if !s.registry.Info(t.NodeType).Optional && criticalErr == "" {
				criticalErr = fmt.Sprintf("task %s (node %s) failed: %s", t.ID, t.NodeID, t.ErrorMsg)
			}
		}
	}

	if run.CancelRequested {
		if inflight > 0 {
			return
		}
		if len(unstarted) > 0 {
			if err := s.store.SkipTasks(runID, unstarted); err != nil {
				s.logger.Errorf("Evaluating run %s: skipping remaining tasks: %v", runID, err)
				return
			}
		}
		s.finalize(runID, models.CancelledRunStatus, "cancelled by user")
		return
	}

	if inflight > 0 || len(unstarted) > 0 {
		return
	}
	if criticalErr != "" {
		s.finalize(runID, models.FailedRunStatus, criticalErr)
		return
	}
	s.finalize(runID, models.CompletedRunStatus, "")
}

func (s *RunService) finalize(runID string, status models.RunStatus, errMsg string) {
	applied, err := s.store.UpdateRunStatus(runID, status, errMsg)
	if err != nil {
		s.logger.Errorf("Finalizing run %s as %s: %v", runID, status, err)
		return
	}
	if !applied {
		return
	}
	s.appendRunLog(runID, "INFO", "run "+string(status))
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.logger.Errorf("Finalizing run %s: %v", runID, err)
		return
	}
	evt := Event{Progress: run.Progress, Message: errMsg}
	switch status {
	case models.CompletedRunStatus:
		evt.Type = EventRunCompleted
	case models.FailedRunStatus:
		evt.Type = EventRunFailed
	case models.CancelledRunStatus:
		evt.Type = EventRunCancelled
	}
	s.events.Publish(runID, evt)
	s.logger.Infof("Run %s finalized as %s (progress %.2f)", runID, status, run.Progress)
}

func (s *RunService) GetRun(id string) (models.Run, error) {
	return s.store.GetRun(id)
}

func (s *RunService) ListRuns() ([]models.Run, error) {
	return s.store.ListRuns()
}

func (s *RunService) ListTasks(runID string) ([]models.TaskExecution, error) {
	return s.store.ListTasks(runID)
}

func (s *RunService) ListLogs(runID string) ([]models.ExecutionLogEntry, error) {
	return s.store.ListLogs(runID)
}

func (s *RunService) appendRunLog(runID, level, msg string) {
	err := s.store.AppendLog(models.ExecutionLogEntry{
		RunID:    runID,
		Level:    level,
		Message:  msg,
		LoggedAt: time.Now(),
	})
	if err != nil {
		s.logger.Errorf("Appending run log for %s: %v", runID, err)
	}
}
