package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

const (
	// DefaultTaskTimeout bounds a single attempt when the node type declares
	// no timeout of its own.
	DefaultTaskTimeout = 60 * time.Second

	// Persistence retry defaults. A worker that computed a result does not
	// drop it because the store is briefly unavailable; it retries the write
	// with capped exponential backoff before releasing its claim.
	DefaultPersistBase     = 100 * time.Millisecond
	DefaultPersistCap      = 5 * time.Second
	DefaultPersistAttempts = 8
)

// ExecutorPool is the bounded worker set that executes claimed tasks. The
// dispatcher claims tasks (exclusive, store-enforced) and submits them here;
// workers invoke the node executor, classify the outcome, and write the
// result back to the store. The pool keeps no state a restart could lose:
// retry timers are re-armed by the dispatcher's startup recovery.
type ExecutorPool struct {
	store          storage.Store
	registry       *Registry
	events         EventPublisher
	retry          RetryPolicy
	logger         Logger
	defaultTimeout time.Duration

	persistBase     time.Duration
	persistCap      time.Duration
	persistAttempts int

	taskCh   chan models.TaskExecution
	inflight int64

	// wake pokes the dispatcher after a task settles so freed capacity and
	// newly unblocked dependents are picked up without waiting for a tick.
	wake func()
	// settled tells the run supervisor to re-evaluate a run's terminal state.
	settled func(runID string)

	ctx context.Context
	wg  sync.WaitGroup
}

type PoolOption func(*ExecutorPool)

func WithDefaultTimeout(d time.Duration) PoolOption {
	return func(p *ExecutorPool) { p.defaultTimeout = d }
}

// WithPersistRetry tunes how long a worker retries persisting a task outcome
// before releasing its claim.
func WithPersistRetry(base, cap time.Duration, attempts int) PoolOption {
	return func(p *ExecutorPool) {
		p.persistBase = base
		p.persistCap = cap
		p.persistAttempts = attempts
	}
}

func NewExecutorPool(ctx context.Context, store storage.Store, registry *Registry, events EventPublisher, retry RetryPolicy, logger Logger, opts ...PoolOption) *ExecutorPool {
	p := &ExecutorPool{
		store:          store,
		registry:       registry,
		events:         events,
		retry:          retry,
		logger:         logger,
		defaultTimeout: DefaultTaskTimeout,

		persistBase:     DefaultPersistBase,
		persistCap:      DefaultPersistCap,
		persistAttempts: DefaultPersistAttempts,

		wake:    func() {},
		settled: func(string) {},
		ctx:     ctx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind wires the dispatcher wake and run-supervisor settle hooks. Must be
// called before Start.
func (p *ExecutorPool) Bind(wake func(), settled func(runID string)) {
	if wake != nil {
		p.wake = wake
	}
	if settled != nil {
		p.settled = settled
	}
}

// Start launches the fixed worker set.
func (p *ExecutorPool) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	p.taskCh = make(chan models.TaskExecution, workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop closes the intake and waits for in-flight tasks to finish.
func (p *ExecutorPool) Stop() {
	close(p.taskCh)
	p.wg.Wait()
}

// Submit hands a claimed (RUNNING) task to a worker. It blocks only while
// every worker is busy, which the dispatcher's capacity accounting prevents.
func (p *ExecutorPool) Submit(task models.TaskExecution) {
	atomic.AddInt64(&p.inflight, 1)
	p.taskCh <- task
}

// Inflight reports how many claimed tasks have not yet settled.
func (p *ExecutorPool) Inflight() int {
	return int(atomic.LoadInt64(&p.inflight))
}

func (p *ExecutorPool) worker() {
	defer p.wg.Done()
	for task := range p.taskCh {
		p.execute(task)
		atomic.AddInt64(&p.inflight, -1)
		p.settled(task.RunID)
		p.wake()
	}
}

func (p *ExecutorPool) execute(task models.TaskExecution) {
	run, err := p.store.GetRun(task.RunID)
	if err != nil {
		p.logger.Errorf("task %s: loading run %s: %v", task.ID, task.RunID, err)
		return
	}
	// Claim-boundary cancellation check: release the claim instead of
	// starting work the run no longer wants.
	if run.CancelRequested {
		if err := p.store.RequeueTask(task.ID); err != nil {
			p.logger.Errorf("task %s: releasing claim on cancelled run: %v", task.ID, err)
		}
		return
	}

	exec, info, ok := p.registry.Lookup(task.NodeType)
	if !ok {
		p.failPermanently(task, errors.Errorf("unknown node type %q", task.NodeType))
		return
	}

	inputs, err := p.resolveInputs(task)
	if err != nil {
		p.failPermanently(task, err)
		return
	}

	p.appendLog(task, "INFO", "attempt started")
	p.events.Publish(task.RunID, Event{
		Type: EventTaskStarted, TaskID: task.ID, NodeID: task.NodeID, Attempt: task.Attempts,
	})

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(p.ctx, timeout)
	result, execErr := exec.Execute(attemptCtx, NodeCall{
		RunID:    task.RunID,
		TaskID:   task.ID,
		NodeID:   task.NodeID,
		NodeType: task.NodeType,
		Config:   task.Config,
		Inputs:   inputs,
	})
	cancel()

	// Post-call cancellation check. The external call is never killed
	// mid-flight without a cancellation hook; its result is still persisted
	// for audit, but dependents stay blocked and the run finalizes CANCELLED.
	run, runErr := p.store.GetRun(task.RunID)
	cancelled := runErr == nil && run.CancelRequested

	if execErr == nil {
		if err := p.persistSuccess(task, result); err != nil {
			p.logger.Errorf("task %s: %v", task.ID, err)
			return
		}
		if !cancelled {
			p.events.Publish(task.RunID, Event{
				Type: EventTaskCompleted, TaskID: task.ID, NodeID: task.NodeID, Attempt: task.Attempts,
			})
		}
		return
	}

	class := Classify(execErr)
	if info.NonRetryable {
		class = PermanentFailure
	}
	if cancelled {
		// No retries for a cancelled run; record the failure and stop.
		class = PermanentFailure
	}

	if class == TransientFailure {
		decision := p.retry.Decide(task.Attempts, class)
		if decision.Retry {
			p.appendLog(task, "WARN", "transient failure, retrying: "+execErr.Error())
			if err := p.persistOutcome(task.ID, "marking RETRYING", func() error {
				return p.store.MarkRetrying(task.ID, execErr.Error())
			}); err != nil {
				p.logger.Errorf("task %s: %v", task.ID, err)
				return
			}
			p.logger.Infof("task %s attempt %d failed transiently, retrying in %s", task.ID, task.Attempts, decision.Delay)
			taskID := task.ID
			time.AfterFunc(decision.Delay, func() {
				if p.ctx.Err() != nil {
					return
				}
				if err := p.store.RequeueTask(taskID); err != nil {
					p.logger.Errorf("task %s: requeueing after backoff: %v", taskID, err)
				}
				p.wake()
			})
			return
		}
		p.appendLog(task, "ERROR", "retries exhausted: "+execErr.Error())
	}

	p.failPermanently(task, execErr)
}

// persistOutcome writes a task outcome, retrying with capped exponential
// backoff while the store is unavailable: a computed result is buffered in
// the worker, never dropped. After the attempt budget (or on shutdown) the
// claim is released so the dispatcher can re-dispatch the task once the
// store recovers, instead of leaving it RUNNING with no owner.
func (p *ExecutorPool) persistOutcome(taskID, what string, op func() error) error {
	delay := p.persistBase
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= p.persistAttempts || p.ctx.Err() != nil {
			break
		}
		p.logger.Warnf("task %s: %s failed (attempt %d), retrying in %s: %v", taskID, what, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
		}
		delay *= 2
		if delay > p.persistCap {
			delay = p.persistCap
		}
	}
	if reqErr := p.store.RequeueTask(taskID); reqErr != nil {
		p.logger.Errorf("task %s: releasing claim after giving up on %s: %v", taskID, what, reqErr)
	}
	return errors.Wrapf(err, "%s for task %s", what, taskID)
}

// resolveInputs maps each input binding to the source task's output value.
func (p *ExecutorPool) resolveInputs(task models.TaskExecution) (map[string]string, error) {
	if len(task.Inputs) == 0 {
		return nil, nil
	}
	tasks, err := p.store.ListTasks(task.RunID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]models.TaskExecution, len(tasks))
	for _, t := range tasks {
		byNode[t.NodeID] = t
	}
	inputs := make(map[string]string, len(task.Inputs))
	for _, b := range task.Inputs {
		dep, ok := byNode[b.SourceNodeID]
		if !ok {
			return nil, errors.Errorf("task %s depends on unknown node %q", task.ID, b.SourceNodeID)
		}
		inputs[b.TargetHandle] = dep.Output[b.SourceHandle]
	}
	return inputs, nil
}

func (p *ExecutorPool) persistSuccess(task models.TaskExecution, result NodeResult) error {
	err := p.persistOutcome(task.ID, "persisting result", func() error {
		return p.store.CompleteTask(task.ID, result.Outputs, result.Cost, result.TokensUsed)
	})
	if err != nil {
		return err
	}
	p.appendLog(task, "INFO", "succeeded")
	return nil
}

// failPermanently marks the task FAILED and cascade-skips every transitive
// dependent that has not started, so none of them is ever observed RUNNING.
func (p *ExecutorPool) failPermanently(task models.TaskExecution, execErr error) {
	if err := p.persistOutcome(task.ID, "marking FAILED", func() error {
		return p.store.FailTask(task.ID, execErr.Error())
	}); err != nil {
		p.logger.Errorf("task %s: %v", task.ID, err)
		return
	}
	p.appendLog(task, "ERROR", "failed permanently: "+execErr.Error())

	tasks, err := p.store.ListTasks(task.RunID)
	if err != nil {
		p.logger.Errorf("task %s: listing run tasks for cascade skip: %v", task.ID, err)
	} else if skipped := dependentsOf(tasks, task.NodeID); len(skipped) > 0 {
		if err := p.store.SkipTasks(task.RunID, skipped); err != nil {
			p.logger.Errorf("task %s: cascade skip: %v", task.ID, err)
		}
	}

	p.events.Publish(task.RunID, Event{
		Type: EventTaskFailed, TaskID: task.ID, NodeID: task.NodeID, Attempt: task.Attempts, Message: execErr.Error(),
	})
}

// dependentsOf returns the IDs of every not-yet-started transitive dependent
// of nodeID within tasks.
func dependentsOf(tasks []models.TaskExecution, nodeID string) []string {
	dependents := make(map[string][]models.TaskExecution)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t)
		}
	}
	seen := map[string]struct{}{nodeID: {}}
	queue := []string{nodeID}
	var out []string
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, t := range dependents[curr] {
			if _, ok := seen[t.NodeID]; ok {
				continue
			}
			seen[t.NodeID] = struct{}{}
			queue = append(queue, t.NodeID)
			switch t.Status {
			case models.PendingTaskStatus, models.ReadyTaskStatus, models.RetryingTaskStatus:
				out = append(out, t.ID)
			}
		}
	}
	return out
}

func (p *ExecutorPool) appendLog(task models.TaskExecution, level, msg string) {
	err := p.store.AppendLog(models.ExecutionLogEntry{
		RunID:    task.RunID,
		TaskID:   task.ID,
		Level:    level,
		Message:  msg,
		Attempt:  task.Attempts,
		LoggedAt: time.Now(),
	})
	if err != nil {
		p.logger.Errorf("task %s: appending log: %v", task.ID, err)
	}
}
