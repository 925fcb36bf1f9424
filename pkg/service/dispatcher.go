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
	// DefaultDispatchInterval is the poll fallback; the loop is normally
	// event-woken by submissions and settled tasks.
	DefaultDispatchInterval = 500 * time.Millisecond

	// admissionLimit bounds how many runs one cycle considers. Lower-priority
	// runs beyond the limit are picked up next cycle once capacity frees.
	admissionLimit = 64
)

// Dispatcher is the scheduling loop. Each cycle it computes free executor
// capacity, lists eligible runs in (priority DESC, queued_at ASC) order,
// promotes and claims their READY tasks up to capacity, and hands the claims
// to the executor pool. Priority is advisory: a high-priority run with no
// READY tasks leaves its capacity to whoever can use it, so nobody starves.
type Dispatcher struct {
	store    storage.Store
	pool     *ExecutorPool
	events   EventPublisher
	logger   Logger
	settle   func(runID string)
	interval time.Duration
	maxTasks int

	wakeCh   chan struct{}
	degraded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.interval = d }
}

func NewDispatcher(ctx context.Context, store storage.Store, pool *ExecutorPool, events EventPublisher, logger Logger, maxConcurrentTasks int, opts ...DispatcherOption) *Dispatcher {
	dctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		store:    store,
		pool:     pool,
		events:   events,
		logger:   logger,
		settle:   func(string) {},
		interval: DefaultDispatchInterval,
		maxTasks: maxConcurrentTasks,
		wakeCh:   make(chan struct{}, 1),
		ctx:      dctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BindSettle wires the run supervisor's terminal evaluation. Must be called
// before Start.
func (d *Dispatcher) BindSettle(settle func(runID string)) {
	if settle != nil {
		d.settle = settle
	}
}

// Start recovers interrupted state from the store and launches the loop.
func (d *Dispatcher) Start() {
	d.recover()
	d.wg.Add(1)
	go d.loop()
}

func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Wake requests an immediate dispatch cycle. Coalesces; never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Healthy is false while the store is unreachable; the health endpoint
// reports degraded and admissions are suspended until the store recovers.
func (d *Dispatcher) Healthy() bool {
	return !d.degraded.Load()
}

// recover rebuilds ephemeral scheduling state after a restart: RETRYING
// tasks lost their in-process backoff timer, so they are requeued
// immediately, and RUNNING tasks lost their worker, so they are requeued
// for a fresh claim.
func (d *Dispatcher) recover() {
	runs, err := d.store.ListEligibleRuns(0)
	if err != nil {
		d.logger.Errorf("dispatcher recovery: listing runs: %v", err)
		return
	}
	for _, run := range runs {
		tasks, err := d.store.ListTasks(run.ID)
		if err != nil {
			d.logger.Errorf("dispatcher recovery: listing tasks of run %s: %v", run.ID, err)
			continue
		}
		for _, t := range tasks {
			if t.Status == models.RetryingTaskStatus || t.Status == models.RunningTaskStatus {
				if err := d.store.RequeueTask(t.ID); err != nil {
					d.logger.Errorf("dispatcher recovery: requeueing task %s: %v", t.ID, err)
				}
			}
		}
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.wakeCh:
		}
		d.dispatch()
	}
}

// dispatch runs one scheduling cycle. A cycle with no READY tasks yields
// without error (work-conserving admission).
func (d *Dispatcher) dispatch() {
	capacity := d.maxTasks - d.pool.Inflight()
	if capacity <= 0 {
		return
	}

	runs, err := d.store.ListEligibleRuns(admissionLimit)
	if err != nil {
		if d.degraded.CompareAndSwap(false, true) {
			d.logger.Errorf("dispatcher: store unavailable, suspending admissions: %v", err)
		}
		return
	}
	if d.degraded.CompareAndSwap(true, false) {
		d.logger.Infof("dispatcher: store recovered, resuming admissions")
	}

	for _, run := range runs {
		if capacity <= 0 {
			return
		}
		if run.CancelRequested {
			// No new claims; the supervisor finalizes once in-flight drains.
			d.settle(run.ID)
			continue
		}
		capacity = d.admitRun(run, capacity)
	}
}

// admitRun claims the run's READY tasks up to the remaining capacity and
// returns what is left.
func (d *Dispatcher) admitRun(run models.Run, capacity int) int {
	if _, err := d.store.MarkReadyTasks(run.ID); err != nil {
		d.logger.Errorf("dispatcher: promoting tasks of run %s: %v", run.ID, err)
		return capacity
	}
	tasks, err := d.store.ListTasks(run.ID)
	if err != nil {
		d.logger.Errorf("dispatcher: listing tasks of run %s: %v", run.ID, err)
		return capacity
	}

	started := run.Status == models.RunningRunStatus
	for _, t := range tasks {
		if capacity <= 0 {
			break
		}
		if t.Status != models.ReadyTaskStatus {
			continue
		}
		claimed, err := d.store.ClaimTask(t.ID)
		if err != nil {
			if errors.Is(err, storage.ErrClaimConflict) {
				continue
			}
			d.logger.Errorf("dispatcher: claiming task %s: %v", t.ID, err)
			continue
		}
		if !started {
			applied, err := d.store.UpdateRunStatus(run.ID, models.RunningRunStatus, "")
			if err != nil {
				d.logger.Errorf("dispatcher: marking run %s RUNNING: %v", run.ID, err)
			} else if applied {
				d.events.Publish(run.ID, Event{Type: EventRunStarted})
			}
			started = true
		}
		d.pool.Submit(claimed)
		capacity--
	}
	return capacity
}
