/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package trimqueue implements the cache's single-slot background trimmer
// (spec §4.F, §9 "Background worker"): at most one trim task is ever queued;
// additional Kick calls while one is pending are safe no-ops, and any number
// of Kick calls during a run add exactly one more run, because the task
// re-checks its condition rather than consuming a fixed unit of work.
//
// Adapted from the teacher's service.PeriodicWorker/service.WorkerUnit: the
// panic-recovery-and-log loop and the Start/Stop lifecycle are kept, but the
// ticker-driven "run every N seconds" model is replaced with an edge-
// triggered gate, since spec §4.F's trimmer runs "serially... re-checks
// conditions on entry" in response to size changes, not on a fixed schedule.
// An optional minInterval still bounds how often bursts of Kicks actually
// run the task, without reintroducing a ticker.
package trimqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/outpostdev/blobcache/log"
)

// Task is the unit of work the queue drains. It is expected to be
// idempotent: calling it twice in a row with nothing having changed between
// calls must be harmless, since Kick coalesces concurrent requests into a
// single re-check.
type Task func(ctx context.Context) error

// Queue runs Task serially on a dedicated goroutine, coalescing any number
// of concurrent Kick calls into at most one additional run.
type Queue struct {
	task   Task
	logger log.FieldLogger

	// minInterval, if > 0, is the minimum spacing between the end of the
	// last task run and a Kick that starts the next: a Kick arriving sooner
	// is deferred with time.AfterFunc rather than dropped, so it still
	// results in exactly one re-check once the interval elapses. The check
	// is made in Kick only: a Kick made while a run is in flight, or before
	// any run has finished, is not deferred, and its run starts as soon as
	// the current one ends.
	minInterval time.Duration

	mu             sync.Mutex
	cond           *sync.Cond
	pending        bool
	timerScheduled bool
	lastRun        time.Time
	closed         atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
	started sync.Once
}

// New creates a Queue bound to task. Call Start to begin draining it.
// minInterval enforces a minimum spacing between task runs triggered by
// Kick; pass 0 to run on every Kick with no debounce.
func New(task Task, logger log.FieldLogger, minInterval time.Duration) *Queue {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		task:        task,
		logger:      logger,
		minInterval: minInterval,
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the drain loop on a new goroutine. It is safe to call at
// most once per Queue.
func (q *Queue) Start() {
	q.started.Do(func() {
		go q.run()
	})
}

// Kick schedules a trim task run. A Kick while a run is already pending is
// absorbed into it; a Kick while a run is in flight queues one more run
// after it. It never blocks and never queues more than one pending run. If
// minInterval hasn't elapsed since the last run, the kick is deferred to
// fire once it has, instead of running immediately or being dropped.
func (q *Queue) Kick() {
	q.mu.Lock()
	if q.minInterval > 0 && !q.lastRun.IsZero() {
		if elapsed := time.Since(q.lastRun); elapsed < q.minInterval {
			if !q.timerScheduled {
				q.timerScheduled = true
				time.AfterFunc(q.minInterval-elapsed, q.deferredKick)
			}
			q.mu.Unlock()
			return
		}
	}
	q.pending = true
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *Queue) deferredKick() {
	q.mu.Lock()
	q.timerScheduled = false
	q.mu.Unlock()
	q.Kick()
}

// Stop cancels the running task's context and waits for the drain loop to
// exit.
func (q *Queue) Stop() {
	if q.closed.CompareAndSwap(false, true) {
		q.cancel()
		q.cond.Signal()
		<-q.doneCh
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			q.logger.Error(fmt.Sprintf("panic in trim queue: %+v", p), log.Bytes("stack", stack))
			panic(p)
		}
	}()

	for {
		q.mu.Lock()
		for !q.pending && !q.closed.Load() {
			q.cond.Wait()
		}
		if q.closed.Load() && !q.pending {
			q.mu.Unlock()
			return
		}
		q.pending = false
		q.mu.Unlock()

		if q.closed.Load() {
			return
		}

		if err := q.task(q.ctx); err != nil {
			q.logger.Error("trim task failed", log.Error(err))
		}

		if q.minInterval > 0 {
			q.mu.Lock()
			q.lastRun = time.Now()
			q.mu.Unlock()
		}

		if q.closed.Load() {
			return
		}
	}
}
