// Package scheduler runs named periodic jobs (pool liveness probes, the
// metrics summary line) on their own tickers until stopped.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/firasghr/GoCaptchaEngine/logger"
)

// Job is one periodic task.  The context is cancelled when the Scheduler
// stops, so long-running jobs should observe it.
type Job func(ctx context.Context)

// Scheduler fans periodic jobs out to one goroutine each.
//
// Architecture:
//   - Every registers a job; Start spawns one ticker goroutine per job.
//   - A job never overlaps with itself: the next tick is only consumed after
//     the current run returns, and ticks missed meanwhile are dropped by
//     time.Ticker.
//   - Stop cancels the shared context and waits for all goroutines, so no
//     job is still touching the pool once Stop returns.
type Scheduler struct {
	log  *logger.Logger
	jobs []entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type entry struct {
	name     string
	interval time.Duration
	fn       Job
}

// NewScheduler creates an idle Scheduler.
func NewScheduler(log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:    log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run every interval once Start is called.  A
// non-positive interval disables the job.
func (sc *Scheduler) Every(name string, interval time.Duration, fn Job) {
	if interval <= 0 {
		sc.log.Debug("job disabled", "job", name)
		return
	}
	sc.jobs = append(sc.jobs, entry{name: name, interval: interval, fn: fn})
}

// Start launches every registered job.  Start is non-blocking.
func (sc *Scheduler) Start() {
	for _, e := range sc.jobs {
		sc.wg.Add(1)
		go sc.loop(e)
	}
}

func (sc *Scheduler) loop(e entry) {
	defer sc.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.run(e)
		}
	}
}

// run isolates a panicking job so one faulty probe cannot take the process
// down.
func (sc *Scheduler) run(e entry) {
	defer func() {
		if r := recover(); r != nil {
			sc.log.Error("job panicked", "job", e.name, "panic", r)
		}
	}()
	e.fn(sc.ctx)
}

// Stop cancels all jobs and waits for them to return.  Stop is idempotent.
func (sc *Scheduler) Stop() {
	sc.once.Do(func() {
		sc.cancel()
		sc.wg.Wait()
	})
}
