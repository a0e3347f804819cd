// Package pool owns a bounded set of browser handles and leases them out one
// solve attempt at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/config"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/metrics"
	"github.com/firasghr/GoCaptchaEngine/worker"
)

var (
	// ErrPoolTimeout is returned by Acquire when no handle became available
	// within the timeout.
	ErrPoolTimeout = errors.New("pool: timed out waiting for a browser")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrLaunchFailed wraps the driver error of a failed lazy launch.
	ErrLaunchFailed = errors.New("pool: browser launch failed")
)

// Destroy reasons reported to metrics and logs.
const (
	reasonUnhealthy = "unhealthy"
	reasonRecycled  = "recycled"
	reasonProbe     = "probe_failed"
	reasonShutdown  = "shutdown"
)

// Lease is exclusive use of one handle by one solve attempt.
type Lease struct {
	ID         string
	Handle     *browser.Handle
	AcquiredAt time.Time

	probe bool
}

// Stats is a point-in-time view of the pool.  Destroying counts retired
// browsers whose teardown has not finished; they still hold a capacity slot.
type Stats struct {
	Capacity   int    `json:"capacity"`
	Live       int    `json:"live"`
	Ready      int    `json:"ready"`
	Busy       int    `json:"busy"`
	Starting   int    `json:"starting"`
	Destroying int    `json:"destroying"`
	Waiting    int    `json:"waiting"`
	Leases     int    `json:"leases"`
	Launched   uint64 `json:"launched"`
	Destroyed  uint64 `json:"destroyed"`
	Closed     bool   `json:"closed"`
}

// Pool is a fixed-capacity browser pool.
//
// Concurrency model:
//   - One sync.Mutex guards the handle set, the FIFO ready queue, the lease
//     table and the waiter list.  Every handle state transition happens while
//     it is held.
//   - Launching and destroying browsers take seconds, so both happen outside
//     the lock.  A launch reserves its slot by bumping `starting` and a
//     retired browser keeps its slot in `destroying` until teardown returns,
//     which keeps live+starting+destroying within capacity.
//   - Waiters park on a private channel.  Any event that may free capacity
//     (release, finished teardown, failed launch, shutdown) closes every
//     parked channel and the waiters re-check.
//   - Destruction runs on a small worker pool so a burst of crashes does not
//     stall Release.
type Pool struct {
	cfg      config.PoolConfig
	launcher browser.Launcher
	log      *logger.Logger
	coll     *metrics.Collector
	destroy  *worker.WorkerPool

	mu         sync.Mutex
	handles    map[int]*browser.Handle
	ready      []*browser.Handle
	starting   int
	destroying int
	leases     map[string]*Lease
	waiters    []chan struct{}
	nextID     int
	launched   uint64
	destroyed  uint64
	closed     bool
	drained    chan struct{}
}

// New creates an empty pool.  Handles are launched lazily by Acquire or
// eagerly by Warmup.  coll may be nil.
func New(cfg config.PoolConfig, launcher browser.Launcher, log *logger.Logger, coll *metrics.Collector) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	wp := worker.NewWorkerPool(cfg.DestroyWorkers)
	wp.Start()
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		log:      log.Named("pool"),
		coll:     coll,
		destroy:  wp,
		handles:  make(map[int]*browser.Handle),
		leases:   make(map[string]*Lease),
		nextID:   1,
		drained:  make(chan struct{}),
	}
}

// Capacity returns the configured maximum number of live handles.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Acquire leases a Ready handle, launching one when the pool is below
// capacity, and otherwise waits up to timeout for one to be released.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if len(p.ready) > 0 {
			h := p.ready[0]
			p.ready[0] = nil
			p.ready = p.ready[1:]
			lease, err := p.leaseLocked(h)
			if err != nil {
				// Only reachable if the state machine was violated; drop the
				// handle rather than hand it out twice.
				h.MarkUnhealthy()
				delete(p.handles, h.ID)
				p.mu.Unlock()
				p.log.Error("ready handle not leasable", "handle", h.ID, "error", err)
				p.retire(h, reasonUnhealthy)
				continue
			}
			p.mu.Unlock()
			p.acquired(lease, start)
			return lease, nil
		}
		if p.occupiedLocked() < p.cfg.Capacity {
			id := p.reserveLocked()
			p.mu.Unlock()

			lctx, cancel := context.WithDeadline(ctx, deadline)
			lease, err := p.launchLeased(lctx, id)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, ErrPoolTimeout
				}
				return nil, err
			}
			p.acquired(lease, start)
			return lease, nil
		}
		ch := make(chan struct{})
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			p.dropWaiter(ch)
			return nil, ErrPoolTimeout
		case <-ctx.Done():
			p.dropWaiter(ch)
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) acquired(l *Lease, start time.Time) {
	if p.coll != nil {
		p.coll.ObserveAcquireWait(time.Since(start))
	}
	p.log.Debug("lease acquired", "lease", l.ID, "handle", l.Handle.ID, "uses", l.Handle.Uses())
	p.publish()
}

// leaseLocked moves h from Ready to Busy and records a lease.
func (p *Pool) leaseLocked(h *browser.Handle) (*Lease, error) {
	if err := h.Transition(browser.Ready, browser.Busy); err != nil {
		return nil, err
	}
	h.IncUses()
	l := &Lease{ID: uuid.NewString(), Handle: h, AcquiredAt: time.Now()}
	p.leases[l.ID] = l
	return l, nil
}

// occupiedLocked is the number of capacity slots in use: live handles,
// launches in flight and browsers still being torn down.
func (p *Pool) occupiedLocked() int {
	return len(p.handles) + p.starting + p.destroying
}

func (p *Pool) reserveLocked() int {
	id := p.nextID
	p.nextID++
	p.starting++
	return id
}

// launch starts the browser for a reserved slot and registers it Ready.  The
// slot is given back on failure.
func (p *Pool) launch(ctx context.Context, id int) (*browser.Handle, error) {
	page, err := p.launcher.Launch(ctx, id)
	if p.coll != nil {
		p.coll.BrowserLaunched(err == nil)
	}
	if err != nil {
		p.mu.Lock()
		p.starting--
		p.wakeLocked()
		p.mu.Unlock()
		p.log.Warn("browser launch failed", "handle", id, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	h := browser.NewHandle(id, page, p.cfg.StepTimeout)
	p.mu.Lock()
	p.starting--
	p.launched++
	if p.closed {
		p.wakeLocked()
		p.mu.Unlock()
		p.retire(h, reasonShutdown)
		return nil, ErrPoolClosed
	}
	p.handles[id] = h
	if err := h.Transition(browser.Starting, browser.Ready); err != nil {
		delete(p.handles, id)
		p.wakeLocked()
		p.mu.Unlock()
		p.retire(h, reasonUnhealthy)
		return nil, err
	}
	p.mu.Unlock()
	p.log.Info("browser launched", "handle", id)
	return h, nil
}

// launchLeased launches into a reserved slot and leases the new handle to
// the caller directly, so a concurrent waiter cannot take it.
func (p *Pool) launchLeased(ctx context.Context, id int) (*Lease, error) {
	h, err := p.launch(ctx, id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.dropClosedLocked(h)
		return nil, ErrPoolClosed
	}
	lease, err := p.leaseLocked(h)
	p.mu.Unlock()
	if err != nil {
		p.retire(h, reasonUnhealthy)
		return nil, err
	}
	return lease, nil
}

// Release returns a lease.  A healthy handle goes to the tail of the ready
// queue; an unhealthy one is removed and destroyed in the background.
// Releasing an unknown or already released lease is a logged no-op.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.leases[l.ID]; !ok {
		p.mu.Unlock()
		p.log.Warn("release of unknown lease ignored", "lease", l.ID)
		return
	}
	delete(p.leases, l.ID)
	h := l.Handle
	if _, live := p.handles[h.ID]; !live {
		// Force-destroyed by Shutdown while leased.
		if len(p.leases) == 0 {
			p.closeDrainedLocked()
		}
		p.mu.Unlock()
		return
	}

	reason := ""
	switch {
	case p.closed:
		reason = reasonShutdown
	case !healthy || h.Crashed():
		reason = reasonUnhealthy
		if l.probe {
			reason = reasonProbe
		}
	case p.cfg.MaxUsesPerHandle > 0 && h.Uses() >= p.cfg.MaxUsesPerHandle:
		reason = reasonRecycled
	}

	if reason == "" {
		if err := h.Transition(browser.Busy, browser.Ready); err != nil {
			reason = reasonUnhealthy
		} else {
			p.ready = append(p.ready, h)
		}
	}
	if reason != "" {
		h.MarkUnhealthy()
		delete(p.handles, h.ID)
	}
	p.wakeLocked()
	if p.closed && len(p.leases) == 0 {
		p.closeDrainedLocked()
	}
	p.mu.Unlock()

	if reason != "" {
		p.log.Info("handle retired", "handle", h.ID, "reason", reason, "uses", h.Uses())
		p.retire(h, reason)
	} else {
		p.log.Debug("lease released", "lease", l.ID, "handle", h.ID)
	}
	p.publish()
}

// retire destroys h on the worker pool.  h must already be out of the
// handle set; its capacity slot is held until the teardown returns.
func (p *Pool) retire(h *browser.Handle, reason string) {
	p.mu.Lock()
	p.destroyed++
	p.destroying++
	p.mu.Unlock()
	if p.coll != nil {
		p.coll.HandleDestroyed(reason)
	}
	p.destroy.Submit(func() {
		if err := h.Destroy(); err != nil {
			p.log.Warn("browser teardown failed", "handle", h.ID, "error", err)
		}
		p.mu.Lock()
		p.destroying--
		p.wakeLocked()
		p.mu.Unlock()
	})
}

// dropClosedLocked discards a freshly launched handle that lost the race
// with Shutdown, unless Shutdown already force-destroyed it.  It unlocks p.mu.
func (p *Pool) dropClosedLocked(h *browser.Handle) {
	_, live := p.handles[h.ID]
	delete(p.handles, h.ID)
	p.mu.Unlock()
	if live {
		h.MarkUnhealthy()
		p.retire(h, reasonShutdown)
	}
}

func (p *Pool) wakeLocked() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

func (p *Pool) dropWaiter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) closeDrainedLocked() {
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

// Warmup launches up to n handles concurrently, never exceeding capacity.
// It returns the first launch error; handles that did start stay in the
// pool.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || p.occupiedLocked() >= p.cfg.Capacity {
			p.mu.Unlock()
			break
		}
		id := p.reserveLocked()
		p.mu.Unlock()

		g.Go(func() error {
			h, err := p.launch(gctx, id)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed {
				p.dropClosedLocked(h)
				return ErrPoolClosed
			}
			p.ready = append(p.ready, h)
			p.wakeLocked()
			p.mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	p.publish()
	if err != nil {
		return fmt.Errorf("pool: warmup: %w", err)
	}
	return nil
}

// ProbeIdle pings every Ready handle idle for at least ProbeIdleAfter and
// destroys those that fail.  It returns the number destroyed.
func (p *Pool) ProbeIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-p.cfg.ProbeIdleAfter)

	p.mu.Lock()
	var (
		keep   []*browser.Handle
		probes []*Lease
	)
	for _, h := range p.ready {
		if h.LastUsedAt().After(cutoff) {
			keep = append(keep, h)
			continue
		}
		if err := h.Transition(browser.Ready, browser.Busy); err != nil {
			keep = append(keep, h)
			continue
		}
		l := &Lease{ID: "probe-" + uuid.NewString(), Handle: h, AcquiredAt: time.Now(), probe: true}
		p.leases[l.ID] = l
		probes = append(probes, l)
	}
	p.ready = keep
	p.mu.Unlock()

	failed := 0
	for _, l := range probes {
		err := l.Handle.Ping(ctx)
		if err != nil {
			failed++
			p.log.Warn("idle probe failed", "handle", l.Handle.ID, "error", err)
		}
		p.Release(l, err == nil)
	}
	return failed
}

// Shutdown stops new leases, destroys idle handles, waits for outstanding
// leases up to ShutdownGrace (or ctx) and then force-destroys the rest.
// Later calls are no-ops.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.ready
	p.ready = nil
	for _, h := range idle {
		h.MarkUnhealthy()
		delete(p.handles, h.ID)
	}
	p.wakeLocked()
	if len(p.leases) == 0 {
		p.closeDrainedLocked()
	}
	outstanding := len(p.leases)
	p.mu.Unlock()

	p.log.Info("pool shutting down", "idle", len(idle), "leased", outstanding)
	for _, h := range idle {
		p.retire(h, reasonShutdown)
	}

	var grace <-chan time.Time
	if p.cfg.ShutdownGrace > 0 {
		t := time.NewTimer(p.cfg.ShutdownGrace)
		defer t.Stop()
		grace = t.C
	}
	var err error
	select {
	case <-p.drained:
	case <-grace:
		err = fmt.Errorf("pool: shutdown grace of %s elapsed", p.cfg.ShutdownGrace)
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	var forced []*browser.Handle
	for _, h := range p.handles {
		h.MarkUnhealthy()
		forced = append(forced, h)
	}
	p.handles = make(map[int]*browser.Handle)
	p.mu.Unlock()
	for _, h := range forced {
		p.log.Warn("force-destroying leased handle", "handle", h.ID)
		p.retire(h, reasonShutdown)
	}

	p.destroy.Stop()
	p.publish()
	return err
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Capacity:   p.cfg.Capacity,
		Live:       len(p.handles),
		Ready:      len(p.ready),
		Starting:   p.starting,
		Destroying: p.destroying,
		Waiting:    len(p.waiters),
		Leases:     len(p.leases),
		Launched:   p.launched,
		Destroyed:  p.destroyed,
		Closed:     p.closed,
	}
	for _, h := range p.handles {
		if h.State() == browser.Busy {
			s.Busy++
		}
	}
	return s
}

// publish mirrors the handle counts into the gauges.
func (p *Pool) publish() {
	if p.coll == nil {
		return
	}
	s := p.Stats()
	p.coll.SetHandles(browser.Ready.String(), s.Ready)
	p.coll.SetHandles(browser.Busy.String(), s.Busy)
	p.coll.SetHandles(browser.Starting.String(), s.Starting)
}
