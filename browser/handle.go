package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a Handle.
type State int

const (
	// Starting: the browser is being launched; not yet leasable.
	Starting State = iota
	// Ready: idle and leasable.
	Ready
	// Busy: leased to exactly one solve attempt.
	Busy
	// Unhealthy: crashed, hung or retired; waiting to be destroyed.
	Unhealthy
	// Closed: the browser has been terminated.
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Unhealthy:
		return "unhealthy"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legal lists the allowed state changes.  Busy→Busy is absent, which is what
// keeps a handle on at most one lease.
var legal = map[State][]State{
	Starting:  {Ready, Unhealthy, Closed},
	Ready:     {Busy, Unhealthy, Closed},
	Busy:      {Ready, Unhealthy, Closed},
	Unhealthy: {Closed},
}

// Handle is one pooled browser.
//
// Architecture notes:
//   - The pool owns every Handle and performs all state transitions while
//     holding its own lock; the Handle's mutex only makes the fields safe to
//     read from other goroutines (stats, logging).
//   - Strategies drive the page exclusively through the step helpers below so
//     every browser call is bounded by min(step timeout, request deadline).
//   - ID and createdAt are immutable after construction.
type Handle struct {
	// ID is unique within one pool for the life of the process.
	ID int

	page        Page
	stepTimeout time.Duration
	createdAt   time.Time

	mu         sync.Mutex
	state      State
	lastUsedAt time.Time
	uses       int
	crashed    bool
	destroyed  bool
}

// NewHandle wraps page.  The handle starts in the Starting state.
func NewHandle(id int, page Page, stepTimeout time.Duration) *Handle {
	now := time.Now()
	return &Handle{
		ID:          id,
		page:        page,
		stepTimeout: stepTimeout,
		createdAt:   now,
		lastUsedAt:  now,
		state:       Starting,
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Transition moves the handle from `from` to `to`.  It fails with
// ErrInvalidTransition when the handle is not in `from` or the change is not
// legal.
func (h *Handle) Transition(from, to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return fmt.Errorf("%w: handle %d is %s, not %s", ErrInvalidTransition, h.ID, h.state, from)
	}
	for _, s := range legal[from] {
		if s == to {
			h.state = to
			if to == Ready {
				h.lastUsedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: handle %d %s→%s", ErrInvalidTransition, h.ID, from, to)
}

// MarkUnhealthy moves any live state to Unhealthy.  It reports whether the
// state changed.
func (h *Handle) MarkUnhealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Unhealthy || h.state == Closed {
		return false
	}
	h.state = Unhealthy
	return true
}

// IncUses records one more lease and returns the new total.
func (h *Handle) IncUses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uses++
	return h.uses
}

// Uses returns how many leases the handle has served.
func (h *Handle) Uses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uses
}

// LastUsedAt is the time the handle last became Ready.
func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

// CreatedAt is the time the handle was constructed.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Crashed reports whether any step observed ErrCrashed.
func (h *Handle) Crashed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.crashed
}

// Destroy terminates the browser and moves the handle to Closed.  Safe to
// call more than once; only the first call closes the page.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.state = Closed
	h.mu.Unlock()

	if err := h.page.Close(); err != nil {
		return fmt.Errorf("browser: destroy handle %d: %w", h.ID, err)
	}
	return nil
}

// step runs fn under a time box of min(stepTimeout, time until ctx's
// deadline).  Cancellation of ctx is observed before the step starts, not
// during it: once started a step runs to completion or to its own time box.
func (h *Handle) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	gone := h.destroyed
	h.mu.Unlock()
	if gone {
		return ErrClosed
	}

	budget := h.stepTimeout
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return fmt.Errorf("%w: %s: no time left", ErrStepTimeout, name)
		}
		if budget <= 0 || left < budget {
			budget = left
		}
	}

	var (
		sctx   context.Context
		cancel context.CancelFunc
		base   = context.WithoutCancel(ctx)
	)
	if budget > 0 {
		sctx, cancel = context.WithTimeout(base, budget)
	} else {
		sctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	err := fn(sctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCrashed):
		h.mu.Lock()
		h.crashed = true
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", name, err)
	case errors.Is(err, context.DeadlineExceeded) || sctx.Err() != nil:
		return fmt.Errorf("%w: %s after %s: %v", ErrStepTimeout, name, budget, err)
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

// Navigate loads url.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	return h.step(ctx, "navigate", func(c context.Context) error { return h.page.Navigate(c, url) })
}

// WaitForSelector waits until selector is present.
func (h *Handle) WaitForSelector(ctx context.Context, selector string) error {
	return h.step(ctx, "wait "+selector, func(c context.Context) error { return h.page.WaitForSelector(c, selector) })
}

// Evaluate runs expr and decodes its result into out.
func (h *Handle) Evaluate(ctx context.Context, expr string, out any) error {
	return h.step(ctx, "evaluate", func(c context.Context) error { return h.page.Evaluate(c, expr, out) })
}

// Attribute reads one attribute of the first element matching selector.
func (h *Handle) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := h.step(ctx, "attribute "+name, func(c context.Context) error {
		var err error
		val, ok, err = h.page.Attribute(c, selector, name)
		return err
	})
	return val, ok, err
}

// Click clicks the first element matching selector.
func (h *Handle) Click(ctx context.Context, selector string) error {
	return h.step(ctx, "click "+selector, func(c context.Context) error { return h.page.Click(c, selector) })
}

// RenderIsolated serves html at pageURL; see Page.RenderIsolated.
func (h *Handle) RenderIsolated(ctx context.Context, pageURL, html string, allowHosts []string) error {
	return h.step(ctx, "render", func(c context.Context) error {
		return h.page.RenderIsolated(c, pageURL, html, allowHosts)
	})
}

// Ping probes liveness within one step.
func (h *Handle) Ping(ctx context.Context) error {
	return h.step(ctx, "ping", h.page.Ping)
}

// WaitFor polls the boolean expression expr every interval until it is true.
// The whole poll counts as one step.
func (h *Handle) WaitFor(ctx context.Context, expr string, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return h.step(ctx, "poll", func(c context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			var ok bool
			if err := h.page.Evaluate(c, expr, &ok); err != nil {
				return err
			}
			if ok {
				return nil
			}
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
			}
		}
	})
}
