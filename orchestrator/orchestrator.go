// Package orchestrator turns one solve request into exactly one result.  It
// leases a browser from the pool, runs the strategy for the challenge kind,
// and retries transient failures on fresh leases until the request deadline
// or the attempt cap is reached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/config"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/metrics"
	"github.com/firasghr/GoCaptchaEngine/pool"
	"github.com/firasghr/GoCaptchaEngine/strategy"
)

// Outcome is the terminal classification of a request.
type Outcome string

const (
	Success        Outcome = "SUCCESS"
	Timeout        Outcome = "TIMEOUT"
	StrategyFailed Outcome = "STRATEGY_FAILED"
	PoolExhausted  Outcome = "POOL_EXHAUSTED"
	BrowserCrashed Outcome = "BROWSER_CRASHED"
	Cancelled      Outcome = "CANCELLED"
)

// CodePoolClosed is the error code of requests refused because the pool is
// shutting down.
const CodePoolClosed strategy.Code = "POOL_CLOSED"

// State is the lifecycle position of an in-flight request.
type State string

const (
	Queued    State = "QUEUED"
	Acquiring State = "ACQUIRING"
	Solving   State = "SOLVING"
	Retrying  State = "RETRYING"
	Succeeded State = "SUCCEEDED"
	Failed    State = "FAILED"
)

// SolveRequest is one caller's request.  A zero Deadline means now plus the
// configured default.
type SolveRequest struct {
	ID         string
	Descriptor challenge.Descriptor
	Deadline   time.Time
}

// SolveResult is produced exactly once per SolveRequest.
type SolveResult struct {
	RequestID string
	Outcome   Outcome
	Token     string
	// ErrorCode is the code of the last failure, empty on success.
	ErrorCode strategy.Code
	Elapsed   time.Duration
	Attempts  int
}

// Pool is the part of *pool.Pool the orchestrator uses.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Lease, error)
	Release(l *pool.Lease, healthy bool)
}

// Strategies resolves a kind to its solver.  *strategy.Table implements it.
type Strategies interface {
	Lookup(k challenge.Kind) (strategy.Strategy, bool)
}

// Options wires an Orchestrator.  Metrics, Collector and Tracer may be nil.
type Options struct {
	Solve     config.SolveConfig
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
	Tracer    trace.Tracer
	// Jitter overrides the backoff jitter source, see Backoff.Jitter.
	Jitter func(n int64) int64
}

// Orchestrator runs solve requests against a pool.  It is safe for
// concurrent use; each request runs on its caller's goroutine plus one
// attempt goroutine at a time.
type Orchestrator struct {
	pool       Pool
	strategies Strategies
	cfg        config.SolveConfig
	log        *logger.Logger
	metrics    *metrics.Metrics
	coll       *metrics.Collector
	tracer     trace.Tracer
	jitter     func(n int64) int64

	mu       sync.Mutex
	inflight map[State]int
}

// New returns an Orchestrator over p and s.
func New(p Pool, s Strategies, opts Options) *Orchestrator {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/firasghr/GoCaptchaEngine/orchestrator")
	}
	if opts.Solve.MaxAttempts <= 0 {
		opts.Solve.MaxAttempts = 1
	}
	return &Orchestrator{
		pool:       p,
		strategies: s,
		cfg:        opts.Solve,
		log:        opts.Log.Named("orchestrator"),
		metrics:    opts.Metrics,
		coll:       opts.Collector,
		tracer:     opts.Tracer,
		jitter:     opts.Jitter,
		inflight:   make(map[State]int),
	}
}

// Inflight returns the number of requests in each non-terminal state.
func (o *Orchestrator) Inflight() map[State]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[State]int, len(o.inflight))
	for s, n := range o.inflight {
		if n > 0 {
			out[s] = n
		}
	}
	return out
}

// Solve runs req to completion.  It returns when a token is obtained, every
// attempt failed, the deadline passed or ctx was cancelled, whichever comes
// first.  An attempt still running at that point finishes its current
// browser step in the background and releases its lease.
func (o *Orchestrator) Solve(ctx context.Context, req SolveRequest) SolveResult {
	start := time.Now()
	if req.Deadline.IsZero() {
		req.Deadline = start.Add(o.cfg.DefaultDeadline)
	}
	if o.metrics != nil {
		o.metrics.IncrementTotal()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Solve", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("challenge.kind", req.Descriptor.Kind.String()),
	))
	defer span.End()

	// Acquire gets the caller's ctx: its own timeout, not the deadline,
	// must decide POOL_EXHAUSTED.
	r := &run{o: o, req: req, state: Queued, acquireCtx: ctx}
	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	o.move("", Queued)
	res := r.loop(ctx)
	o.move(r.state, "")

	res.RequestID = req.ID
	res.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.String("solve.outcome", string(res.Outcome)),
		attribute.Int("solve.attempts", res.Attempts),
	)
	if res.Outcome != Success {
		span.SetStatus(codes.Error, string(res.Outcome))
		if res.ErrorCode != "" {
			span.SetAttributes(attribute.String("solve.error_code", string(res.ErrorCode)))
		}
	}
	o.record(req, res)
	return res
}

func (o *Orchestrator) record(req SolveRequest, res SolveResult) {
	if o.metrics != nil {
		if res.Outcome == Success {
			o.metrics.IncrementSuccess()
		} else {
			o.metrics.IncrementFailed()
		}
		o.metrics.IncrementOutcome(string(res.Outcome))
	}
	if o.coll != nil {
		o.coll.RecordSolve(req.Descriptor.Kind.String(), string(res.Outcome), res.Elapsed, res.Attempts)
	}
	fields := []interface{}{
		"request", req.ID,
		"kind", req.Descriptor.Kind.String(),
		"outcome", string(res.Outcome),
		"attempts", res.Attempts,
		"elapsed", res.Elapsed,
	}
	if res.ErrorCode != "" {
		fields = append(fields, "error_code", string(res.ErrorCode))
	}
	if res.Outcome == Success {
		o.log.Info("solve finished", fields...)
	} else {
		o.log.Warn("solve finished", fields...)
	}
}

func (o *Orchestrator) move(from, to State) {
	o.mu.Lock()
	if from != "" {
		o.inflight[from]--
	}
	if to != "" {
		o.inflight[to]++
	}
	o.mu.Unlock()
}

// run is the per-request state machine.
type run struct {
	o     *Orchestrator
	req   SolveRequest
	state State

	acquireCtx context.Context
	attempts   int
	lastCode   strategy.Code
	backoff    *Backoff
}

func (r *run) set(s State) {
	r.o.move(r.state, s)
	r.o.log.Debug("request state", "request", r.req.ID, "from", string(r.state), "to", string(s))
	r.state = s
}

func (r *run) result(out Outcome, code strategy.Code) SolveResult {
	if out == Success {
		r.set(Succeeded)
	} else {
		r.set(Failed)
	}
	return SolveResult{Outcome: out, ErrorCode: code, Attempts: r.attempts}
}

// ended maps a finished ctx to TIMEOUT or CANCELLED.
func (r *run) ended(ctx context.Context) SolveResult {
	if errors.Is(ctx.Err(), context.Canceled) {
		return r.result(Cancelled, r.lastCode)
	}
	return r.result(Timeout, r.lastCode)
}

func (r *run) loop(ctx context.Context) SolveResult {
	o := r.o
	r.backoff = &Backoff{Base: o.cfg.BackoffBase, Cap: o.cfg.BackoffCap, Jitter: o.jitter}

	for {
		if ctx.Err() != nil || !time.Now().Before(r.req.Deadline) {
			return r.ended(ctx)
		}

		r.set(Acquiring)
		lease, err := o.pool.Acquire(r.acquireCtx, time.Until(r.req.Deadline))
		switch {
		case err == nil:
		case errors.Is(err, pool.ErrPoolClosed):
			return r.result(BrowserCrashed, CodePoolClosed)
		case errors.Is(err, pool.ErrPoolTimeout):
			return r.result(PoolExhausted, r.lastCode)
		case ctx.Err() != nil:
			return r.ended(ctx)
		case errors.Is(err, pool.ErrLaunchFailed):
			r.attempts++
			r.lastCode = strategy.BrowserCrashed
			o.log.Warn("browser launch failed", "request", r.req.ID, "attempt", r.attempts, "error", err)
		default:
			o.log.Error("acquire failed", "request", r.req.ID, "error", err)
			return r.result(BrowserCrashed, strategy.BrowserCrashed)
		}

		if lease != nil {
			r.attempts++
			strat, ok := o.strategies.Lookup(r.req.Descriptor.Kind)
			if !ok {
				o.pool.Release(lease, true)
				r.lastCode = strategy.UnsupportedKind
				return r.result(StrategyFailed, strategy.UnsupportedKind)
			}

			r.set(Solving)
			token, err := o.attempt(ctx, lease, strat, r.req, r.attempts)
			if err == nil {
				res := r.result(Success, "")
				res.Token = token
				return res
			}
			if ctx.Err() != nil {
				return r.ended(ctx)
			}
			code := strategy.CodeOf(err)
			if code == "" {
				code = strategy.BrowserCrashed
			}
			r.lastCode = code
			if code == strategy.UnsupportedKind {
				return r.result(StrategyFailed, code)
			}
			o.log.Warn("attempt failed", "request", r.req.ID, "attempt", r.attempts, "code", string(code), "error", err)
		}

		if r.attempts >= o.cfg.MaxAttempts {
			return r.exhausted()
		}
		delay := r.backoff.Next()
		if delay >= time.Until(r.req.Deadline) {
			return r.exhausted()
		}

		r.set(Retrying)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return r.ended(ctx)
		}
	}
}

// exhausted is the terminal failure after the last permitted attempt.
func (r *run) exhausted() SolveResult {
	if r.lastCode == strategy.BrowserCrashed {
		return r.result(BrowserCrashed, r.lastCode)
	}
	return r.result(StrategyFailed, r.lastCode)
}

type attemptResult struct {
	token string
	err   error
}

// attempt runs strat on a detached goroutine that owns the lease.  The
// goroutine always releases the lease, even after attempt has returned
// because ctx ended.
func (o *Orchestrator) attempt(ctx context.Context, lease *pool.Lease, strat strategy.Strategy, req SolveRequest, n int) (string, error) {
	actx, span := o.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
		attribute.Int("attempt", n),
		attribute.Int("handle.id", lease.Handle.ID),
	))

	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		healthy := true
		defer func() {
			if p := recover(); p != nil {
				res.err = &strategy.Error{
					Code: strategy.BrowserCrashed,
					Kind: req.Descriptor.Kind,
					Step: "run",
					Err:  fmt.Errorf("strategy panic: %v", p),
				}
				healthy = false
				o.log.Error("strategy panicked", "request", req.ID, "handle", lease.Handle.ID, "panic", p)
			}
			o.pool.Release(lease, healthy)
			if res.err != nil {
				span.RecordError(res.err)
				span.SetStatus(codes.Error, string(strategy.CodeOf(res.err)))
			}
			span.End()
			done <- res
		}()

		res.token, res.err = strat.Run(actx, lease.Handle, req.Descriptor)
		healthy = handleHealthy(res.err)
	}()

	select {
	case res := <-done:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handleHealthy decides what Release is told after a strategy returns.
func handleHealthy(err error) bool {
	if err == nil {
		return true
	}
	var se *strategy.Error
	if errors.As(err, &se) {
		return se.HandleHealthy()
	}
	// The request deadline or cancellation was observed between steps; the
	// page itself is fine.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
