package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/browser/browsertest"
)

func TestHandle_LegalTransitions(t *testing.T) {
	h := browser.NewHandle(1, &browsertest.Page{}, time.Second)
	assert.Equal(t, browser.Starting, h.State())

	require.NoError(t, h.Transition(browser.Starting, browser.Ready))
	require.NoError(t, h.Transition(browser.Ready, browser.Busy))
	require.NoError(t, h.Transition(browser.Busy, browser.Ready))
	require.NoError(t, h.Transition(browser.Ready, browser.Busy))
	require.NoError(t, h.Transition(browser.Busy, browser.Unhealthy))
	assert.Equal(t, browser.Unhealthy, h.State())
}

func TestHandle_BusyIsExclusive(t *testing.T) {
	h := browser.NewHandle(1, &browsertest.Page{}, time.Second)
	require.NoError(t, h.Transition(browser.Starting, browser.Ready))
	require.NoError(t, h.Transition(browser.Ready, browser.Busy))

	err := h.Transition(browser.Busy, browser.Busy)
	assert.ErrorIs(t, err, browser.ErrInvalidTransition)

	err = h.Transition(browser.Ready, browser.Busy)
	assert.ErrorIs(t, err, browser.ErrInvalidTransition, "stale from-state must be rejected")
}

func TestHandle_UnhealthyIsTerminal(t *testing.T) {
	h := browser.NewHandle(1, &browsertest.Page{}, time.Second)
	require.True(t, h.MarkUnhealthy())
	assert.False(t, h.MarkUnhealthy())
	assert.ErrorIs(t, h.Transition(browser.Unhealthy, browser.Ready), browser.ErrInvalidTransition)
}

func TestHandle_DestroyIsIdempotent(t *testing.T) {
	page := &browsertest.Page{}
	h := browser.NewHandle(7, page, time.Second)
	require.NoError(t, h.Destroy())
	require.NoError(t, h.Destroy())
	assert.True(t, page.Closed())
	assert.Equal(t, browser.Closed, h.State())

	err := h.Navigate(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, browser.ErrClosed)
}

func TestHandle_StepTimeBox(t *testing.T) {
	page := &browsertest.Page{Delay: time.Second}
	h := browser.NewHandle(1, page, 30*time.Millisecond)

	start := time.Now()
	err := h.Navigate(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, browser.ErrStepTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHandle_StepBoundedByDeadline(t *testing.T) {
	page := &browsertest.Page{Delay: time.Second}
	h := browser.NewHandle(1, page, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.Evaluate(ctx, "1", nil)
	assert.ErrorIs(t, err, browser.ErrStepTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHandle_CancelObservedAtStepBoundary(t *testing.T) {
	page := &browsertest.Page{Delay: 60 * time.Millisecond}
	h := browser.NewHandle(1, page, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// The running step completes despite the cancellation...
	require.NoError(t, h.Navigate(ctx, "https://example.com"))
	// ...and the next one is refused.
	assert.ErrorIs(t, h.Click(ctx, "#go"), context.Canceled)
	assert.Len(t, page.Calls(), 1)
}

func TestHandle_CrashIsRemembered(t *testing.T) {
	page := &browsertest.Page{
		NavigateFunc: func(context.Context, string) error { return browser.ErrCrashed },
	}
	h := browser.NewHandle(1, page, time.Second)
	err := h.Navigate(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, browser.ErrCrashed)
	assert.True(t, h.Crashed())
}

func TestHandle_WaitForPolls(t *testing.T) {
	n := 0
	page := &browsertest.Page{
		EvaluateFunc: func(context.Context, string) (any, error) {
			n++
			return n >= 3, nil
		},
	}
	h := browser.NewHandle(1, page, time.Second)
	require.NoError(t, h.WaitFor(context.Background(), "ready()", 5*time.Millisecond))
	assert.Equal(t, 3, n)
}

func TestHandle_WaitForTimesOut(t *testing.T) {
	page := &browsertest.Page{
		EvaluateFunc: func(context.Context, string) (any, error) { return false, nil },
	}
	h := browser.NewHandle(1, page, 50*time.Millisecond)
	err := h.WaitFor(context.Background(), "ready()", 5*time.Millisecond)
	assert.True(t, errors.Is(err, browser.ErrStepTimeout), "got %v", err)
}

func TestHandle_UsesAndTimestamps(t *testing.T) {
	h := browser.NewHandle(1, &browsertest.Page{}, time.Second)
	before := h.LastUsedAt()
	assert.Equal(t, 1, h.IncUses())
	assert.Equal(t, 2, h.IncUses())
	assert.Equal(t, 2, h.Uses())

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.Transition(browser.Starting, browser.Ready))
	assert.True(t, h.LastUsedAt().After(before))
	assert.False(t, h.CreatedAt().After(before))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "busy", browser.Busy.String())
	assert.Equal(t, "state(42)", browser.State(42).String())
}
