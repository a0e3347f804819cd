package orchestrator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/firasghr/GoCaptchaEngine/orchestrator"
)

func TestBackoff_DoublesWithoutJitter(t *testing.T) {
	b := orchestrator.NewBackoff(100*time.Millisecond, time.Second)
	b.Jitter = func(int64) int64 { return 0 }

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "delay %d", i+1)
	}
	assert.Equal(t, len(want), b.Attempt())
}

func TestBackoff_JitterBelowHalf(t *testing.T) {
	b := orchestrator.NewBackoff(100*time.Millisecond, time.Hour)
	var asked int64
	b.Jitter = func(n int64) int64 {
		asked = n
		return n - 1
	}
	d := b.Next()
	assert.Equal(t, int64(50*time.Millisecond), asked)
	assert.Equal(t, 150*time.Millisecond-1, d)
}

func TestBackoff_ZeroBase(t *testing.T) {
	b := orchestrator.NewBackoff(0, time.Second)
	for i := 0; i < 5; i++ {
		assert.Zero(t, b.Next())
	}
}

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "base"))
		ceiling := time.Duration(rapid.Int64Range(int64(base), int64(time.Minute)).Draw(rt, "cap"))
		n := rapid.IntRange(1, 80).Draw(rt, "n")

		b := orchestrator.NewBackoff(base, ceiling)
		seed := rapid.Uint64().Draw(rt, "seed")
		b.Jitter = func(limit int64) int64 {
			seed = seed*6364136223846793005 + 1442695040888963407
			return int64(seed>>1) % limit
		}

		prev := time.Duration(0)
		for i := 1; i <= n; i++ {
			d := b.Next()
			if d < prev {
				rt.Fatalf("delay %d decreased: %s < %s", i, d, prev)
			}
			if d > ceiling {
				rt.Fatalf("delay %d above cap: %s > %s", i, d, ceiling)
			}
			if i == 1 && (d < base || d >= base+base/2+1) {
				rt.Fatalf("first delay %s outside [base, 1.5·base)", d)
			}
			prev = d
		}
	})
}
