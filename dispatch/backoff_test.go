package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBackoffPolicy_ExponentialGrowth(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestBackoffPolicy_CapsAtMaxDelay(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
	assert.Equal(t, 5*time.Second, p.Delay(10))
	assert.Equal(t, 5*time.Second, p.Delay(100))
}

func TestBackoffPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var p BackoffPolicy
	d := p.Delay(1)
	assert.Greater(t, d, time.Duration(0))
}

// Jittered delays must always stay within [initial, max*1.25] and never
// go negative or below the initial delay.
func TestBackoffPolicy_DelayBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := BackoffPolicy{
			InitialDelay: time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "initial")),
			MaxDelay:     time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(rt, "max")),
			Multiplier:   rapid.Float64Range(1.0, 4.0).Draw(rt, "multiplier"),
			Jitter:       rapid.Bool().Draw(rt, "jitter"),
		}
		attempt := rapid.IntRange(1, 50).Draw(rt, "attempt")

		d := p.Delay(attempt)
		assert.GreaterOrEqual(rt, d, p.InitialDelay)
		ceiling := time.Duration(float64(p.MaxDelay) * 1.25)
		assert.LessOrEqual(rt, d, ceiling)
	})
}
