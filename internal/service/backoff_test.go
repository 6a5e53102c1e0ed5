package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Ceiling(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second}

	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, b.Ceiling(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, b.Ceiling(1000))
	assert.Equal(t, 2*time.Second, b.Ceiling(-1))
}

func TestBackoff_DelayIsFullJitter(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}

	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, b.Ceiling(attempt))
		}
	}

	fixed := Backoff{Base: time.Second, Max: time.Minute, Jitter: func(c time.Duration) time.Duration { return c / 2 }}
	assert.Equal(t, 2*time.Second, fixed.Delay(2))
}
