package service

import (
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential delays: a uniform pick in
// [0, min(Max, Base*2^attempt)].
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter maps the ceiling to the actual delay. Nil means uniform random.
	Jitter func(ceiling time.Duration) time.Duration
}

func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := b.Base
	for i := 0; i < attempt && ceiling < b.Max; i++ {
		ceiling *= 2
	}
	if ceiling > b.Max {
		ceiling = b.Max
	}
	return ceiling
}

func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(ceiling)
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
