package serial

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
)

// Backoff decides how long to wait before reconnect attempt n (1-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// Immediate retries without waiting.
type Immediate struct{}

// Next implements Backoff.
func (Immediate) Next(int) time.Duration { return 0 }

// Constant waits the same delay before every attempt.
type Constant struct {
	Delay time.Duration
}

// Next implements Backoff.
func (c Constant) Next(int) time.Duration { return c.Delay }

// Exponential grows the delay from Initial by Multiplier per attempt, capped
// at Max. With Jitter set, up to 25% extra is added to each delay.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// Next implements Backoff.
func (e Exponential) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	if mult > 1000 {
		mult = 1000
	}

	delay := float64(e.Initial) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	d := time.Duration(delay)

	if e.Jitter && d >= 4 {
		randMu.Lock()
		d += time.Duration(randSource.Int63n(int64(d / 4)))
		randMu.Unlock()
	}
	return d
}
