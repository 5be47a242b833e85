package attribute

import (
	"math"
	"time"
)

type Timer interface {
	Stop() bool
}

// Scheduler runs functions after a delay, it is replaced in tests to fire timers by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func RealScheduler() Scheduler {
	return realScheduler{}
}

// Backoff is an exponential retry delay, attempt n waits Base * Factor^(n-1) up to Cap.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

var DefaultBackoff = Backoff{Base: 1 * time.Second, Factor: 2, Cap: 60 * time.Second}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Cap > 0 && (d > float64(b.Cap) || math.IsInf(d, 0)) {
		return b.Cap
	}

	return time.Duration(d)
}
