package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a recurring warning is written.
//
// Suppressed calls are counted and reported as "suppressed" on the next line
// that gets through, so operators still see the volume.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows one line per every, with the given burst.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Warn logs msg at warn level unless the throttle is exhausted.
func (t *Throttle) Warn(l Logger, msg string, fields ...Field) {
	if t == nil {
		l.Warn(msg, fields...)
		return
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	l.Warn(msg, fields...)
}

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *Throttle) Suppressed() uint64 {
	if t == nil {
		return 0
	}
	return t.suppressed.Load()
}
