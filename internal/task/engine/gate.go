package engine

import (
	"context"
	"sync/atomic"
)

// gate is a counting semaphore with instrumentation. At most cap(slots)
// holders exist at any instant.
type gate struct {
	slots   chan struct{}
	inUse   atomic.Int32
	peak    atomic.Int32
	waiting atomic.Int32
}

func newGate(n int) *gate {
	return &gate{slots: make(chan struct{}, n)}
}

func (g *gate) acquire(ctx context.Context) error {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	n := g.inUse.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return nil
		}
	}
}

func (g *gate) release() {
	g.inUse.Add(-1)
	<-g.slots
}

func (g *gate) capacity() int { return cap(g.slots) }
