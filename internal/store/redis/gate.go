package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrWritesShed is returned while the gate is dropping snapshot writes.
var ErrWritesShed = errors.New("redis: snapshot writes shed")

// writeGate sheds best-effort snapshot writes while the server is failing.
// Latest-price semantics make every write disposable: the next tick
// overwrites it anyway, so after maxFailures consecutive errors the gate
// drops writes outright for one cooldown window instead of queueing timeouts
// on the tick path. The first write after the window doubles as the probe;
// if it fails the window re-arms, if it succeeds the failure count clears.
type writeGate struct {
	mu          sync.Mutex
	failures    int
	maxFailures int
	cooldown    time.Duration
	shedUntil   time.Time

	// onShed fires once each time a shed window is armed.
	onShed func(until time.Time)
}

func newWriteGate(maxFailures int, cooldown time.Duration) *writeGate {
	return &writeGate{maxFailures: maxFailures, cooldown: cooldown}
}

// run executes fn unless a shed window is active.
func (g *writeGate) run(fn func() error) error {
	g.mu.Lock()
	if time.Now().Before(g.shedUntil) {
		g.mu.Unlock()
		return ErrWritesShed
	}
	g.mu.Unlock()

	err := fn()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.failures++
		if g.failures >= g.maxFailures {
			g.shedUntil = time.Now().Add(g.cooldown)
			if g.onShed != nil {
				g.onShed(g.shedUntil)
			}
		}
		return err
	}
	g.failures = 0
	g.shedUntil = time.Time{}
	return nil
}

// shedding reports whether a shed window is currently active.
func (g *writeGate) shedding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.shedUntil)
}
