package app

import "sync/atomic"

// ShutdownGuard coordinates graceful drain. Once BeginDrain is called, task
// creation and claims are refused while in-flight completions still land.
type ShutdownGuard struct {
	draining atomic.Bool
}

// NewShutdownGuard returns a guard in the accepting state.
func NewShutdownGuard() *ShutdownGuard {
	return &ShutdownGuard{}
}

// BeginDrain flips the guard to the draining state.
func (g *ShutdownGuard) BeginDrain() {
	g.draining.Store(true)
}

// Draining reports whether shutdown has begun.
func (g *ShutdownGuard) Draining() bool {
	return g.draining.Load()
}

// Check returns ErrShutdown while draining.
func (g *ShutdownGuard) Check() error {
	if g.Draining() {
		return ErrShutdown
	}
	return nil
}
