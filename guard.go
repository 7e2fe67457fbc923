package hotlib

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultGuardInterval is the sleep between checks while a Guard waits for calls to drain.
const DefaultGuardInterval = 500 * time.Millisecond

// Guard counts calls in flight into symbols obtained by Manager.Symbol, so a
// reload can wait until none is running. It is the alternative to Lease for
// callers that do not want to hold the Manager lock during calls; using both
// for the same call only adds overhead.
//
// The count only covers calls made between Enter and Exit. A symbol resolved
// before a reload and called after it is still dangling.
type Guard struct {
	n atomic.Int64
}

// Enter marks a call as started.
func (g *Guard) Enter() { g.n.Add(1) }

// Exit marks a call as finished.
func (g *Guard) Exit() {
	if g.n.Add(-1) < 0 {
		panic("hotlib: Guard.Exit without Enter")
	}
}

// InUse is the number of calls in flight.
func (g *Guard) InUse() int64 { return g.n.Load() }

// Track runs f as one call in flight.
func (g *Guard) Track(f func()) {
	g.Enter()
	defer g.Exit()
	f()
}

// Wait sleeps interval at a time until no call is in flight or ctx is done.
func (g *Guard) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultGuardInterval
	}
	for g.n.Load() > 0 {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Guarded binds name as a T from the current version and passes it to use while counted by g.
// No lock is held during use.
func Guarded[T any](m *Manager, g *Guard, name string, use func(fn T) error) error {
	g.Enter()
	defer g.Exit()
	lib, err := m.current()
	if err != nil {
		return err
	}
	var f T
	if _, err = FuncPtr(&f); err != nil {
		return err
	}
	name = symbolName(name)
	if err = lib.Bind(name, &f); err != nil {
		return &SymbolNotFoundError{Name: name, Err: err}
	}
	return use(f)
}
