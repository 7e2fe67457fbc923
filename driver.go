package hotlib

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithGuard makes the Driver wait until g has no call in flight before each reload,
// sleeping interval between checks.
func WithGuard(g *Guard, interval time.Duration) DriverOption {
	return func(d *Driver) {
		d.guard = g
		d.interval = interval
	}
}

// WithNotifier shares n instead of a Notifier owned by the Driver.
func WithNotifier(n *Notifier) DriverOption { return func(d *Driver) { d.notifier = n } }

// Driver runs the update loop of a Manager: each detected change is announced
// as AboutToReload, applied through Update once all block tokens are released
// and announced again as Reloaded.
type Driver struct {
	m        *Manager
	notifier *Notifier
	guard    *Guard
	interval time.Duration
	changes  <-chan struct{}
	logger   *zap.Logger
}

// NewDriver subscribes to the file changes of m.
func NewDriver(m *Manager, opts ...DriverOption) *Driver {
	d := &Driver{m: m, logger: m.logger.Named("driver")}
	for _, o := range opts {
		o(d)
	}
	if d.notifier == nil {
		d.notifier = NewNotifier(d.logger)
	}
	d.changes = m.SubscribeFileChanges()
	return d
}

// Subscribe registers an Observer of the reloads run by this Driver.
func (d *Driver) Subscribe() *Observer { return d.notifier.Subscribe() }

// Notifier is the Notifier announcing the reloads.
func (d *Driver) Notifier() *Notifier { return d.notifier }

// Manager is the driven Manager.
func (d *Driver) Manager() *Manager { return d.m }

// Run handles changes until ctx is done or the Manager is closed. Reload
// failures are logged and the loop goes on with the previous version.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-d.changes:
			if !ok {
				return ErrClosed
			}
			if _, err := d.Cycle(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Cycle runs one reload cycle if a change is pending and reports whether it reloaded.
func (d *Driver) Cycle(ctx context.Context) (bool, error) {
	if !d.m.Pending() {
		return false, nil
	}
	if d.guard != nil && d.guard.InUse() > 0 {
		d.logger.Info("delaying reload, symbols are in use", zap.Int64("calls", d.guard.InUse()))
		if err := d.guard.Wait(ctx, d.interval); err != nil {
			return false, err
		}
	}
	d.notifier.AboutToReload()
	reloaded, err := d.m.Update()
	if err != nil {
		d.logger.Error("update library", zap.Error(err))
	}
	d.notifier.Reloaded(err)
	return reloaded, err
}
