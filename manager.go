package hotlib

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDebounce is the settle time of file events when none is configured.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultRewatchInterval is the pause between attempts to watch the library again after it vanished.
	DefaultRewatchInterval = 500 * time.Millisecond
)

// Option configures a Manager.
type Option func(*Manager)

// WithDebounce sets how long file events must settle before the change is checked, 0 checks every event.
func WithDebounce(d time.Duration) Option { return func(m *Manager) { m.debounce = d } }

// WithRewatchInterval sets the pause between attempts to watch the library again.
func WithRewatchInterval(d time.Duration) Option { return func(m *Manager) { m.rewatch = d } }

// WithLogger sets the logger, the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithOpener replaces the native loader, for example with a goobj.Opener.
func WithOpener(o Opener) Option { return func(m *Manager) { m.opener = o } }

// WithFormat replaces the platform naming of the watched file and its artifacts.
func WithFormat(f Format) Option { return func(m *Manager) { m.format = f } }

// WithSigner replaces the signer applied to each artifact before it is opened.
func WithSigner(s Signer) Option { return func(m *Manager) { m.signer = s } }

// Manager watches one library file and reloads it on demand.
//
// The watched file is never opened by the loader: each version is copied to a
// uniquely named artifact first, so the build may overwrite the watched file while
// a version is mapped. Reloads happen only inside Update, whichever goroutine calls it.
type Manager struct {
	name     string
	dir      string
	watched  string
	format   Format
	opener   Opener
	signer   Signer
	logger   *zap.Logger
	debounce time.Duration
	rewatch  time.Duration

	mu       sync.RWMutex //guards lib and artifact, held shared by every Lease
	lib      Library
	artifact string

	reloadMu sync.Mutex //serializes reloads and Close
	gen      atomic.Uint64
	changed  atomic.Bool
	hash     Fingerprint

	subsMu sync.Mutex
	subs   []chan struct{}

	cancel  context.CancelFunc
	watcher *watcher
	closed  atomic.Bool
}

// New creates a Manager for library name inside dir. name is the logical name,
// the platform prefix and extension are added by the Format.
//
// A relative dir missing from the working directory is searched in its ancestors.
// When the library file does not exist yet New still succeeds, symbols are
// unavailable until the first build is picked up by Update.
func New(dir, name string, opts ...Option) (m *Manager, err error) {
	m = &Manager{
		name:     name,
		format:   Native,
		opener:   NativeOpener,
		debounce: DefaultDebounce,
		rewatch:  DefaultRewatchInterval,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("hotlib").With(zap.String("lib", name))
	if m.signer == nil {
		m.signer = DefaultSigner(m.logger)
	}
	if m.dir, err = FindInParents(dir); err != nil {
		return nil, &SetupError{Op: "locate", Path: dir, Err: err}
	}
	m.logger.Debug("found library directory", zap.String("dir", m.dir))
	m.watched = filepath.Join(m.dir, m.format.WatchedName(name))
	if _, err = os.Stat(m.watched); err == nil {
		var op string
		if m.lib, m.artifact, op, err = m.stage(0); err != nil {
			return nil, &SetupError{Op: op, Path: m.watched, Err: err}
		}
	} else {
		m.logger.Debug("library does not yet exist", zap.String("file", m.watched))
	}
	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	if m.watcher, err = startWatcher(ctx, m.watched, m.debounce, m.rewatch, m.signalChange, m.logger); err != nil {
		m.cancel()
		m.unload()
		return nil, &SetupError{Op: "watch", Path: m.dir, Err: err}
	}
	return m, nil
}

// Update reloads the library when the watcher saw a real content change since
// the last reload and reports whether it did. Without a pending change it
// returns false at once and touches no file.
//
// A failed reload returns a *ReloadError and keeps the previous version current.
// If the watched file was deleted the current version is unloaded.
func (m *Manager) Update() (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if !m.changed.CompareAndSwap(true, false) {
		return false, nil
	}
	if err := m.reload(); err != nil {
		return false, err
	}
	return true, nil
}

// Pending reports whether a change waits for Update.
func (m *Manager) Pending() bool { return m.changed.Load() }

func (m *Manager) reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	m.logger.Info("reloading library", zap.String("file", m.watched))
	if _, err := os.Stat(m.watched); err != nil {
		m.logger.Warn("trying to reload library but it does not exist", zap.String("file", m.watched))
		m.hash.Store(0)
		m.unload()
		return nil
	}
	gen := m.gen.Load() + 1
	lib, artifact, op, err := m.stage(gen)
	if err != nil {
		m.logger.Error("reload failed, keeping the previous version",
			zap.String("op", op), zap.Uint64("generation", gen), zap.Error(err))
		return &ReloadError{Op: op, Path: m.watched, Err: err}
	}
	m.mu.Lock()
	old, oldArtifact := m.lib, m.artifact
	m.lib, m.artifact = lib, artifact
	m.gen.Store(gen)
	var closeErr error
	if old != nil {
		closeErr = old.Close()
	}
	m.mu.Unlock()
	if closeErr != nil {
		m.logger.Warn("close previous library", zap.String("file", oldArtifact), zap.Error(closeErr))
	}
	if oldArtifact != "" {
		m.removeArtifact(oldArtifact)
	}
	m.logger.Info("library reloaded", zap.Uint64("generation", gen), zap.String("file", artifact))
	return nil
}

// stage copies the watched file to the artifact of generation gen, records its
// fingerprint and opens it. It does not touch the current version.
func (m *Manager) stage(gen uint64) (lib Library, artifact, op string, err error) {
	artifact = filepath.Join(m.dir, m.format.ArtifactName(m.name, gen))
	m.logger.Debug("copy library", zap.String("from", m.watched), zap.String("to", artifact))
	if err = CopyFile(m.watched, artifact, nil); err != nil {
		m.removeArtifact(artifact)
		return nil, "", "copy", err
	}
	m.hash.Store(HashFile(artifact))
	if err = m.signer.Sign(artifact); err != nil {
		m.logger.Warn("sign library", zap.String("file", artifact), zap.Error(err))
	}
	if lib, err = m.opener.Open(artifact); err != nil {
		m.removeArtifact(artifact)
		return nil, "", "open", err
	}
	return lib, artifact, "", nil
}

// unload closes the current version and deletes its artifact.
func (m *Manager) unload() (err error) {
	m.mu.Lock()
	lib, artifact := m.lib, m.artifact
	m.lib, m.artifact = nil, ""
	if lib != nil {
		err = lib.Close()
	}
	m.mu.Unlock()
	if artifact != "" {
		m.removeArtifact(artifact)
	}
	return
}

func (m *Manager) removeArtifact(path string) {
	m.logger.Debug("remove artifact", zap.String("file", path))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("remove artifact", zap.String("file", path), zap.Error(err))
	}
}

// signalChange is the change-signal step of the watcher.
func (m *Manager) signalChange() bool {
	if m.changed.Load() {
		return false
	}
	if _, differs := m.hash.Differs(m.watched); !differs {
		m.logger.Debug("library content unchanged", zap.String("file", m.watched))
		return false
	}
	m.logger.Debug("library changed", zap.String("file", m.watched))
	m.changed.Store(true)
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.logger.Debug("sending file change", zap.Int("subscribers", len(m.subs)))
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
			//a signal is already queued
		}
	}
	return true
}

// SubscribeFileChanges returns a channel that receives a value when a content change is detected.
// Signals coalesce while the receiver is behind. The channel is closed by Close.
func (m *Manager) SubscribeFileChanges() <-chan struct{} {
	m.logger.Debug("subscribe to file change")
	ch := make(chan struct{}, 1)
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed.Load() {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Symbol returns the address of an exported symbol of the current version.
// The name is used as is, a trailing NUL is ignored.
//
// The address is only valid until the next reload. Callers that keep it beyond
// one immediate use must track their calls with a Guard, or use Resolve instead.
func (m *Manager) Symbol(name string) (uintptr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lib == nil {
		return 0, ErrLibraryNotLoaded
	}
	return lookup(m.lib, name)
}

func lookup(lib Library, name string) (uintptr, error) {
	name = symbolName(name)
	p, err := lib.Lookup(name)
	if err != nil {
		return 0, &SymbolNotFoundError{Name: name, Err: err}
	}
	if p == 0 {
		return 0, &SymbolNotFoundError{Name: name}
	}
	return p, nil
}

// current returns the current version without holding the lock.
func (m *Manager) current() (Library, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lib == nil {
		return nil, ErrLibraryNotLoaded
	}
	return m.lib, nil
}

// Version is the load generation of the current artifact: 0 for the initial load, +1 per successful reload.
func (m *Manager) Version() uint64 { return m.gen.Load() }

// Loaded reports whether a version is loaded.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lib != nil
}

// Name is the logical library name.
func (m *Manager) Name() string { return m.name }

// Dir is the resolved library directory.
func (m *Manager) Dir() string { return m.dir }

// WatchedPath is the file produced by the build.
func (m *Manager) WatchedPath() string { return m.watched }

// ArtifactPath is the copy the current version was loaded from, empty when nothing is loaded.
func (m *Manager) ArtifactPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.artifact
}

// Close stops watching, unloads the current version and deletes its artifact.
// It waits for outstanding leases. File change channels are closed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.watcher.stop()
	m.subsMu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subsMu.Unlock()
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.unload()
}
