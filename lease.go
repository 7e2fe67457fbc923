package hotlib

import "sync"

// Lease pins the current version of the library: no reload can swap or unload
// it before Release. Symbols and functions obtained from a Lease must not be
// used after Release.
//
// A Lease holds the read side of the Manager lock. Do not call Update, Close or
// Resolve again from the goroutine holding it, a waiting reload would deadlock.
type Lease struct {
	m       *Manager
	lib     Library
	version uint64
	once    sync.Once
}

// Resolve leases the current version, ErrLibraryNotLoaded when there is none.
func (m *Manager) Resolve() (*Lease, error) {
	m.mu.RLock()
	if m.lib == nil {
		m.mu.RUnlock()
		return nil, ErrLibraryNotLoaded
	}
	return &Lease{m: m, lib: m.lib, version: m.gen.Load()}, nil
}

// Release unpins the version. It is safe to call more than once and on nil.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.m.mu.RUnlock)
}

// Version is the generation of the leased version.
func (l *Lease) Version() uint64 { return l.version }

// Symbol returns the address of an exported symbol of the leased version.
func (l *Lease) Symbol(name string) (uintptr, error) {
	return lookup(l.lib, name)
}

// Bind points the func variable behind fptr to the exported function name.
func (l *Lease) Bind(name string, fptr any) error {
	if _, err := FuncPtr(fptr); err != nil {
		return err
	}
	name = symbolName(name)
	if err := l.lib.Bind(name, fptr); err != nil {
		return &SymbolNotFoundError{Name: name, Err: err}
	}
	return nil
}

// Func binds the exported function name as a T, which must be a func type.
func Func[T any](l *Lease, name string) (fn T, err error) {
	err = l.Bind(name, &fn)
	return
}

// Call leases the current version, binds name as a T and passes it to use.
// The version stays pinned until use returns.
func Call[T any](m *Manager, name string, use func(fn T) error) error {
	l, err := m.Resolve()
	if err != nil {
		return err
	}
	defer l.Release()
	f, err := Func[T](l, name)
	if err != nil {
		return err
	}
	return use(f)
}
