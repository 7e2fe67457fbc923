package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotlib"
)

// Pool holds the managers of several hot libraries of one host, keyed by library name.
type Pool struct {
	Managers map[string]*hotlib.Manager
	Loaded   []string //load order, closed in reverse
	options  []hotlib.Option
	sync.RWMutex
}

var (
	ErrAlreadyLoad = errors.New("library already loaded")
	ErrNotLoad     = errors.New("library not loaded")
)

// NewPool create new pool, options apply to every library loaded into it.
func NewPool(opts ...hotlib.Option) *Pool {
	return &Pool{
		Managers: make(map[string]*hotlib.Manager),
		options:  opts,
	}
}

// Load starts managing library name inside dir.
func (p *Pool) Load(dir, name string, opts ...hotlib.Option) (err error) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Managers[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyLoad)
	}
	m, err := hotlib.New(dir, name, append(slices.Clone(p.options), opts...)...)
	if err != nil {
		return
	}
	p.Managers[name] = m
	p.Loaded = append(p.Loaded, name)
	return
}

// Unload stops managing library name and closes its manager.
func (p *Pool) Unload(name string) error {
	p.Lock()
	defer p.Unlock()
	m, ok := p.Managers[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotLoad)
	}
	delete(p.Managers, name)
	p.Loaded = slices.DeleteFunc(p.Loaded, func(s string) bool { return s == name })
	return m.Close()
}

// Update applies pending changes of every library in load order and returns the reloaded names.
// Failures of single libraries are joined, the others still update.
func (p *Pool) Update() (updated []string, err error) {
	p.RLock()
	defer p.RUnlock()
	var errs []error
	for _, name := range p.Loaded {
		ok, e := p.Managers[name].Update()
		if e != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, e))
			continue
		}
		if ok {
			updated = append(updated, name)
		}
	}
	return updated, errors.Join(errs...)
}

// Require fetch the manager of library name
func (p *Pool) Require(name string) (*hotlib.Manager, error) {
	p.RLock()
	defer p.RUnlock()
	if m, ok := p.Managers[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotLoad)
}

// Names of the managed libraries, sorted.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	names := fn.MapKeys(p.Managers)
	slices.Sort(names)
	return names
}

// Close closes every manager in reverse load order.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	var errs []error
	for i := len(p.Loaded) - 1; i >= 0; i-- {
		name := p.Loaded[i]
		if err := p.Managers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(p.Managers, name)
	}
	p.Loaded = nil
	return errors.Join(errs...)
}
