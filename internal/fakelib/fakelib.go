// Package fakelib is an in process stand-in for the dynamic loader used by tests.
//
// An image is a text file of name=value lines. Every exported symbol is a
// function without arguments returning its value. Calling a function bound
// from an image that was closed panics, so use after unload is caught.
package fakelib

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/hotlib"
)

// ErrMalformed is returned when opening an image written by WriteBroken.
var ErrMalformed = errors.New("malformed library image")

const broken = "broken"

// Write stores an image exporting name=value pairs.
func Write(path string, exports map[string]int32) error {
	names := make([]string, 0, len(exports))
	for n := range exports {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%d\n", n, exports[n])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// WriteBroken stores an image that fails to open.
func WriteBroken(path string) error {
	return os.WriteFile(path, []byte(broken+"\n"), 0o644)
}

// Opener opens images and tracks which are live.
type Opener struct {
	mu     sync.Mutex
	opened []string
	live   map[*Library]struct{}
}

func New() *Opener {
	return &Opener{live: make(map[*Library]struct{})}
}

func (o *Opener) Open(path string) (hotlib.Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte(broken)) {
		return nil, ErrMalformed
	}
	l := &Library{o: o, path: path, exports: make(map[string]int32)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		l.exports[name] = int32(v)
	}
	o.mu.Lock()
	o.opened = append(o.opened, path)
	o.live[l] = struct{}{}
	o.mu.Unlock()
	return l, nil
}

// Live is the number of opened and not yet closed images.
func (o *Opener) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Opened lists the paths opened so far.
func (o *Opener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// Library is one opened image.
type Library struct {
	o       *Opener
	path    string
	exports map[string]int32
	closed  atomic.Bool
}

func (l *Library) Lookup(name string) (uintptr, error) {
	if l.closed.Load() {
		return 0, fmt.Errorf("lookup %s in unloaded %s", name, l.path)
	}
	v, ok := l.exports[name]
	if !ok {
		return 0, fmt.Errorf("undefined symbol: %s", name)
	}
	return uintptr(v), nil
}

// Bind supports func types without arguments and with one integer result.
func (l *Library) Bind(name string, fptr any) error {
	fv, err := hotlib.FuncPtr(fptr)
	if err != nil {
		return err
	}
	t := fv.Type()
	if t.NumIn() != 0 || t.NumOut() != 1 {
		return fmt.Errorf("unsupported signature %s", t)
	}
	v, ok := l.exports[name]
	if !ok {
		return fmt.Errorf("undefined symbol: %s", name)
	}
	fv.Set(reflect.MakeFunc(t, func([]reflect.Value) []reflect.Value {
		if l.closed.Load() {
			panic("call into unloaded library " + l.path)
		}
		return []reflect.Value{reflect.ValueOf(v).Convert(t.Out(0))}
	}))
	return nil
}

func (l *Library) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%s closed twice", l.path)
	}
	l.o.mu.Lock()
	delete(l.o.live, l)
	l.o.mu.Unlock()
	return nil
}
