/*
Package goobj loads Go relocatable object files (.o, or .a archives) as hot libraries through [goloader].

The object is linked against the host at runtime, so it can only use packages
that are linked into the host executable. Functions are looked up by their
package qualified name, an unqualified name is resolved inside the package of the [Opener].

[goloader]: https://github.com/pkujhd/goloader
*/
package goobj

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"unsafe"

	"github.com/ZenLiuCN/hotlib"
	"github.com/pkujhd/goloader"
)

// Format of Go object files, {name}.o watched and {name}-hot-{gen}.o loaded.
var Format = hotlib.Format{Ext: "o"}

var (
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrUnloaded occurs when using an object after Close.
	ErrUnloaded = errors.New("object unloaded")
)

// Opener links object files of package Pkg.
type Opener struct {
	Pkg   string //package path of the object, main when empty
	Types []any  //types shared between host and object, registered before linking
}

func (o Opener) pkg() string {
	if o.Pkg == "" {
		return "main"
	}
	return o.Pkg
}

// Open reads and links the object file.
func (o Opener) Open(path string) (lib hotlib.Library, err error) {
	symbols := make(map[string]uintptr)
	if len(o.Types) > 0 {
		goloader.RegTypes(symbols, o.Types...)
	}
	if err = goloader.RegSymbol(symbols); err != nil {
		return
	}
	x := &object{pkg: o.pkg()}
	if x.linker, err = goloader.ReadObj(path, x.pkg); err != nil {
		return
	}
	if x.module, err = goloader.Load(x.linker, symbols); err != nil {
		if missing := goloader.UnresolvedSymbols(x.linker, symbols); len(missing) > 0 {
			err = fmt.Errorf("%w, unresolved symbols: %s", err, strings.Join(missing, ", "))
		}
		return nil, err
	}
	return x, nil
}

// New creates a hotlib.Manager watching the object file {name}.o of package pkg in dir.
func New(dir, name, pkg string, opts ...hotlib.Option) (*hotlib.Manager, error) {
	return hotlib.New(dir, name, append([]hotlib.Option{
		hotlib.WithFormat(Format),
		hotlib.WithOpener(Opener{Pkg: pkg}),
		hotlib.WithSigner(noSign{}),
	}, opts...)...)
}

// Inspect display symbols inside an object file
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}

type noSign struct{}

func (noSign) Sign(string) error { return nil }

type object struct {
	pkg    string
	linker *goloader.Linker
	module *goloader.CodeModule
}

func (s *object) qualify(sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return s.pkg + "." + sym
	}
	return sym
}

func (s *object) Lookup(sym string) (uintptr, error) {
	if s.module == nil {
		return 0, ErrUnloaded
	}
	p, ok := s.module.Syms[s.qualify(sym)]
	if !ok {
		return 0, ErrMissingSymbol
	}
	return p, nil
}

// Bind makes the func variable a Go func value whose code pointer is the symbol.
func (s *object) Bind(sym string, fptr any) error {
	v, err := hotlib.FuncPtr(fptr)
	if err != nil {
		return err
	}
	p, err := s.Lookup(sym)
	if err != nil {
		return err
	}
	fv := &p
	v.Set(reflect.NewAt(v.Type(), unsafe.Pointer(&fv)).Elem())
	return nil
}

func (s *object) Close() error {
	if s.module == nil {
		return nil
	}
	_ = os.Stdout.Sync()
	s.module.Unload()
	s.module = nil
	s.linker = nil
	return nil
}
