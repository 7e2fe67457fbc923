package hotlib

import (
	"fmt"
	"reflect"
	"strings"
)

type (
	// Library is one loaded image of a library.
	//
	// Implementations need not be safe for concurrent Close: the Manager never
	// closes an image that a Lease still refers to.
	Library interface {
		Lookup(name string) (uintptr, error) //address of an exported symbol
		Bind(name string, fptr any) error    //bind the exported function to the Go func variable fptr points to
		Close() error                        //unload the image
	}
	// Opener loads library images from a file.
	Opener interface {
		Open(path string) (Library, error)
	}
	// OpenerFunc adapts a function to Opener.
	OpenerFunc func(path string) (Library, error)
)

func (f OpenerFunc) Open(path string) (Library, error) { return f(path) }

// NativeOpener opens platform shared libraries (.so, .dylib, .dll).
var NativeOpener Opener = OpenerFunc(openNative)

// FuncPtr checks that fptr is a non nil pointer to a func variable and returns the variable.
func FuncPtr(fptr any) (v reflect.Value, err error) {
	p := reflect.ValueOf(fptr)
	if p.Kind() != reflect.Pointer || p.IsNil() {
		return v, fmt.Errorf("bind target must be a non nil pointer to a func, got %T", fptr)
	}
	v = p.Elem()
	if v.Kind() != reflect.Func {
		return v, fmt.Errorf("bind target must point to a func, got %T", fptr)
	}
	return v, nil
}

// symbolName strips the terminating NUL some callers pass, no other mangling happens.
func symbolName(name string) string {
	return strings.TrimSuffix(name, "\x00")
}
