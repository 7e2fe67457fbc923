//go:build darwin || freebsd || linux

package hotlib

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// native is a shared library opened through the system dynamic loader.
type native struct {
	handle uintptr
	path   string
}

func openNative(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	if h == 0 {
		return nil, fmt.Errorf("dlopen returned nil handle for %s", path)
	}
	return &native{handle: h, path: path}, nil
}

func (n *native) Lookup(name string) (uintptr, error) {
	return purego.Dlsym(n.handle, name)
}

func (n *native) Bind(name string, fptr any) error {
	addr, err := n.Lookup(name)
	if err != nil {
		return err
	}
	return registerFunc(fptr, addr)
}

func (n *native) Close() error {
	if n.handle == 0 {
		return nil
	}
	err := purego.Dlclose(n.handle)
	n.handle = 0
	return err
}
