//go:build windows

package hotlib

import (
	"golang.org/x/sys/windows"
)

// native is a DLL opened through LoadLibrary.
type native struct {
	dll *windows.DLL
}

func openNative(path string) (Library, error) {
	d, err := windows.LoadDLL(path)
	if err != nil {
		return nil, err
	}
	return &native{dll: d}, nil
}

func (n *native) Lookup(name string) (uintptr, error) {
	p, err := n.dll.FindProc(name)
	if err != nil {
		return 0, err
	}
	return p.Addr(), nil
}

func (n *native) Bind(name string, fptr any) error {
	addr, err := n.Lookup(name)
	if err != nil {
		return err
	}
	return registerFunc(fptr, addr)
}

func (n *native) Close() error {
	if n.dll == nil {
		return nil
	}
	err := n.dll.Release()
	n.dll = nil
	return err
}
