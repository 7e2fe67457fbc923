//go:build darwin || freebsd || linux || windows

package hotlib

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// registerFunc makes the Go func variable behind fptr call the C function at addr.
func registerFunc(fptr any, addr uintptr) (err error) {
	if _, err = FuncPtr(fptr); err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind %T: %v", fptr, r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return
}
