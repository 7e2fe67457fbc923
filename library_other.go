//go:build !darwin && !freebsd && !linux && !windows

package hotlib

func openNative(path string) (Library, error) {
	return nil, ErrUnsupported
}

func registerFunc(fptr any, addr uintptr) error {
	return ErrUnsupported
}
