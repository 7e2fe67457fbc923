package hotlib

import (
	"errors"
	"fmt"
)

var (
	// ErrLibraryNotLoaded occurs when no library image is loaded yet, normally because the first build has not finished.
	ErrLibraryNotLoaded = errors.New("hot library not loaded, has it not been built yet?")
	// ErrClosed occurs when using a closed Manager or Driver.
	ErrClosed = errors.New("hot library manager closed")
	// ErrUnsupported occurs when the native backend is not available on this platform.
	ErrUnsupported = errors.New("native libraries are not supported on this platform")
)

// SetupError means a Manager could not be constructed: the library directory is
// missing, the initial copy or load failed or the file watch could not be established.
type SetupError struct {
	Op   string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("hot library setup: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ReloadError means a reload attempt failed. The previous library stays current.
type ReloadError struct {
	Op   string
	Path string
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("hot library reload: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// SymbolNotFoundError means the current image has no export with that name.
type SymbolNotFoundError struct {
	Name string
	Err  error
}

func (e *SymbolNotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("symbol not found: %q", e.Name)
	}
	return fmt.Sprintf("symbol not found: %q: %v", e.Name, e.Err)
}

func (e *SymbolNotFoundError) Unwrap() error { return e.Err }
