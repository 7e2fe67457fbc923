package hotlib

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/ZenLiuCN/fn"
	"github.com/cespare/xxhash/v2"
)

// HashFile computes the content fingerprint of a file. Unreadable files hash to 0.
func HashFile(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer fn.IgnoreClose(f)
	d := xxhash.New()
	if _, err = io.Copy(d, f); err != nil {
		return 0
	}
	return d.Sum64()
}

// Fingerprint holds the content hash of the currently loaded library.
type Fingerprint struct {
	v atomic.Uint64
}

func (f *Fingerprint) Load() uint64   { return f.v.Load() }
func (f *Fingerprint) Store(h uint64) { f.v.Store(h) }

// Differs hashes path and reports whether it differs from the stored fingerprint.
func (f *Fingerprint) Differs(path string) (uint64, bool) {
	h := HashFile(path)
	return h, h != f.v.Load()
}
