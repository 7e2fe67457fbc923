package hotlib

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/fn"
)

// CopyFile from src to dest with optional src file info
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	if si == nil {
		if si, err = sf.Stat(); err != nil {
			return
		}
	}
	df, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, si.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(df, sf); err != nil {
		_ = df.Close()
		return
	}
	if err = df.Sync(); err != nil {
		_ = df.Close()
		return
	}
	return df.Close()
}

// FindInParents locates a file or directory. A relative path missing from the
// working directory is searched in every ancestor of the working directory, so a
// host started inside a sub directory of the workspace still finds its build output.
func FindInParents(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return filepath.Abs(path)
	}
	if !filepath.IsAbs(path) {
		if cwd, err := os.Getwd(); err == nil {
			for dir := cwd; ; {
				candidate := filepath.Join(dir, path)
				if _, err := os.Stat(candidate); err == nil {
					return candidate, nil
				}
				parent := filepath.Dir(dir)
				if parent == dir {
					break
				}
				dir = parent
			}
		}
	}
	return "", fmt.Errorf("%s: %w", path, fs.ErrNotExist)
}

// CleanArtifacts removes loaded artifacts of library name left in dir, for example by a crashed host.
// It returns the removed file names.
func CleanArtifacts(dir, name string, f Format) (removed []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := f.IsArtifact(name, e.Name()); !ok {
			continue
		}
		if err = os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return
		}
		removed = append(removed, e.Name())
	}
	return
}
