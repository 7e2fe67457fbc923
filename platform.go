package hotlib

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Format is the file naming convention of a library kind.
type Format struct {
	Prefix string //file name prefix, "lib" on unix
	Ext    string //extension without dot
}

// platforms maps GOOS to the native shared library naming.
var platforms = map[string]Format{
	"darwin":  {Prefix: "lib", Ext: "dylib"},
	"ios":     {Prefix: "lib", Ext: "dylib"},
	"linux":   {Prefix: "lib", Ext: "so"},
	"android": {Prefix: "lib", Ext: "so"},
	"freebsd": {Prefix: "lib", Ext: "so"},
	"netbsd":  {Prefix: "lib", Ext: "so"},
	"openbsd": {Prefix: "lib", Ext: "so"},
	"windows": {Prefix: "", Ext: "dll"},
}

// Native is the shared library format of the running platform.
var Native = PlatformFormat(runtime.GOOS)

// PlatformFormat returns the naming of shared libraries on goos, unknown systems use the unix naming.
func PlatformFormat(goos string) Format {
	if f, ok := platforms[goos]; ok {
		return f
	}
	return Format{Prefix: "lib", Ext: "so"}
}

func (f Format) ext() string {
	if f.Ext == "" {
		return ""
	}
	return "." + f.Ext
}

// WatchedName is the file name the build produces for the logical library name.
func (f Format) WatchedName(name string) string {
	return f.Prefix + name + f.ext()
}

// ArtifactName is the file name of the disposable copy loaded for generation gen.
func (f Format) ArtifactName(name string, gen uint64) string {
	return fmt.Sprintf("%s%s-hot-%d%s", f.Prefix, name, gen, f.ext())
}

// IsArtifact reports whether file is a loaded artifact of the library name and returns its generation.
func (f Format) IsArtifact(name, file string) (gen uint64, ok bool) {
	head := f.Prefix + name + "-hot-"
	if !strings.HasPrefix(file, head) || !strings.HasSuffix(file, f.ext()) {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(file, head), f.ext())
	gen, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}
