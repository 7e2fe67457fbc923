/*
Package hotlib live reloads a compiled shared library inside a running host, so
edits to the library take effect without restarting the host.

# Underwater

 1. A [Manager] watches the library file produced by the build (for example
    target/libgame.so) and fingerprints its content, events that do not change
    the bytes are ignored.
 2. Every version is copied to a disposable artifact named {prefix}{name}-hot-{generation}.{ext}
    before it is opened, so the build can overwrite the watched file while a version is mapped.
 3. [Manager.Update] applies a pending change: the new artifact is opened first, then swapped
    in under the write lock, then the old image is closed and its artifact deleted.
    A broken build leaves the previous version current.
 4. A [Driver] runs the update loop and announces each reload through a [Notifier]:
    observers receive AboutToReload with a [BlockToken] that holds the reload back while
    they save state, then Reloaded once the new version is in place.

# Notes

 1. This is a development tool. Nothing protects against a library that changed the
    signature of an export.
 2. Symbols must not outlive their version. Either call through a [Lease] ([Manager.Resolve], [Call])
    which pins the version, or count calls with a [Guard] ([Guarded]) and give it to the [Driver].
    The two are alternatives, Lease is the default.
 3. Symbol names are used as is, no mangling is applied.
 4. Native libraries are opened through [purego] on unix and LoadLibrary on Windows, Go object
    files can be loaded with the goobj sub package.

# Use

	m, err := hotlib.New("target/debug", "game", hotlib.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()
	d := hotlib.NewDriver(m)
	go d.Run(ctx)
	err = hotlib.Call(m, "do_stuff", func(f func() int32) error {
		fmt.Println(f())
		return nil
	})

[purego]: https://github.com/ebitengine/purego
*/
package hotlib
