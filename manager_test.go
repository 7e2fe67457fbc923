package hotlib_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZenLiuCN/hotlib"
	"github.com/ZenLiuCN/hotlib/internal/fakelib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	libName = "game"
	symbol  = "do_stuff"
	settle  = 20 * time.Millisecond
	patient = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type nopSigner struct{}

func (nopSigner) Sign(string) error { return nil }

type recordSigner struct{ signed []string }

func (r *recordSigner) Sign(path string) error {
	r.signed = append(r.signed, filepath.Base(path))
	return nil
}

func watchedPath(dir string) string {
	return filepath.Join(dir, hotlib.Native.WatchedName(libName))
}

func artifactPath(dir string, gen uint64) string {
	return filepath.Join(dir, hotlib.Native.ArtifactName(libName, gen))
}

func build(t *testing.T, dir string, v int32) {
	t.Helper()
	require.NoError(t, fakelib.Write(watchedPath(dir), map[string]int32{symbol: v}))
}

func newManager(t *testing.T, dir string, op *fakelib.Opener, opts ...hotlib.Option) *hotlib.Manager {
	t.Helper()
	m, err := hotlib.New(dir, libName, append([]hotlib.Option{
		hotlib.WithOpener(op),
		hotlib.WithSigner(nopSigner{}),
		hotlib.WithDebounce(settle),
		hotlib.WithRewatchInterval(settle),
		hotlib.WithLogger(zaptest.NewLogger(t)),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func call(t *testing.T, m *hotlib.Manager) int32 {
	t.Helper()
	var got int32
	require.NoError(t, hotlib.Call(m, symbol, func(f func() int32) error {
		got = f()
		return nil
	}))
	return got
}

func waitPending(t *testing.T, m *hotlib.Manager) {
	t.Helper()
	require.Eventually(t, m.Pending, patient, tick, "no change detected")
}

func TestInitialLoad(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	op := fakelib.New()
	m := newManager(t, dir, op)
	assert.True(t, m.Loaded())
	assert.Equal(t, uint64(0), m.Version())
	assert.Equal(t, artifactPath(dir, 0), m.ArtifactPath())
	assert.FileExists(t, artifactPath(dir, 0))
	assert.Equal(t, watchedPath(dir), m.WatchedPath())
	assert.Equal(t, libName, m.Name())
	assert.Equal(t, 3, int(call(t, m)))

	for i := 0; i < 3; i++ {
		ok, err := m.Update()
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, []string{artifactPath(dir, 0)}, op.Opened())
}

func TestReloadOnContentChange(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	op := fakelib.New()
	m := newManager(t, dir, op)
	require.Equal(t, int32(3), call(t, m))

	build(t, dir, 5)
	waitPending(t, m)
	ok, err := m.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Update()
	require.NoError(t, err)
	assert.False(t, ok, "one change reloads once")

	assert.Equal(t, int32(5), call(t, m))
	assert.Equal(t, uint64(1), m.Version())
	assert.NoFileExists(t, artifactPath(dir, 0))
	assert.FileExists(t, artifactPath(dir, 1))
	assert.Equal(t, 1, op.Live())
}

func TestTouchDoesNotReload(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	m := newManager(t, dir, fakelib.New())

	now := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(watchedPath(dir), now, now))
	require.NoError(t, os.Chmod(watchedPath(dir), 0o600))
	build(t, dir, 3)
	time.Sleep(10 * settle)

	assert.False(t, m.Pending())
	ok, err := m.Update()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), m.Version())
}

func TestGenerations(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 0)
	signer := new(recordSigner)
	op := fakelib.New()
	m := newManager(t, dir, op, hotlib.WithSigner(signer))

	const n = 4
	for i := 1; i <= n; i++ {
		build(t, dir, int32(i*10))
		waitPending(t, m)
		ok, err := m.Update()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i), m.Version())
		require.Equal(t, int32(i*10), call(t, m))
	}
	for i := uint64(0); i < uint64(n); i++ {
		assert.NoFileExists(t, artifactPath(dir, i))
	}
	assert.FileExists(t, artifactPath(dir, n))
	assert.Equal(t, 1, op.Live())
	assert.Len(t, signer.signed, n+1)
	assert.Equal(t, hotlib.Native.ArtifactName(libName, n), signer.signed[n])
}

func TestMissingLibrary(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, fakelib.New())
	assert.False(t, m.Loaded())
	assert.Empty(t, m.ArtifactPath())

	_, err := m.Symbol(symbol)
	assert.ErrorIs(t, err, hotlib.ErrLibraryNotLoaded)
	_, err = m.Resolve()
	assert.ErrorIs(t, err, hotlib.ErrLibraryNotLoaded)
	err = hotlib.Call(m, symbol, func(func() int32) error { return nil })
	assert.ErrorIs(t, err, hotlib.ErrLibraryNotLoaded)

	build(t, dir, 3)
	waitPending(t, m)
	ok, err := m.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), m.Version())
	assert.Equal(t, int32(3), call(t, m))
}

func TestFailedReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	op := fakelib.New()
	m := newManager(t, dir, op)

	require.NoError(t, fakelib.WriteBroken(watchedPath(dir)))
	waitPending(t, m)
	ok, err := m.Update()
	assert.False(t, ok)
	var re *hotlib.ReloadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "open", re.Op)
	assert.ErrorIs(t, err, fakelib.ErrMalformed)

	assert.Equal(t, int32(3), call(t, m))
	assert.Equal(t, uint64(0), m.Version())
	assert.Equal(t, 1, op.Live())
	assert.NoFileExists(t, artifactPath(dir, 1))

	build(t, dir, 7)
	waitPending(t, m)
	ok, err = m.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), m.Version(), "failed attempts do not consume a generation")
	assert.Equal(t, int32(7), call(t, m))
}

func TestDeletedLibrary(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	op := fakelib.New()
	m := newManager(t, dir, op)

	build(t, dir, 5)
	waitPending(t, m)
	require.NoError(t, os.Remove(watchedPath(dir)))
	ok, err := m.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, m.Loaded())
	assert.Equal(t, 0, op.Live())
	assert.NoFileExists(t, artifactPath(dir, 0))
	_, err = m.Symbol(symbol)
	assert.ErrorIs(t, err, hotlib.ErrLibraryNotLoaded)

	build(t, dir, 5)
	waitPending(t, m)
	ok, err = m.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(5), call(t, m))
}

func TestSymbol(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	m := newManager(t, dir, fakelib.New())

	p, err := m.Symbol(symbol)
	require.NoError(t, err)
	assert.Equal(t, uintptr(3), p)
	p, err = m.Symbol(symbol + "\x00")
	require.NoError(t, err)
	assert.Equal(t, uintptr(3), p)

	_, err = m.Symbol("missing")
	var nf *hotlib.SymbolNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.Name)

	err = hotlib.Call(m, "missing", func(func() int32) error { return nil })
	assert.ErrorAs(t, err, &nf)
	err = hotlib.Call(m, symbol, func(int) error { return nil })
	assert.Error(t, err, "non func type")
}

func TestLeaseHoldsReload(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	m := newManager(t, dir, fakelib.New())

	l, err := m.Resolve()
	require.NoError(t, err)
	f, err := hotlib.Func[func() int32](l, symbol)
	require.NoError(t, err)

	build(t, dir, 5)
	waitPending(t, m)
	done := make(chan error, 1)
	go func() {
		_, err := m.Update()
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("reload finished while leased: %v", err)
	case <-time.After(10 * settle):
	}
	assert.Equal(t, int32(3), f(), "leased version stays loaded")
	assert.Equal(t, uint64(0), l.Version())
	assert.Equal(t, uint64(0), m.Version())

	l.Release()
	l.Release()
	require.NoError(t, <-done)
	assert.Equal(t, int32(5), call(t, m))
	assert.Panics(t, func() { f() }, "functions of an unloaded version must not be called")
}

func TestFileChangeSubscription(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	m := newManager(t, dir, fakelib.New())
	a, b := m.SubscribeFileChanges(), m.SubscribeFileChanges()

	build(t, dir, 5)
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(patient):
			t.Fatal("no file change signal")
		}
	}
	require.NoError(t, m.Close())
	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-m.SubscribeFileChanges()
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, 3)
	op := fakelib.New()
	m := newManager(t, dir, op)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.NoFileExists(t, artifactPath(dir, 0))
	assert.FileExists(t, watchedPath(dir))
	assert.Equal(t, 0, op.Live())
	_, err := m.Update()
	assert.ErrorIs(t, err, hotlib.ErrClosed)
	_, err = m.Symbol(symbol)
	assert.ErrorIs(t, err, hotlib.ErrLibraryNotLoaded)
}

func TestSetupErrors(t *testing.T) {
	var se *hotlib.SetupError

	_, err := hotlib.New(filepath.Join(t.TempDir(), "nowhere"), libName, hotlib.WithOpener(fakelib.New()))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "locate", se.Op)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	dir := t.TempDir()
	require.NoError(t, fakelib.WriteBroken(watchedPath(dir)))
	_, err = hotlib.New(dir, libName, hotlib.WithOpener(fakelib.New()), hotlib.WithSigner(nopSigner{}))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "open", se.Op)
	assert.ErrorIs(t, err, fakelib.ErrMalformed)
	assert.NoFileExists(t, artifactPath(dir, 0))
}

func TestFindLibraryDirInParents(t *testing.T) {
	root := t.TempDir()
	lib := filepath.Join(root, "target", "debug")
	work := filepath.Join(root, "host", "cmd")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	require.NoError(t, os.MkdirAll(work, 0o755))
	build(t, lib, 9)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(work))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	m := newManager(t, filepath.Join("target", "debug"), fakelib.New())
	want, err := filepath.EvalSymlinks(lib)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(m.Dir())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(9), call(t, m))
}
