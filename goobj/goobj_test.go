package goobj

import (
	"reflect"
	"testing"

	"github.com/ZenLiuCN/hotlib"
	"github.com/pkujhd/goloader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func answer() int { return 42 }

func TestQualify(t *testing.T) {
	o := &object{pkg: "sample"}
	assert.Equal(t, "sample.Run", o.qualify("Run"))
	assert.Equal(t, "other.Run", o.qualify("other.Run"))
	assert.Equal(t, "main", Opener{}.pkg())
	assert.Equal(t, "sample", Opener{Pkg: "sample"}.pkg())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "game.o", Format.WatchedName("game"))
	assert.Equal(t, "game-hot-2.o", Format.ArtifactName("game", 2))
	gen, ok := Format.IsArtifact("game", "game-hot-2.o")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), gen)
}

func TestBind(t *testing.T) {
	pc := reflect.ValueOf(answer).Pointer()
	o := &object{pkg: "main", module: &goloader.CodeModule{Syms: map[string]uintptr{"main.answer": pc}}}

	p, err := o.Lookup("answer")
	require.NoError(t, err)
	assert.Equal(t, pc, p)

	var f func() int
	require.NoError(t, o.Bind("answer", &f))
	assert.Equal(t, 42, f())

	assert.ErrorIs(t, o.Bind("missing", &f), ErrMissingSymbol)
	assert.Error(t, o.Bind("answer", f))
}

func TestClosedObject(t *testing.T) {
	o := &object{pkg: "main"}
	require.NoError(t, o.Close())
	_, err := o.Lookup("answer")
	assert.ErrorIs(t, err, ErrUnloaded)
	var lib hotlib.Library = o
	assert.NoError(t, lib.Close())
}
