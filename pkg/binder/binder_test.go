package binder_test

import (
	"testing"

	"github.com/illmade-knight/go-imagefetch/pkg/binder"
	"github.com/illmade-knight/go-imagefetch/pkg/fetch"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingGetter captures GetFor calls.
type recordingGetter struct {
	surfaces []fetch.SurfaceID
	raws     []string
}

func (g *recordingGetter) GetFor(surface fetch.SurfaceID, raw string, cb types.Callback) {
	g.surfaces = append(g.surfaces, surface)
	g.raws = append(g.raws, raw)
	cb(types.Result{Entry: &types.Entry{Key: types.Key(raw)}})
}

func TestInMemoryBinder(t *testing.T) {
	b := binder.NewInMemoryBinder()
	s := binder.NewSurfaceID()
	const keyA, keyB = types.Key("https://a.test/1.png"), types.Key("https://a.test/2.png")

	t.Run("Unbound surface is never current", func(t *testing.T) {
		assert.False(t, b.IsCurrent(s, keyA))
		_, ok := b.Current(s)
		assert.False(t, ok)
	})

	t.Run("Bind, rebind and unbind", func(t *testing.T) {
		b.Bind(s, keyA)
		assert.True(t, b.IsCurrent(s, keyA))

		b.Bind(s, keyB)
		assert.False(t, b.IsCurrent(s, keyA), "rebinding supersedes the old key")
		assert.True(t, b.IsCurrent(s, keyB))

		b.Unbind(s)
		assert.False(t, b.IsCurrent(s, keyB))
		assert.Equal(t, 0, b.Len())
	})
}

func TestNewSurfaceID_Unique(t *testing.T) {
	assert.NotEqual(t, binder.NewSurfaceID(), binder.NewSurfaceID())
}

func TestInMemoryBinder_Load(t *testing.T) {
	// Arrange
	b := binder.NewInMemoryBinder()
	g := &recordingGetter{}
	s := binder.NewSurfaceID()
	var delivered int

	// Act
	b.Load(g, s, "HTTPS://A.test:443/1.png#frag", func(types.Result) { delivered++ })

	// Assert: the binding holds the normalized key and the raw URL is passed on.
	current, ok := b.Current(s)
	require.True(t, ok)
	assert.Equal(t, types.Key("https://a.test/1.png"), current)
	assert.Equal(t, []fetch.SurfaceID{s}, g.surfaces)
	assert.Equal(t, []string{"HTTPS://A.test:443/1.png#frag"}, g.raws)
	assert.Equal(t, 1, delivered)

	// An invalid URL drops the binding but is still forwarded.
	b.Load(g, s, "not a url", func(types.Result) { delivered++ })
	_, ok = b.Current(s)
	assert.False(t, ok)
	assert.Len(t, g.raws, 2)
}
