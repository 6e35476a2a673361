// Package binder tracks which image each display surface currently wants, so
// results that arrive after a surface has moved on can be recognized.
package binder

import (
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imagefetch/pkg/fetch"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
)

// Getter is the part of fetch.Engine used by Load.
type Getter interface {
	GetFor(surface fetch.SurfaceID, raw string, cb types.Callback)
}

// InMemoryBinder is a thread-safe map from surface to its current key.
// It implements fetch.Binder.
type InMemoryBinder struct {
	mu       sync.RWMutex
	bindings map[fetch.SurfaceID]types.Key
}

// NewInMemoryBinder creates an empty binder.
func NewInMemoryBinder() *InMemoryBinder {
	return &InMemoryBinder{
		bindings: make(map[fetch.SurfaceID]types.Key),
	}
}

// NewSurfaceID returns a fresh, unique surface identifier.
func NewSurfaceID() fetch.SurfaceID {
	return fetch.SurfaceID(uuid.NewString())
}

// Bind records key as the image surface currently wants, replacing any
// previous binding.
func (b *InMemoryBinder) Bind(surface fetch.SurfaceID, key types.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[surface] = key
}

// Unbind forgets surface. Any result still on its way to it becomes stale.
func (b *InMemoryBinder) Unbind(surface fetch.SurfaceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, surface)
}

// Current returns the key surface is bound to.
func (b *InMemoryBinder) Current(surface fetch.SurfaceID) (types.Key, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.bindings[surface]
	return key, ok
}

// IsCurrent reports whether surface is still bound to key.
func (b *InMemoryBinder) IsCurrent(surface fetch.SurfaceID, key types.Key) bool {
	current, ok := b.Current(surface)
	return ok && current == key
}

// Len returns the number of bound surfaces.
func (b *InMemoryBinder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

// Load binds surface to raw and requests it through g. The binding is made
// before the request so a fast cache hit is already current. An unparsable
// raw unbinds surface; g still reports the invalid key to cb.
func (b *InMemoryBinder) Load(g Getter, surface fetch.SurfaceID, raw string, cb types.Callback) {
	if key, err := types.NormalizeKey(raw); err == nil {
		b.Bind(surface, key)
	} else {
		b.Unbind(surface)
	}
	g.GetFor(surface, raw, cb)
}

var _ fetch.Binder = (*InMemoryBinder)(nil)
