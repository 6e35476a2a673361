package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
)

// Router dispatches each key to the Fetcher registered for its scheme.
type Router struct {
	routes map[string]types.Fetcher
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]types.Fetcher)}
}

// Handle registers f for the given schemes. A later registration for the same
// scheme replaces the earlier one. Handle is not safe to call concurrently
// with Fetch; register everything before use.
func (r *Router) Handle(f types.Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.routes[strings.ToLower(s)] = f
	}
	return r
}

// Schemes lists the registered schemes in sorted order.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fetch implements types.Fetcher.
func (r *Router) Fetch(ctx context.Context, key types.Key) (*types.Response, error) {
	f, ok := r.routes[key.Scheme()]
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme %q of %s", key.Scheme(), key)
	}
	return f.Fetch(ctx, key)
}
