package cache_test

import (
	"github.com/illmade-knight/go-imagefetch/pkg/cache"
)

// CostLRUCache is the Store the fetch engine is built on.
var _ cache.Store[string, int] = (*cache.CostLRUCache[string, int])(nil)
