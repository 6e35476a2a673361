package cache

// Store is the contract of the in-memory image store used by the fetch
// engine. Implementations bound both the number of entries and their total
// cost, and are safe for concurrent use.
type Store[K comparable, V any] interface {
	// Lookup returns the value for key and marks it as recently used.
	Lookup(key K) (V, bool)
	// Insert adds or replaces the value for key with the given cost, evicting
	// older entries until the store is within its limits again.
	Insert(key K, value V, cost int64) error
	// Remove deletes key, reporting whether it was present.
	Remove(key K) bool
	// Len returns the number of entries.
	Len() int
	// TotalCost returns the sum of the costs of all entries.
	TotalCost() int64
}
