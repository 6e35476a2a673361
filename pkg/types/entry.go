package types

import (
	"context"
	"image"
	"time"
)

// Entry is a decoded image held by the cache. Entries are shared between
// every caller that asked for the same key, so neither the Entry nor its
// Image may be modified in place.
type Entry struct {
	Key    Key
	Image  image.Image
	Format string // format name reported by the decoder, e.g. "png".

	// Cost is the number of bytes the decoded pixels occupy. It is used for
	// the store's total cost accounting, not the wire size.
	Cost      int64
	WireSize  int
	FetchedAt time.Time
}

// Bounds is a convenience accessor for the image dimensions.
func (e *Entry) Bounds() image.Rectangle {
	if e == nil || e.Image == nil {
		return image.Rectangle{}
	}
	return e.Image.Bounds()
}

// Result is the outcome of a fetch delivered to a waiter. Exactly one of
// Entry and Err is set.
type Result struct {
	Entry *Entry
	Err   error
}

// OK reports whether the result carries an entry.
func (r Result) OK() bool { return r.Err == nil && r.Entry != nil }

// Callback receives the single Result of a Get.
type Callback func(Result)

// Response is the raw outcome of a network fetch.
type Response struct {
	Body        []byte
	StatusCode  int
	ContentType string
}

// Fetcher is the network fetch contract: given a key, return the raw bytes
// and status, or an error. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key Key) (*Response, error)

// Fetch calls f(ctx, key).
func (f FetcherFunc) Fetch(ctx context.Context, key Key) (*Response, error) {
	return f(ctx, key)
}
