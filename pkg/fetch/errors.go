package fetch

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
)

// Kind classifies why a Get did not produce an entry.
type Kind int

const (
	// KindInvalidKey: the raw URL could not be normalized. Reported
	// synchronously; nothing was fetched.
	KindInvalidKey Kind = iota + 1
	// KindTransport: the fetch failed, returned a non-2xx status, or was
	// aborted.
	KindTransport
	// KindDecode: the bytes arrived but are not a decodable image.
	KindDecode
	// KindSuperseded: the entry is valid but the surface that asked for it
	// has since been bound to a different key.
	KindSuperseded
)

func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "invalid key"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindSuperseded:
		return "superseded"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrInvalidKey = errors.New("invalid key")
	ErrTransport  = errors.New("transport failure")
	ErrDecode     = errors.New("decode failure")
	ErrSuperseded = errors.New("superseded")

	// ErrClosed is the cause reported for Gets issued after Close.
	ErrClosed = errors.New("engine closed")
)

var kindSentinels = map[Kind]error{
	KindInvalidKey: ErrInvalidKey,
	KindTransport:  ErrTransport,
	KindDecode:     ErrDecode,
	KindSuperseded: ErrSuperseded,
}

// Error is the failure delivered to a Get callback.
type Error struct {
	Kind Kind
	Key  types.Key
	Err  error
}

func newError(kind Kind, key types.Key, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Key)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
