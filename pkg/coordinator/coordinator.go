// Package coordinator deduplicates concurrent fetches of the same key and fans
// the single result out to every caller waiting on it.
package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
)

// Waiter receives the result of the request it was registered on.
type Waiter func(types.Result)

// Starter begins the network operation for a newly admitted request and
// returns a handle that cancels it. It is invoked exactly once per request,
// outside any coordinator lock, with the ID of the request it serves.
type Starter func(requestID uuid.UUID) context.CancelFunc

// Handle describes a caller's registration on an in-flight request.
type Handle struct {
	Key       types.Key
	RequestID uuid.UUID
	// Started is true when this Acquire created the request and ran the
	// starter, false when it joined one already in flight.
	Started bool
}

// Config holds configuration for the Coordinator.
type Config struct {
	// Shards is the number of independently locked in-flight tables.
	Shards int
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{Shards: 16}
}

// inFlightRequest is one active fetch for a key. It lives in its shard's
// table from Acquire until Complete; Complete removes it and takes its
// waiters in the same critical section, so a later Acquire can never join a
// request that has started completing.
type inFlightRequest struct {
	key     types.Key
	id      uuid.UUID
	cancel  context.CancelFunc
	waiters []Waiter
}

type shard struct {
	mu       sync.Mutex
	requests map[types.Key]*inFlightRequest
}

// Coordinator ensures at most one outstanding operation per key.
type Coordinator struct {
	shards     []*shard
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// New creates a Coordinator. A nil dispatcher delivers inline.
func New(cfg *Config, dispatcher Dispatcher, logger zerolog.Logger) *Coordinator {
	n := 1
	if cfg != nil && cfg.Shards > 0 {
		n = cfg.Shards
	}
	if dispatcher == nil {
		dispatcher = InlineDispatcher{}
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{requests: make(map[types.Key]*inFlightRequest)}
	}
	return &Coordinator{
		shards:     shards,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "Coordinator").Logger(),
	}
}

func (c *Coordinator) shardFor(key types.Key) *shard {
	return c.shards[key.Hash()%uint64(len(c.shards))]
}

// Acquire registers waiter for key. If no request is in flight one is created
// and starter is invoked; otherwise waiter joins the existing request and
// starter is not called.
func (c *Coordinator) Acquire(key types.Key, waiter Waiter, starter Starter) Handle {
	s := c.shardFor(key)

	s.mu.Lock()
	if req, ok := s.requests[key]; ok {
		req.waiters = append(req.waiters, waiter)
		n := len(req.waiters)
		id := req.id
		s.mu.Unlock()
		c.logger.Debug().Str("key", key.String()).Str("request_id", id.String()).Int("waiters", n).Msg("Joined in-flight request.")
		return Handle{Key: key, RequestID: id}
	}

	req := &inFlightRequest{
		key:     key,
		id:      uuid.New(),
		waiters: []Waiter{waiter},
	}
	s.requests[key] = req
	s.mu.Unlock()

	c.logger.Debug().Str("key", key.String()).Str("request_id", req.id.String()).Msg("Starting new request.")
	cancel := starter(req.id)

	// The operation may already have completed synchronously; only attach the
	// cancel handle if this generation is still pending.
	s.mu.Lock()
	if cur, ok := s.requests[key]; ok && cur == req {
		cur.cancel = cancel
	}
	s.mu.Unlock()

	return Handle{Key: key, RequestID: req.id, Started: true}
}

// Complete delivers result to every waiter of the request in flight for key
// and removes it. It returns the number of waiters notified, zero when no
// request is in flight.
func (c *Coordinator) Complete(key types.Key, result types.Result) int {
	return c.complete(key, uuid.Nil, result)
}

// CompleteRequest is Complete restricted to the request with the given ID.
// A completion for an earlier request of the same key is ignored.
func (c *Coordinator) CompleteRequest(key types.Key, requestID uuid.UUID, result types.Result) int {
	return c.complete(key, requestID, result)
}

func (c *Coordinator) complete(key types.Key, requestID uuid.UUID, result types.Result) int {
	s := c.shardFor(key)

	s.mu.Lock()
	req, ok := s.requests[key]
	if !ok || (requestID != uuid.Nil && req.id != requestID) {
		s.mu.Unlock()
		c.logger.Warn().Str("key", key.String()).Str("request_id", requestID.String()).Msg("Completion for a request that is not in flight, ignoring.")
		return 0
	}
	delete(s.requests, key)
	waiters := req.waiters
	req.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		c.dispatcher.Dispatch(func() { c.deliver(req, w, result) })
	}
	c.logger.Debug().Str("key", key.String()).Str("request_id", req.id.String()).Int("waiters", len(waiters)).Bool("ok", result.Err == nil).Msg("Request completed.")
	return len(waiters)
}

// deliver invokes one waiter, isolating the others from its panics.
func (c *Coordinator) deliver(req *inFlightRequest, w Waiter, result types.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("key", req.key.String()).Str("request_id", req.id.String()).Msg("Waiter panicked during delivery.")
		}
	}()
	w(result)
}

// Cancel invokes the cancel handle of the request in flight for key. The
// operation is still expected to call Complete. It reports whether a request
// with a cancel handle was found.
func (c *Coordinator) Cancel(key types.Key) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	req, ok := s.requests[key]
	var cancel context.CancelFunc
	if ok {
		cancel = req.cancel
	}
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// InFlight returns the number of requests currently in flight.
func (c *Coordinator) InFlight() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.requests)
		s.mu.Unlock()
	}
	return n
}

// Waiters returns the number of waiters registered on the request in flight
// for key.
func (c *Coordinator) Waiters(key types.Key) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[key]; ok {
		return len(req.waiters)
	}
	return 0
}
