// Package fetch is the image fetch engine: it answers Gets from the in-memory
// store, coalesces concurrent misses for a key into one network fetch, and
// delivers the outcome to every caller exactly once.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imagefetch/pkg/cache"
	"github.com/illmade-knight/go-imagefetch/pkg/coordinator"
	"github.com/illmade-knight/go-imagefetch/pkg/decode"
	"github.com/illmade-knight/go-imagefetch/pkg/transport"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/tunabay/go-infounit"
	"golang.org/x/sync/errgroup"
)

// SurfaceID identifies a display surface that images are bound to. The empty
// SurfaceID means "no surface": results are never treated as superseded.
type SurfaceID string

// Binder reports whether a surface still wants the image for key.
type Binder interface {
	IsCurrent(surface SurfaceID, key types.Key) bool
}

// BlobInvalidator drops raw bytes mirrored by a shared tier in front of the
// transport, such as cache.RedisBlobCache.
type BlobInvalidator interface {
	Invalidate(ctx context.Context, key types.Key) error
}

// Store is the decoded image store used by the Engine.
type Store = cache.Store[types.Key, *types.Entry]

// Option configures an Engine.
type Option func(*Engine)

// WithBinder filters deliveries through b.
func WithBinder(b Binder) Option {
	return func(e *Engine) { e.binder = b }
}

// WithDispatcher sets where callbacks run. The default runs them on the
// goroutine that finished the fetch.
func WithDispatcher(d coordinator.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithBlobInvalidator drops the mirrored bytes for a key whenever they fail
// to decode, so the next Get goes back to the origin.
func WithBlobInvalidator(b BlobInvalidator) Option {
	return func(e *Engine) { e.blobs = b }
}

// WithStore replaces the default CostLRUCache. Eviction counts are only
// tracked for the default store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        *Config
	transport  types.Fetcher
	decoder    decode.Decoder
	store      Store
	coord      *coordinator.Coordinator
	binder     Binder
	blobs      BlobInvalidator
	dispatcher coordinator.Dispatcher
	logger     zerolog.Logger
	stats      counters

	ctx    context.Context
	cancel context.CancelFunc

	// closeMu orders fetch goroutine registration against Close.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Engine that fetches with transport and decodes with decoder.
func New(
	cfg *Config,
	transport types.Fetcher,
	decoder decode.Decoder,
	logger zerolog.Logger,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrInvalidConfig)
	}
	if decoder == nil {
		decoder = decode.StdDecoder{}
	}

	e := &Engine{
		cfg:        cfg,
		transport:  transport,
		decoder:    decoder,
		dispatcher: coordinator.InlineDispatcher{},
		logger:     logger.With().Str("component", "FetchEngine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		store, err := cache.NewCostLRUCache[types.Key, *types.Entry](
			cfg.CountLimit,
			int64(cfg.TotalCostLimit),
			cache.WithEvictionHook[types.Key, *types.Entry](func(key types.Key, _ *types.Entry, cost int64) {
				e.stats.evictions.Add(1)
				e.logger.Debug().Str("key", key.String()).Int64("cost", cost).Msg("Evicted entry.")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		e.store = store
	}

	e.coord = coordinator.New(&coordinator.Config{Shards: cfg.CoordinatorShards}, e.dispatcher, logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Get requests the image for raw with no surface binding. It never blocks;
// cb is invoked exactly once, synchronously for an invalid key and through the
// dispatcher otherwise.
func (e *Engine) Get(raw string, cb types.Callback) {
	e.GetFor("", raw, cb)
}

// GetFor is Get on behalf of surface. If the binder no longer associates
// surface with the key when the result is ready, cb receives a KindSuperseded
// error and the entry stays cached.
func (e *Engine) GetFor(surface SurfaceID, raw string, cb types.Callback) {
	e.stats.requests.Add(1)

	key, err := types.NormalizeKey(raw)
	if err != nil {
		e.logger.Debug().Err(err).Str("raw", raw).Msg("Rejected invalid key.")
		cb(types.Result{Err: newError(KindInvalidKey, types.Key(raw), err)})
		return
	}

	waiter := e.waiterFor(surface, key, cb)

	if entry, ok := e.store.Lookup(key); ok {
		e.stats.hits.Add(1)
		e.logger.Debug().Str("key", key.String()).Str("surface", string(surface)).Msg("Cache hit.")
		e.dispatcher.Dispatch(func() { e.safeDeliver(key, waiter, types.Result{Entry: entry}) })
		return
	}

	e.stats.misses.Add(1)
	h := e.coord.Acquire(key, waiter, func(id uuid.UUID) context.CancelFunc {
		return e.start(key, id)
	})
	if !h.Started {
		e.logger.Debug().Str("key", key.String()).Str("request_id", h.RequestID.String()).Msg("Joined in-flight fetch.")
	}
}

// waiterFor wraps cb with the binder's staleness check. The check runs at
// delivery time, not at request time.
func (e *Engine) waiterFor(surface SurfaceID, key types.Key, cb types.Callback) coordinator.Waiter {
	return func(res types.Result) {
		if e.binder != nil && surface != "" && !e.binder.IsCurrent(surface, key) {
			e.stats.superseded.Add(1)
			e.logger.Debug().Str("key", key.String()).Str("surface", string(surface)).Msg("Result superseded, surface has moved on.")
			res = types.Result{Err: newError(KindSuperseded, key, nil)}
		}
		cb(res)
	}
}

func (e *Engine) safeDeliver(key types.Key, w coordinator.Waiter, res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("key", key.String()).Msg("Callback panicked during delivery.")
		}
	}()
	w(res)
}

// start launches the fetch for a newly admitted request. It is the only
// place a fetch goroutine is created.
func (e *Engine) start(key types.Key, id uuid.UUID) context.CancelFunc {
	e.closeMu.RLock()
	if e.closed {
		e.closeMu.RUnlock()
		e.coord.CompleteRequest(key, id, types.Result{Err: newError(KindTransport, key, ErrClosed)})
		return func() {}
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.FetchTimeout)
	e.wg.Add(1)
	e.closeMu.RUnlock()

	e.stats.fetchesStarted.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		res := e.load(ctx, key)
		if res.Err != nil {
			e.stats.failures.Add(1)
			e.logger.Error().Err(res.Err).Str("key", key.String()).Str("request_id", id.String()).Msg("Fetch failed.")
		}
		e.coord.CompleteRequest(key, id, res)
	}()
	return cancel
}

// load fetches, decodes and caches key. A failure never touches the store.
// A panic in the transport or decoder is reported as a failure of that stage.
func (e *Engine) load(ctx context.Context, key types.Key) (res types.Result) {
	stage := KindTransport
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("key", key.String()).Str("stage", stage.String()).Msg("Fetch panicked.")
			res = types.Result{Err: newError(stage, key, fmt.Errorf("recovered panic: %v", r))}
		}
	}()

	resp, err := e.transport.Fetch(ctx, key)
	if err != nil {
		return types.Result{Err: newError(KindTransport, key, err)}
	}
	if err := transport.CheckStatus(resp); err != nil {
		return types.Result{Err: newError(KindTransport, key, err)}
	}

	stage = KindDecode
	img, format, err := e.decoder.Decode(resp.Body)
	if err != nil {
		e.dropBlob(ctx, key)
		return types.Result{Err: newError(KindDecode, key, err)}
	}

	entry := &types.Entry{
		Key:       key,
		Image:     img,
		Format:    format,
		Cost:      decode.Cost(img),
		WireSize:  len(resp.Body),
		FetchedAt: time.Now(),
	}
	if err := e.store.Insert(key, entry, entry.Cost); err != nil {
		// The image is still delivered; it just isn't kept.
		e.stats.rejected.Add(1)
		e.logger.Warn().Err(err).Str("key", key.String()).Int64("cost", entry.Cost).Msg("Entry not cached.")
	}
	return types.Result{Entry: entry}
}

func (e *Engine) dropBlob(ctx context.Context, key types.Key) {
	if e.blobs == nil {
		return
	}
	if err := e.blobs.Invalidate(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to drop undecodable bytes from shared tier.")
	}
}

// Cached returns the cached entry for raw without fetching. It refreshes the
// entry's recency like any other hit.
func (e *Engine) Cached(raw string) (*types.Entry, bool) {
	key, err := types.NormalizeKey(raw)
	if err != nil {
		return nil, false
	}
	return e.store.Lookup(key)
}

// Invalidate removes raw from the store. An in-flight fetch for it is not
// affected and will re-populate the store when it completes.
func (e *Engine) Invalidate(raw string) bool {
	key, err := types.NormalizeKey(raw)
	if err != nil {
		return false
	}
	return e.InvalidateKey(key)
}

// InvalidateKey is Invalidate for an already normalized key.
func (e *Engine) InvalidateKey(key types.Key) bool {
	removed := e.store.Remove(key)
	if removed {
		e.logger.Debug().Str("key", key.String()).Msg("Invalidated entry.")
	}
	return removed
}

// Abort cancels the in-flight fetch for raw. Its waiters receive a
// KindTransport error wrapping context.Canceled.
func (e *Engine) Abort(raw string) bool {
	key, err := types.NormalizeKey(raw)
	if err != nil {
		return false
	}
	return e.coord.Cancel(key)
}

// Prefetch warms the store with raws, running at most PrefetchConcurrency
// fetches at a time. Unlike Get it blocks until every key has completed or
// ctx is done, and it returns the first failure.
func (e *Engine) Prefetch(ctx context.Context, raws []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PrefetchConcurrency)

	for _, raw := range raws {
		g.Go(func() error {
			done := make(chan types.Result, 1)
			e.Get(raw, func(r types.Result) { done <- r })
			select {
			case r := <-done:
				return r.Err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:       e.stats.requests.Load(),
		Hits:           e.stats.hits.Load(),
		Misses:         e.stats.misses.Load(),
		FetchesStarted: e.stats.fetchesStarted.Load(),
		Failures:       e.stats.failures.Load(),
		Superseded:     e.stats.superseded.Load(),
		Evictions:      e.stats.evictions.Load(),
		Rejected:       e.stats.rejected.Load(),
		Entries:        e.store.Len(),
		TotalCost:      infounit.ByteCount(e.store.TotalCost()),
		InFlight:       e.coord.InFlight(),
	}
}

// Close cancels every in-flight fetch and waits for their waiters to be
// notified. Gets issued afterwards that miss the store fail with ErrClosed.
func (e *Engine) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	e.closeMu.Unlock()

	e.logger.Info().Msg("Shutting down fetch engine...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Fetch engine stopped.")
}

// IsClosed reports whether Close has been called.
func (e *Engine) IsClosed() bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	return e.closed
}
