package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imagefetch/pkg/coordinator"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = types.Key("https://example.com/x.png")

// recorder collects the results delivered to a set of waiters.
type recorder struct {
	mu      sync.Mutex
	results []types.Result
}

func (r *recorder) waiter() coordinator.Waiter {
	return func(res types.Result) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.results = append(r.results, res)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func noopStarter(calls *atomic.Int32) coordinator.Starter {
	return func(uuid.UUID) context.CancelFunc {
		calls.Add(1)
		return func() {}
	}
}

func newCoordinator() *coordinator.Coordinator {
	return coordinator.New(coordinator.NewConfigDefaults(), coordinator.InlineDispatcher{}, zerolog.Nop())
}

func TestCoordinator_AcquireTwiceStartsOnce(t *testing.T) {
	// Arrange
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}

	// Act
	h1 := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))
	h2 := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))

	// Assert: one starter, both registered on the same request.
	assert.Equal(t, int32(1), starts.Load())
	assert.True(t, h1.Started)
	assert.False(t, h2.Started)
	assert.Equal(t, h1.RequestID, h2.RequestID)
	assert.Equal(t, 2, c.Waiters(testKey))
	assert.Equal(t, 1, c.InFlight())

	entry := &types.Entry{Key: testKey, Cost: 4}
	n := c.Complete(testKey, types.Result{Entry: entry})

	assert.Equal(t, 2, n)
	require.Equal(t, 2, rec.count())
	for _, res := range rec.results {
		assert.Same(t, entry, res.Entry)
	}
	assert.Equal(t, 0, c.InFlight())
}

func TestCoordinator_SecondCompleteIsNoop(t *testing.T) {
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}
	c.Acquire(testKey, rec.waiter(), noopStarter(&starts))

	assert.Equal(t, 1, c.Complete(testKey, types.Result{Err: errors.New("boom")}))
	assert.Equal(t, 0, c.Complete(testKey, types.Result{Err: errors.New("boom again")}))
	assert.Equal(t, 1, rec.count(), "each waiter is delivered to exactly once")
}

func TestCoordinator_NewRequestAfterCompletion(t *testing.T) {
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}

	first := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))
	c.Complete(testKey, types.Result{Err: errors.New("failed")})
	second := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))

	assert.Equal(t, int32(2), starts.Load())
	assert.True(t, second.Started)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestCoordinator_StaleCompletionIgnored(t *testing.T) {
	// Arrange: an earlier generation is completed and a fresh one starts.
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}
	first := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))
	c.CompleteRequest(testKey, first.RequestID, types.Result{Err: errors.New("first")})
	second := c.Acquire(testKey, rec.waiter(), noopStarter(&starts))

	// Act: a late completion for the first generation arrives.
	n := c.CompleteRequest(testKey, first.RequestID, types.Result{Err: errors.New("late")})

	// Assert: the fresh request is untouched.
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, c.Waiters(testKey))
	assert.Equal(t, 1, c.CompleteRequest(testKey, second.RequestID, types.Result{Entry: &types.Entry{Key: testKey}}))
	assert.Equal(t, 2, rec.count())
}

func TestCoordinator_StarterCompletingSynchronously(t *testing.T) {
	c := newCoordinator()
	rec := &recorder{}

	// The starter completes before Acquire returns; the coordinator lock must
	// not be held while it runs.
	h := c.Acquire(testKey, rec.waiter(), func(id uuid.UUID) context.CancelFunc {
		c.CompleteRequest(testKey, id, types.Result{Err: errors.New("sync failure")})
		return func() {}
	})

	assert.True(t, h.Started)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, c.InFlight())
	assert.False(t, c.Cancel(testKey))
}

func TestCoordinator_Cancel(t *testing.T) {
	c := newCoordinator()
	var cancelled atomic.Bool
	rec := &recorder{}

	assert.False(t, c.Cancel(testKey), "nothing in flight")

	c.Acquire(testKey, rec.waiter(), func(uuid.UUID) context.CancelFunc {
		return func() { cancelled.Store(true) }
	})

	assert.True(t, c.Cancel(testKey))
	assert.True(t, cancelled.Load())
	// Cancel does not complete; the operation still reports.
	assert.Equal(t, 1, c.InFlight())
	assert.Equal(t, 0, rec.count())
}

func TestCoordinator_PanickingWaiterIsolated(t *testing.T) {
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}

	c.Acquire(testKey, func(types.Result) { panic("bad waiter") }, noopStarter(&starts))
	c.Acquire(testKey, rec.waiter(), noopStarter(&starts))

	require.NotPanics(t, func() {
		assert.Equal(t, 2, c.Complete(testKey, types.Result{Entry: &types.Entry{Key: testKey}}))
	})
	assert.Equal(t, 1, rec.count())
}

func TestCoordinator_ConcurrentAcquire(t *testing.T) {
	// Arrange
	c := newCoordinator()
	var starts atomic.Int32
	rec := &recorder{}
	const callers = 50

	// Act
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Acquire(testKey, rec.waiter(), noopStarter(&starts))
		}()
	}
	close(start)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, callers, c.Complete(testKey, types.Result{Entry: &types.Entry{Key: testKey}}))
	assert.Equal(t, callers, rec.count())
}

func TestCoordinator_KeysAreIndependent(t *testing.T) {
	c := coordinator.New(&coordinator.Config{Shards: 4}, nil, zerolog.Nop())
	var starts atomic.Int32
	rec := &recorder{}

	keys := []types.Key{"https://a.test/1", "https://a.test/2", "https://b.test/1", "gs://bucket/obj"}
	for _, k := range keys {
		c.Acquire(k, rec.waiter(), noopStarter(&starts))
	}

	assert.Equal(t, int32(len(keys)), starts.Load())
	assert.Equal(t, len(keys), c.InFlight())
	assert.Equal(t, 1, c.Complete(keys[2], types.Result{Err: errors.New("x")}))
	assert.Equal(t, len(keys)-1, c.InFlight())
}
