package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-imagefetch/pkg/transport"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPTransport(t *testing.T, mutate func(*transport.HTTPConfig)) *transport.HTTPTransport {
	t.Helper()
	cfg := transport.NewHTTPConfigDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := transport.NewHTTPTransport(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestHTTPTransport_Fetch(t *testing.T) {
	var gotUA, gotAccept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotAccept.Store(r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("pixels"))
		case "/big.png":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tr := newTestHTTPTransport(t, func(c *transport.HTTPConfig) {
		c.MaxBodyBytes = 32
		c.UserAgent = "imagefetch-test"
	})
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		resp, err := tr.Fetch(ctx, types.Key(srv.URL+"/ok.png"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.ContentType)
		assert.Equal(t, []byte("pixels"), resp.Body)
		assert.Equal(t, "imagefetch-test", gotUA.Load())
		assert.Equal(t, "image/*", gotAccept.Load())
		assert.NoError(t, transport.CheckStatus(resp))
	})

	t.Run("Non-2xx is a response, not an error", func(t *testing.T) {
		resp, err := tr.Fetch(ctx, types.Key(srv.URL+"/missing.png"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		statusErr := transport.CheckStatus(resp)
		require.Error(t, statusErr)
		var se *transport.StatusError
		require.ErrorAs(t, statusErr, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
	})

	t.Run("Body over limit", func(t *testing.T) {
		_, err := tr.Fetch(ctx, types.Key(srv.URL+"/big.png"))
		require.Error(t, err)
		assert.ErrorIs(t, err, transport.ErrBodyTooLarge)
	})

	t.Run("Connection failure", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()

		_, err := tr.Fetch(ctx, types.Key(url+"/a.png"))
		require.Error(t, err)
	})
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	tr := newTestHTTPTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Fetch(ctx, types.Key(srv.URL+"/slow.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPTransport_ConcurrencyCap(t *testing.T) {
	// Arrange
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	tr := newTestHTTPTransport(t, func(c *transport.HTTPConfig) { c.MaxConcurrentFetches = 2 })

	// Act
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Fetch(context.Background(), types.Key(srv.URL+"/p.png"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Assert
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNewHTTPTransport_InvalidConfig(t *testing.T) {
	cfg := transport.NewHTTPConfigDefaults()
	cfg.MaxConcurrentFetches = 0
	_, err := transport.NewHTTPTransport(cfg, nil, zerolog.Nop())
	require.Error(t, err)

	cfg = transport.NewHTTPConfigDefaults()
	cfg.MaxBodyBytes = 0
	_, err = transport.NewHTTPTransport(cfg, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestNewHTTPConfigDefaults_EnvOverrides(t *testing.T) {
	t.Setenv("IMAGEFETCH_HTTP_TIMEOUT", "5s")
	t.Setenv("IMAGEFETCH_HTTP_MAX_CONCURRENT", "3")
	t.Setenv("IMAGEFETCH_USER_AGENT", "custom")

	cfg := transport.NewHTTPConfigDefaults()

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, int64(3), cfg.MaxConcurrentFetches)
	assert.Equal(t, "custom", cfg.UserAgent)
}
