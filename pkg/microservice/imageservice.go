package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/illmade-knight/go-imagefetch/pkg/fetch"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
)

// ImageMetadata is the JSON body returned by GET /image. Pixels are not
// served; the service reports what the engine holds.
type ImageMetadata struct {
	Key       string    `json:"key"`
	Format    string    `json:"format"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Cost      int64     `json:"cost"`
	WireSize  int       `json:"wire_size"`
	FetchedAt time.Time `json:"fetched_at"`
}

// StatsResponse is the JSON body returned by GET /stats.
type StatsResponse struct {
	fetch.Stats
	Summary string `json:"summary"`
}

// StatusClientClosedRequest is written when the caller disconnects before the
// image is ready. It is the nginx convention; net/http has no constant for it.
const StatusClientClosedRequest = 499

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ImageService exposes a fetch.Engine over HTTP.
type ImageService struct {
	*BaseServer
	engine *fetch.Engine
	logger zerolog.Logger
}

// NewImageService registers the image routes on a new BaseServer. The
// service reports unready once the engine is closed.
func NewImageService(engine *fetch.Engine, listenAddr string, logger zerolog.Logger) *ImageService {
	s := &ImageService{
		engine: engine,
		logger: logger.With().Str("component", "ImageService").Logger(),
	}
	s.BaseServer = NewBaseServer(logger, listenAddr, s.engineReady)
	mux := s.Mux()
	mux.HandleFunc("GET /image", s.handleGetImage)
	mux.HandleFunc("DELETE /image", s.handleInvalidate)
	mux.HandleFunc("GET /stats", s.handleStats)
	return s
}

func (s *ImageService) engineReady() error {
	if s.engine.IsClosed() {
		return fetch.ErrClosed
	}
	return nil
}

func (s *ImageService) handleGetImage(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")

	results := make(chan types.Result, 1)
	s.engine.Get(raw, func(res types.Result) { results <- res })

	select {
	case res := <-results:
		if res.Err != nil {
			s.writeFetchError(w, res.Err)
			return
		}
		e := res.Entry
		b := e.Bounds()
		writeJSON(w, http.StatusOK, ImageMetadata{
			Key:       e.Key.String(),
			Format:    e.Format,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Cost:      e.Cost,
			WireSize:  e.WireSize,
			FetchedAt: e.FetchedAt,
		})
	case <-r.Context().Done():
		// The fetch carries on and will populate the cache for the next caller.
		s.logger.Debug().Err(r.Context().Err()).Str("url", raw).Msg("Client went away before the image was ready.")
		w.WriteHeader(StatusClientClosedRequest)
	}
}

func (s *ImageService) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if _, err := types.NormalizeKey(raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: fetch.KindInvalidKey.String()})
		return
	}
	if !s.engine.Invalidate(raw) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ImageService) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{Stats: st, Summary: st.String()})
}

// writeFetchError maps a fetch failure onto an HTTP status.
func (s *ImageService) writeFetchError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch fetch.KindOf(err) {
	case fetch.KindInvalidKey:
		status = http.StatusBadRequest
	case fetch.KindDecode:
		status = http.StatusUnprocessableEntity
	case fetch.KindTransport:
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		} else if errors.Is(err, fetch.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
	}
	s.logger.Debug().Err(err).Int("status", status).Msg("Image request failed.")
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: fetch.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
