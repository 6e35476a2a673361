package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCSTransport fetches gs://bucket/object keys from Google Cloud Storage.
type GCSTransport struct {
	client       GCSClient
	maxBodyBytes int64
	logger       zerolog.Logger
}

// NewGCSTransport creates a GCSTransport. maxBodyBytes <= 0 means no limit.
func NewGCSTransport(client GCSClient, maxBodyBytes int64, logger zerolog.Logger) (*GCSTransport, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	return &GCSTransport{
		client:       client,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With().Str("component", "GCSTransport").Logger(),
	}, nil
}

// SplitObjectKey returns the bucket and object name of a gs key.
func SplitObjectKey(key types.Key) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(key.String(), "gs://")
	if !ok {
		return "", "", fmt.Errorf("key %s is not a gs:// key", key)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("key %s has no object name", key)
	}
	return bucket, object, nil
}

// Fetch reads the whole object. A missing object or a denied read is reported
// as a response with the matching HTTP status rather than an error, so every
// transport speaks the same status vocabulary.
func (t *GCSTransport) Fetch(ctx context.Context, key types.Key) (*types.Response, error) {
	bucket, object, err := SplitObjectKey(key)
	if err != nil {
		return nil, err
	}

	r, err := t.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if code, ok := gcsStatus(err); ok {
			t.logger.Debug().Err(err).Str("key", key.String()).Int("status", code).Msg("Object not readable.")
			return &types.Response{StatusCode: code}, nil
		}
		return nil, fmt.Errorf("failed to open gcs object %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	var src io.Reader = r
	if t.maxBodyBytes > 0 {
		src = io.LimitReader(r, t.maxBodyBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read gcs object %s: %w", key, err)
	}
	if t.maxBodyBytes > 0 && int64(len(body)) > t.maxBodyBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrBodyTooLarge, key, t.maxBodyBytes)
	}

	return &types.Response{Body: body, StatusCode: http.StatusOK, ContentType: r.ContentType()}, nil
}

// gcsStatus maps storage errors that describe the object, not the transport,
// onto HTTP statuses. The JSON API reports googleapi errors and the gRPC API
// reports status codes.
func gcsStatus(err error) (int, bool) {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return http.StatusNotFound, true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
			return apiErr.Code, true
		}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.NotFound:
			return http.StatusNotFound, true
		case codes.PermissionDenied:
			return http.StatusForbidden, true
		case codes.Unauthenticated:
			return http.StatusUnauthorized, true
		}
	}
	return 0, false
}
