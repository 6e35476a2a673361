package transport

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// --- GCS Client Abstraction Interfaces ---
// These let GCSTransport be tested without a real storage client.

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewReader(ctx context.Context) (GCSReader, error)
}

// GCSReader abstracts a *storage.Reader.
type GCSReader interface {
	io.ReadCloser
	ContentType() string
}

// --- Adapters to wrap the concrete Google Cloud Storage client ---

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (GCSReader, error) {
	r, err := a.handle.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &gcsReaderAdapter{r: r}, nil
}

type gcsReaderAdapter struct {
	r *storage.Reader
}

func (a *gcsReaderAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }
func (a *gcsReaderAdapter) Close() error               { return a.r.Close() }
func (a *gcsReaderAdapter) ContentType() string        { return a.r.Attrs.ContentType }
