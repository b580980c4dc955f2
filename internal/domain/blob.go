package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads an object back. Get fails with ErrNotFound when path does
// not exist.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver moves terminal orders out of the state store into cold storage.
type Archiver interface {
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
}
