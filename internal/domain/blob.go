package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies audit history to cold storage. Source rows are kept.
type Archiver interface {
	ArchiveRiskEvents(ctx context.Context, day time.Time) (int64, error)
	ArchiveQueueItems(ctx context.Context, day time.Time) (int64, error)
}
