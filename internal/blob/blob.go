// Package blob provides a narrow object-store abstraction used by the backup
// engine. One implementation talks to S3 or any S3-compatible endpoint
// (MinIO), another keeps objects in memory for tests and dry runs.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrKeyNotFound is returned by GetObject when the key does not exist.
var ErrKeyNotFound = errors.New("blob: key not found")

type PutObjectParams struct {
	Key  string
	Body io.Reader
	Size int64
}

type PutObjectResponse struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

type GetObjectResponse struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	LastModified time.Time
}

type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Client is the minimal capability surface the backup engine needs from an
// object store. Implementations must make a successful PutObject visible to
// subsequent GetObject/ListObjects calls issued by the same process.
type Client interface {
	PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error)
	GetObject(ctx context.Context, key string) (*GetObjectResponse, error)
	DeleteObject(ctx context.Context, key string) (bool, error)
	ListObjects(ctx context.Context, prefix string) ([]*ObjectInfo, error)
}
