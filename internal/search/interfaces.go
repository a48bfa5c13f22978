package search

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("invocation not found")

// Invoker runs one search to completion. Implementations must return
// exactly one Outcome per call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Outcome
}

// IDGenerator produces process-unique correlation ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HistoryStore persists invocation summaries.
type HistoryStore interface {
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
	GetInvocation(ctx context.Context, requestID string) (InvocationRecord, error)
}
