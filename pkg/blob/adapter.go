package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob id does not exist in the store.
var ErrNotFound = errors.New("blob not found")

// chunkSize bounds the amount of blob data buffered in memory at once.
const chunkSize = 64 * 1024

// Adapter stores opaque run results keyed by server-assigned UUIDs. Results
// are ciphertext by the time they reach the store, so adapters never need
// to understand the content.
type Adapter interface {
	// Put streams the content into the store and returns its new id.
	Put(ctx context.Context, r io.Reader) (string, error)
	// Get streams the content of a blob; the caller closes the reader.
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting an absent blob returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}
