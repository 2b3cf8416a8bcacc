package store

import (
	"context"
	"io"
)

// BlobStore holds artifacts written by extraction workers.
type BlobStore interface {
	// PutObject writes data at path and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// DeletePrefix removes every object under prefix and returns how many
	// were deleted. Deleting an empty prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}
