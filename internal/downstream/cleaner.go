// Package downstream removes the artifacts an extraction produced so that a
// reset can start from an empty slate.
package downstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

const defaultPrefix = "extractions"

// Cleaner deletes every blob stored under {prefix}/{user}/{source}/.
type Cleaner struct {
	blobs  store.BlobStore
	prefix string
	logger *zap.Logger
}

// NewCleaner wires a cleaner to blobs. An empty prefix defaults to "extractions".
func NewCleaner(blobs store.BlobStore, prefix string, logger *zap.Logger) (*Cleaner, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{blobs: blobs, prefix: prefix, logger: logger.Named("downstream")}, nil
}

// Prefix returns the object prefix owned by key. The user id is escaped so
// that it always occupies exactly one path segment.
func (c *Cleaner) Prefix(key extraction.Key) string {
	return c.prefix + "/" + url.PathEscape(key.UserID) + "/" + string(key.Source) + "/"
}

// Clear deletes the artifacts for key. Failures are reported as
// extraction.ErrStorageUnavailable.
func (c *Cleaner) Clear(ctx context.Context, key extraction.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.UserID == "." || key.UserID == ".." {
		return fmt.Errorf("%w: user id %q cannot address artifacts", extraction.ErrValidation, key.UserID)
	}
	prefix := c.Prefix(key)
	deleted, err := c.blobs.DeletePrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("clear downstream %s: %w: %w", key, extraction.ErrStorageUnavailable, err)
	}
	c.logger.Info("downstream artifacts cleared",
		zap.String("user_id", key.UserID),
		zap.String("source", string(key.Source)),
		zap.String("prefix", prefix),
		zap.Int("deleted", deleted),
	)
	return nil
}
