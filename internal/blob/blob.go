package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/cleanroom/internal/config"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes sample files. A "container" maps to an S3 bucket
// (or a directory under the local root); paths inside it may be nested.
type Store interface {
	// List returns every object path in the container, recursively.
	List(ctx context.Context, container string) ([]string, error)
	Download(ctx context.Context, container, path string) ([]byte, error)
	Upload(ctx context.Context, container, path string, data []byte) error
}

// New builds the configured store implementation.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Provider {
	case "s3", "":
		return NewS3Store(ctx, cfg)
	case "dir":
		return NewDirStore(cfg.LocalDir)
	}
	return nil, fmt.Errorf("unknown blob provider: %q", cfg.Provider)
}
