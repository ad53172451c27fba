package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore backs containers with directories under a local root. Used in
// development and tests; the layout mirrors the S3 store exactly.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob local_dir is required for the dir provider")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) containerPath(container string) string {
	return filepath.Join(s.root, filepath.Clean("/"+container))
}

func (s *DirStore) objectPath(container, path string) string {
	return filepath.Join(s.containerPath(container), filepath.Clean("/"+path))
}

func (s *DirStore) List(ctx context.Context, container string) ([]string, error) {
	base := s.containerPath(container)
	var paths []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == base {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", container, err)
	}
	return paths, nil
}

func (s *DirStore) Download(ctx context.Context, container, path string) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(container, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", container, path, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (s *DirStore) Upload(ctx context.Context, container, path string, data []byte) error {
	full := s.objectPath(container, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
