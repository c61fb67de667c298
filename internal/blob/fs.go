package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const tempPrefix = ".upload-"

// FSStorage keeps blobs as files below a root directory. Writes go to a
// temporary file first and are renamed into place, so a key is either complete
// or absent.
type FSStorage struct {
	root string
}

func NewFSStorage(root string) (*FSStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FSStorage{root: root}, nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, readerWithContext(ctx, r))
	if err != nil {
		return n, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return n, fmt.Errorf("failed to commit blob: %w", err)
	}
	committed = true

	return n, nil
}

func (s *FSStorage) Get(ctx context.Context, key string) (Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	return &object{ReadCloser: f, contentLength: info.Size()}, nil
}

func (s *FSStorage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s *FSStorage) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	start := s.root
	if dir := path.Dir(prefix + "x"); dir != "." {
		start = s.path(dir)
	}

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		return fn(ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
	})
	if err != nil {
		return fmt.Errorf("failed to list blobs: %w", err)
	}
	return nil
}
