// Package blob stores raw file bytes under opaque keys. The storage service
// only ever sees keys, so the backend can be S3, a local directory, an embedded
// Badger database or memory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Object is an open blob. Callers must Close it.
type Object interface {
	io.ReadCloser
	ContentLength() int64
}

type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

type Storage interface {
	// Put stores everything r yields under key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (Object, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List calls fn for every object whose key starts with prefix.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
}

type object struct {
	io.ReadCloser
	contentLength int64
}

func (o *object) ContentLength() int64 {
	return o.contentLength
}

// validateKey accepts slash separated relative keys without empty, "." or ".."
// segments.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
