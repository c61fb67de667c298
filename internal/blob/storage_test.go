package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) Storage {
			return NewMemoryStorage()
		}},
		{name: "filesystem", open: func(t *testing.T) Storage {
			s, err := NewFSStorage(t.TempDir())
			require.NoError(t, err)
			return s
		}},
		{name: "badger", open: func(t *testing.T) Storage {
			s, err := NewBadgerStorage(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func readAll(t *testing.T, s Storage, key string) []byte {
	t.Helper()
	obj, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.ContentLength())
	return data
}

func TestPutGetDelete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			n, err := s.Put(ctx, "files/alice/one", strings.NewReader("hello world"))
			require.NoError(t, err)
			assert.Equal(t, int64(11), n)
			assert.Equal(t, []byte("hello world"), readAll(t, s, "files/alice/one"))

			n, err = s.Put(ctx, "files/alice/one", strings.NewReader("bye"))
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
			assert.Equal(t, []byte("bye"), readAll(t, s, "files/alice/one"))

			require.NoError(t, s.Delete(ctx, "files/alice/one"))
			_, err = s.Get(ctx, "files/alice/one")
			assert.ErrorIs(t, err, ErrObjectNotFound)

			require.NoError(t, s.Delete(ctx, "files/alice/one"), "delete of a missing key")
		})
	}
}

func TestPutEmpty(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			n, err := s.Put(context.Background(), "files/bob/empty", bytes.NewReader(nil))
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Empty(t, readAll(t, s, "files/bob/empty"))
		})
	}
}

func TestPutInvalidKey(t *testing.T) {
	keys := []string{"", "/abs", "dir/", "a/../b", "a//b", "./a"}

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			for _, key := range keys {
				_, err := s.Put(context.Background(), key, strings.NewReader("x"))
				assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
			}
		})
	}
}

func TestPutCancelled(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := s.Put(ctx, "files/carol/x", strings.NewReader("data"))
			require.Error(t, err)
			assert.ErrorIs(t, err, context.Canceled)

			_, err = s.Get(context.Background(), "files/carol/x")
			assert.ErrorIs(t, err, ErrObjectNotFound)
		})
	}
}

func TestList(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			for key, body := range map[string]string{
				"files/alice/a": "1",
				"files/alice/b": "22",
				"files/bob/c":   "333",
				"other/d":       "4444",
			} {
				_, err := s.Put(ctx, key, strings.NewReader(body))
				require.NoError(t, err)
			}

			sizes := map[string]int64{}
			err := s.List(ctx, "files/", func(info ObjectInfo) error {
				sizes[info.Key] = info.Size
				assert.False(t, info.ModTime.IsZero())
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, map[string]int64{
				"files/alice/a": 1,
				"files/alice/b": 2,
				"files/bob/c":   3,
			}, sizes)

			var alice []string
			err = s.List(ctx, "files/alice/", func(info ObjectInfo) error {
				alice = append(alice, info.Key)
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"files/alice/a", "files/alice/b"}, alice)
		})
	}
}

func TestListDeleteDuringWalk(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			for _, key := range []string{"files/x/1", "files/x/2", "files/x/3"} {
				_, err := s.Put(ctx, key, strings.NewReader("z"))
				require.NoError(t, err)
			}

			err := s.List(ctx, "files/", func(info ObjectInfo) error {
				return s.Delete(ctx, info.Key)
			})
			require.NoError(t, err)

			count := 0
			require.NoError(t, s.List(ctx, "", func(ObjectInfo) error {
				count++
				return nil
			}))
			assert.Zero(t, count)
		})
	}
}

func TestListStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			for _, key := range []string{"files/y/1", "files/y/2"} {
				_, err := s.Put(ctx, key, strings.NewReader("z"))
				require.NoError(t, err)
			}

			calls := 0
			err := s.List(ctx, "files/", func(ObjectInfo) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestFSStorageIgnoresTempFiles(t *testing.T) {
	s, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	failing := io.MultiReader(strings.NewReader("partial"), &errReader{err: errors.New("connection reset")})
	_, err = s.Put(ctx, "files/dave/broken", failing)
	require.Error(t, err)

	count := 0
	require.NoError(t, s.List(ctx, "", func(ObjectInfo) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) {
	return 0, r.err
}
