package blob

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger keeps two keys per blob: the data itself and a fixed-size metadata
// record (mod time, size) so listing never loads blob data.
var (
	dataPrefix = []byte("d/")
	metaPrefix = []byte("m/")
)

const metaSize = 16

// BadgerStorage is an embedded blob area for deployments without object
// storage.
type BadgerStorage struct {
	db  *badger.DB
	now func() time.Time
}

func NewBadgerStorage(dir string) (*BadgerStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger directory is required")
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerStorage{db: db, now: time.Now}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func dataKey(key string) []byte {
	return append(append([]byte{}, dataPrefix...), key...)
}

func metaKey(key string) []byte {
	return append(append([]byte{}, metaPrefix...), key...)
}

func encodeMeta(modTime time.Time, size int64) []byte {
	buf := make([]byte, metaSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(modTime.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(size))
	return buf
}

func decodeMeta(buf []byte) (time.Time, int64, error) {
	if len(buf) != metaSize {
		return time.Time{}, 0, fmt.Errorf("corrupt blob metadata: %d bytes", len(buf))
	}
	modTime := time.Unix(0, int64(binary.BigEndian.Uint64(buf[:8])))
	size := int64(binary.BigEndian.Uint64(buf[8:]))
	return modTime, size, nil
}

func (s *BadgerStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, readerWithContext(ctx, r))
	if err != nil {
		return n, fmt.Errorf("failed to read blob data: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(key), buf.Bytes()); err != nil {
			return err
		}
		return txn.Set(metaKey(key), encodeMeta(s.now(), n))
	})
	if err != nil {
		return n, fmt.Errorf("failed to store blob: %w", err)
	}

	return n, nil
}

func (s *BadgerStorage) Get(ctx context.Context, key string) (Object, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return &object{
		ReadCloser:    io.NopCloser(bytes.NewReader(data)),
		contentLength: int64(len(data)),
	}, nil
}

func (s *BadgerStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(dataKey(key)); err != nil {
			return err
		}
		return txn.Delete(metaKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s *BadgerStorage) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	// Collect first so fn may call back into the store without holding a
	// read transaction open.
	var infos []ObjectInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		seek := metaKey(prefix)
		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			modTime, size, err := decodeMeta(raw)
			if err != nil {
				return err
			}

			infos = append(infos, ObjectInfo{
				Key:     string(item.Key()[len(metaPrefix):]),
				Size:    size,
				ModTime: modTime,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list blobs: %w", err)
	}

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
