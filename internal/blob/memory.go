package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	modTime time.Time
}

// MemoryStorage keeps blobs in process memory. Used in tests and single-node
// development setups.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, readerWithContext(ctx, r))
	if err != nil {
		return n, fmt.Errorf("failed to read blob data: %w", err)
	}

	m.mu.Lock()
	m.objects[key] = memoryEntry{data: buf.Bytes(), modTime: m.now()}
	m.mu.Unlock()

	return n, nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (Object, error) {
	m.mu.RLock()
	entry, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	return &object{
		ReadCloser:    io.NopCloser(bytes.NewReader(entry.data)),
		contentLength: int64(len(entry.data)),
	}, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	m.mu.RLock()
	infos := make([]ObjectInfo, 0, len(m.objects))
	for key, entry := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(entry.data)), ModTime: entry.modTime})
		}
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// SetModTime overrides the modification time of key. Lets tests age blobs.
func (m *MemoryStorage) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.objects[key]; ok {
		entry.modTime = t
		m.objects[key] = entry
	}
}

func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// readerWithContext stops a copy as soon as ctx is cancelled, which is how an
// aborted client upload surfaces as a failed blob write.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
