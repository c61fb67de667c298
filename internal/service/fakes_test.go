package service

import (
	"context"
	"io"
	"sync"

	"quotadrive/internal/blob"
	"quotadrive/internal/domain"
)

// racingLedger simulates a concurrent upload that reserves steal bytes right
// before the first Reserve goes through.
type racingLedger struct {
	QuotaLedger
	steal int64
	once  sync.Once
}

func (l *racingLedger) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	var err error
	l.once.Do(func() {
		err = l.QuotaLedger.Reserve(ctx, ownerID, l.steal)
	})
	if err != nil {
		return err
	}
	return l.QuotaLedger.Reserve(ctx, ownerID, bytes)
}

type failingBlobs struct {
	*blob.MemoryStorage
	putErr    error
	deleteErr error
}

func (b *failingBlobs) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if b.putErr != nil {
		return 0, b.putErr
	}
	return b.MemoryStorage.Put(ctx, key, r)
}

func (b *failingBlobs) Delete(ctx context.Context, key string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.MemoryStorage.Delete(ctx, key)
}

type failingFiles struct {
	FileRecordStore
	createErr    error
	beforeCreate func()
}

func (f *failingFiles) Create(ctx context.Context, file *domain.File) error {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	if f.createErr != nil {
		return f.createErr
	}
	return f.FileRecordStore.Create(ctx, file)
}

// cancellingReader yields data once and cancels the upload context.
type cancellingReader struct {
	data   []byte
	cancel context.CancelFunc
	done   bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	n := copy(p, r.data)
	r.cancel()
	return n, nil
}

type failingRefs struct {
	err error
}

func (f failingRefs) ExistingReferences(context.Context, []string) (map[string]bool, error) {
	return nil, f.err
}
