package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotadrive/internal/domain"
)

func TestFileRepositoryCreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(newTestDB(t))

	file := newFile("owner-1", 1234)
	file.Name = "report.pdf"
	file.ContentType = "application/pdf"
	require.NoError(t, repo.Create(ctx, file))

	got, err := repo.Get(ctx, file.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Equal(t, "report.pdf", got.Name)
	assert.Equal(t, "application/pdf", got.ContentType)
	assert.Equal(t, int64(1234), got.SizeBytes)
	assert.Equal(t, file.StorageReference, got.StorageReference)
	assert.WithinDuration(t, file.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestFileRepositoryGetIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(newTestDB(t))

	file := newFile("owner-a", 10)
	require.NoError(t, repo.Create(ctx, file))

	_, err := repo.Get(ctx, file.ID, "owner-b")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	_, err = repo.Get(ctx, uuid.New(), "owner-a")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestFileRepositoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(newTestDB(t))

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		f := newFile("owner-1", int64(i+1))
		f.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, f))
		ids = append(ids, f.ID)
	}
	require.NoError(t, repo.Create(ctx, newFile("owner-2", 99)))

	files, err := repo.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, ids[2], files[0].ID)
	assert.Equal(t, ids[1], files[1].ID)
	assert.Equal(t, ids[0], files[2].ID)

	empty, err := repo.List(ctx, "owner-3")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestFileRepositoryExistingReferences(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(newTestDB(t))

	kept := newFile("owner-1", 1)
	require.NoError(t, repo.Create(ctx, kept))

	found, err := repo.ExistingReferences(ctx, []string{kept.StorageReference, "files/owner-1/orphan"})
	require.NoError(t, err)
	assert.True(t, found[kept.StorageReference])
	assert.False(t, found["files/owner-1/orphan"])

	found, err = repo.ExistingReferences(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}
