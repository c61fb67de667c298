package domain

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// File is the metadata record of a stored blob. Size and owner never change
// after creation.
type File struct {
	ID               uuid.UUID `json:"id" db:"uuid"`
	OwnerID          string    `json:"owner_id" db:"owner_id"`
	Name             string    `json:"name" db:"name"`
	ContentType      string    `json:"content_type" db:"content_type"`
	SizeBytes        int64     `json:"size" db:"size_bytes"`
	StorageReference string    `json:"-" db:"storage_reference"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

type FileUpload struct {
	OwnerID     string
	Tier        string
	Name        string
	ContentType string
	// Size is the number of bytes actually received from the client.
	Size int64
	Body io.Reader
}

type FileDownload struct {
	File *File
	Data io.ReadCloser
}

// FileSummary is what listing and upload endpoints return.
type FileSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func (f *File) Summary() FileSummary {
	return FileSummary{
		ID:          f.ID,
		Name:        f.Name,
		ContentType: f.ContentType,
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
	}
}
