package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quotadrive/internal/domain"
	"quotadrive/internal/service"
)

const (
	// multipartMemory is how much of a multipart body is kept in memory; the
	// rest spills to temporary files.
	multipartMemory = 32 << 20
	// multipartOverhead allows for boundaries and part headers on top of the
	// file itself.
	multipartOverhead = 1 << 20
)

type StorageHandler struct {
	storage   *service.StorageService
	maxUpload int64
	logger    *zap.Logger
}

func NewStorageHandler(storage *service.StorageService, maxUpload int64, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{
		storage:   storage,
		maxUpload: maxUpload,
		logger:    logger.Named("storage_handler"),
	}
}

func (h *StorageHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	info, err := h.storage.GetQuota(r.Context(), id.OwnerID, id.Tier)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (h *StorageHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	files, err := h.storage.ListFiles(r.Context(), id.OwnerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, files)
}

// UploadFile accepts a multipart body with a single "file" field.
func (h *StorageHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	tooLarge := fmt.Sprintf("File exceeds the maximum upload size of %s", humanize.IBytes(uint64(h.maxUpload)))

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeMessage(w, http.StatusBadRequest, tooLarge)
			return
		}
		writeMessage(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		writeMessage(w, http.StatusBadRequest, tooLarge)
		return
	}

	uploaded, err := h.storage.Upload(r.Context(), domain.FileUpload{
		OwnerID:     id.OwnerID,
		Tier:        id.Tier,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, uploaded.Summary())
}

func (h *StorageHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	fileID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		// Not a file id of anyone, so the same answer as a missing file.
		writeMessage(w, http.StatusNotFound, "File not found")
		return
	}

	download, err := h.storage.Download(r.Context(), id.OwnerID, fileID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer download.Data.Close()

	file := download.File
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(file.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, download.Data); err != nil {
		h.logger.Warn("download interrupted",
			zap.Stringer("file_id", fileID),
			zap.Error(err))
	}
}

func (h *StorageHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	fileID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusNotFound, "File not found")
		return
	}

	if err := h.storage.Delete(r.Context(), id.OwnerID, fileID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeMessage(w, http.StatusOK, "File deleted successfully")
}

func contentDisposition(name string) string {
	asciiName := strings.Map(func(r rune) rune {
		if r > 127 || r == '"' || r == '\\' || r < 32 {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, url.PathEscape(name))
}
