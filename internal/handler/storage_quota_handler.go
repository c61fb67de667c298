package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"quotadrive/internal/service"
)

var validate = validator.New()

// StorageQuotaHandler serves the admin quota endpoints.
type StorageQuotaHandler struct {
	quotaService *service.StorageQuotaService
	logger       *zap.Logger
}

func NewStorageQuotaHandler(quotaService *service.StorageQuotaService, logger *zap.Logger) *StorageQuotaHandler {
	return &StorageQuotaHandler{
		quotaService: quotaService,
		logger:       logger.Named("quota_handler"),
	}
}

type updateLimitRequest struct {
	OwnerID  string `json:"owner_id" validate:"required"`
	NewLimit *int64 `json:"new_limit" validate:"required,gte=0"`
}

type recalculateRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
}

func (h *StorageQuotaHandler) UpdateQuotaLimit(w http.ResponseWriter, r *http.Request) {
	var req updateLimitRequest
	if err := decodeRequest(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.quotaService.UpdateQuotaLimit(r.Context(), req.OwnerID, *req.NewLimit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("quota limit changed by admin",
		zap.String("admin_id", identityFrom(r.Context()).OwnerID),
		zap.String("owner_id", req.OwnerID),
		zap.Int64("new_limit", *req.NewLimit))

	writeJSON(w, http.StatusOK, info)
}

func (h *StorageQuotaHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.quotaService.Recalculate(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("Invalid request body")
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("Invalid fields: %s", strings.Join(fields, ", "))
		}
		return errors.New("Invalid request body")
	}

	return nil
}
