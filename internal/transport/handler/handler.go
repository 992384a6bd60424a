package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mkovalev/converthub/internal/cache"
	"github.com/mkovalev/converthub/internal/entities"
)

// Lifecycle is the engine surface the API consumes.
type Lifecycle interface {
	Submit(ctx context.Context, req entities.ConversionRequest) (*entities.ConversionJob, error)
	Cancel(ctx context.Context, jobID int64) (*entities.ConversionJob, error)
}

// Reader serves the read-side endpoints straight from the store.
type Reader interface {
	JobByID(ctx context.Context, id int64) (*entities.ConversionJob, error)
	ImageByID(ctx context.Context, id int64) (*entities.UploadedImage, error)
	ConvertedImageByJob(ctx context.Context, jobID int64) (*entities.ConvertedImage, error)
	RegisterDownload(ctx context.Context, id int64) (*entities.ConvertedImage, error)
}

const resultCacheTTL = 10 * time.Minute

type Handler struct {
	lifecycle Lifecycle
	reader    Reader
	cache     *cache.Cache
	validator *validator.Validate
	log       *slog.Logger
}

func New(lifecycle Lifecycle, reader Reader, resultCache *cache.Cache, log *slog.Logger) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		reader:    reader,
		cache:     resultCache,
		validator: validator.New(),
		log:       log,
	}
}

// CreateConversion handles POST /api/conversions: 201 with the PENDING
// job, 422 on validation failure, 404 when the source image is unknown.
func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req entities.ConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationErrorsToMap(err))
		return
	}

	job, err := h.lifecycle.Submit(r.Context(), req)
	if err != nil {
		var verr *entities.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSONError(w, verr.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, entities.ErrNotFound):
			writeJSONError(w, "source image not found", http.StatusNotFound)
		default:
			h.log.Error("submit failed", "err", err)
			writeJSONError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, NewConversionJobResponse(job))
}

// GetConversion handles GET /api/conversions/{id}.
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid conversion id", http.StatusBadRequest)
		return
	}

	job, err := h.reader.JobByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			writeJSONError(w, "conversion not found", http.StatusNotFound)
			return
		}
		h.log.Error("get conversion failed", "job_id", id, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NewConversionJobResponse(job))
}

// CancelConversion handles POST /api/conversions/{id}/cancel: 202 when
// the cancellation landed, 409 once the job is already terminal.
func (h *Handler) CancelConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid conversion id", http.StatusBadRequest)
		return
	}

	job, err := h.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, entities.ErrNotFound):
			writeJSONError(w, "conversion not found", http.StatusNotFound)
		case errors.Is(err, entities.ErrConflict):
			writeJSONError(w, "conversion already finished", http.StatusConflict)
		default:
			h.log.Error("cancel failed", "job_id", id, "err", err)
			writeJSONError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, NewConversionJobResponse(job))
}

// GetConversionResult handles GET /api/conversions/{id}/result: the
// artifact once COMPLETED, 409 while the job has not completed (the
// response carries its current status so clients can poll), 410 once
// the artifact expired or was deleted. Every successful fetch bumps the
// download counter.
func (h *Handler) GetConversionResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid conversion id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	job, err := h.reader.JobByID(ctx, id)
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			writeJSONError(w, "conversion not found", http.StatusNotFound)
			return
		}
		h.log.Error("get result failed", "job_id", id, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	if job.Status != entities.StatusCompleted {
		msg := "conversion not completed"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": string(job.Status),
			"error":  msg,
		})
		return
	}

	artifact, err := h.cachedArtifact(ctx, job.ID)
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			writeJSONError(w, "result no longer available", http.StatusGone)
			return
		}
		h.log.Error("load artifact failed", "job_id", id, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	if artifact.IsDeleted || artifact.Expired(time.Now()) {
		if h.cache != nil {
			_ = h.cache.Remove(ctx, strconv.FormatInt(job.ID, 10))
		}
		writeJSONError(w, "result expired", http.StatusGone)
		return
	}

	fresh, err := h.reader.RegisterDownload(ctx, artifact.ID)
	if err != nil {
		// The artifact can vanish between the status read and the
		// download, e.g. when the retention sweep lands in between.
		if errors.Is(err, entities.ErrGone) || errors.Is(err, entities.ErrNotFound) {
			writeJSONError(w, "result no longer available", http.StatusGone)
			return
		}
		h.log.Error("register download failed", "artifact_id", artifact.ID, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NewConvertedImageResponse(fresh))
}

// cachedArtifact avoids re-reading the immutable artifact row on every
// poll; the download counter itself always comes from RegisterDownload.
func (h *Handler) cachedArtifact(ctx context.Context, jobID int64) (*entities.ConvertedImage, error) {
	key := strconv.FormatInt(jobID, 10)

	if h.cache != nil {
		if raw, err := h.cache.Get(ctx, key); err == nil && raw != "" {
			artifact := &entities.ConvertedImage{}
			if err := json.Unmarshal([]byte(raw), artifact); err == nil {
				return artifact, nil
			}
		}
	}

	artifact, err := h.reader.ConvertedImageByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if raw, err := json.Marshal(artifact); err == nil {
			if err := h.cache.Store(ctx, key, resultCacheTTL, string(raw)); err != nil {
				h.log.Debug("result cache store failed", "job_id", jobID, "err", err)
			}
		}
	}
	return artifact, nil
}

// GetImage handles GET /api/images/{id}.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid image id", http.StatusBadRequest)
		return
	}

	img, err := h.reader.ImageByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			writeJSONError(w, "image not found", http.StatusNotFound)
			return
		}
		h.log.Error("get image failed", "image_id", id, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if img.IsDeleted {
		writeJSONError(w, "image deleted", http.StatusGone)
		return
	}

	writeJSON(w, http.StatusOK, NewImageMetadataResponse(img))
}

// Ping handles GET /ping.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
