package handler

import (
	"time"

	"github.com/mkovalev/converthub/internal/entities"
)

// Responses shape timestamps as RFC3339 strings at the API boundary;
// internal types keep time.Time. Each response has exactly one
// projection function, no per-field serialization overrides.

type ConversionJobResponse struct {
	ID                    int64    `json:"id"`
	SourceImageID         int64    `json:"source_image_id"`
	TargetFormat          string   `json:"target_format"`
	Status                string   `json:"status"`
	Quality               *int     `json:"quality,omitempty"`
	Width                 *int     `json:"width,omitempty"`
	Height                *int     `json:"height,omitempty"`
	MaintainAspectRatio   bool     `json:"maintain_aspect_ratio"`
	CreatedAt             string   `json:"created_at"`
	StartedAt             *string  `json:"started_at,omitempty"`
	CompletedAt           *string  `json:"completed_at,omitempty"`
	ErrorMessage          *string  `json:"error_message,omitempty"`
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

type ConvertedImageResponse struct {
	ID               int64   `json:"id"`
	Filename         string  `json:"filename"`
	FileSize         int64   `json:"file_size"`
	Format           string  `json:"format"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	QualityUsed      *int    `json:"quality_used,omitempty"`
	CreatedAt        string  `json:"created_at"`
	DownloadCount    int64   `json:"download_count"`
	LastDownloadedAt *string `json:"last_downloaded_at,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
}

type ImageMetadataResponse struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	Format     string `json:"format"`
	Width      *int   `json:"width,omitempty"`
	Height     *int   `json:"height,omitempty"`
	UploadDate string `json:"upload_date"`
	MimeType   string `json:"mime_type"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}

func NewConversionJobResponse(job *entities.ConversionJob) ConversionJobResponse {
	return ConversionJobResponse{
		ID:                    job.ID,
		SourceImageID:         job.SourceImageID,
		TargetFormat:          string(job.TargetFormat),
		Status:                string(job.Status),
		Quality:               job.Quality,
		Width:                 job.Width,
		Height:                job.Height,
		MaintainAspectRatio:   job.MaintainAspectRatio,
		CreatedAt:             stamp(job.CreatedAt),
		StartedAt:             stampPtr(job.StartedAt),
		CompletedAt:           stampPtr(job.CompletedAt),
		ErrorMessage:          job.ErrorMessage,
		ProcessingTimeSeconds: job.ProcessingTime,
	}
}

func NewConvertedImageResponse(ci *entities.ConvertedImage) ConvertedImageResponse {
	return ConvertedImageResponse{
		ID:               ci.ID,
		Filename:         ci.Filename,
		FileSize:         ci.FileSize,
		Format:           string(ci.Format),
		Width:            ci.Width,
		Height:           ci.Height,
		QualityUsed:      ci.QualityUsed,
		CreatedAt:        stamp(ci.CreatedAt),
		DownloadCount:    ci.DownloadCount,
		LastDownloadedAt: stampPtr(ci.LastDownloadedAt),
		ExpiresAt:        stampPtr(ci.ExpiresAt),
	}
}

func NewImageMetadataResponse(img *entities.UploadedImage) ImageMetadataResponse {
	return ImageMetadataResponse{
		ID:         img.ID,
		Filename:   img.OriginalFilename,
		FileSize:   img.FileSize,
		Format:     string(img.OriginalFormat),
		Width:      img.Width,
		Height:     img.Height,
		UploadDate: stamp(img.UploadDate),
		MimeType:   img.MimeType,
	}
}
