package entities

import "time"

// ConversionStatus tracks a job through its lifecycle. PENDING and
// PROCESSING are transient; COMPLETED and FAILED are terminal.
type ConversionStatus string

const (
	StatusPending    ConversionStatus = "pending"
	StatusProcessing ConversionStatus = "processing"
	StatusCompleted  ConversionStatus = "completed"
	StatusFailed     ConversionStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s ConversionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UploadedImage is an immutable metadata snapshot of an original file.
// Rows are soft-deleted, never mutated otherwise.
type UploadedImage struct {
	ID               int64       `json:"id"`
	UserID           *int64      `json:"user_id,omitempty"` // nil for anonymous uploads
	OriginalFilename string      `json:"original_filename"`
	StoredFilename   string      `json:"stored_filename"`
	FilePath         string      `json:"file_path"`
	FileSize         int64       `json:"file_size"`
	MimeType         string      `json:"mime_type"`
	OriginalFormat   ImageFormat `json:"original_format"`
	Width            *int        `json:"width,omitempty"`
	Height           *int        `json:"height,omitempty"`
	UploadDate       time.Time   `json:"upload_date"`
	IsDeleted        bool        `json:"is_deleted"`
}

// ConversionJob is a request to transform one UploadedImage into
// TargetFormat. Status is only ever mutated through the version-guarded
// transitions in the engine; terminal rows are retained as audit trail.
type ConversionJob struct {
	ID                  int64            `json:"id"`
	UserID              *int64           `json:"user_id,omitempty"`
	SourceImageID       int64            `json:"source_image_id"`
	TargetFormat        ImageFormat      `json:"target_format"`
	Status              ConversionStatus `json:"status"`
	Quality             *int             `json:"quality,omitempty"`
	Width               *int             `json:"width,omitempty"`
	Height              *int             `json:"height,omitempty"`
	MaintainAspectRatio bool             `json:"maintain_aspect_ratio"`
	CreatedAt           time.Time        `json:"created_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage        *string          `json:"error_message,omitempty"`
	ProcessingTime      *float64         `json:"processing_time_seconds,omitempty"`

	// Version is bumped on every status transition; all updates are
	// guarded by it so two workers can never own the same job.
	Version int64 `json:"-"`
}

// ConvertedImage is the output artifact of exactly one ConversionJob.
type ConvertedImage struct {
	ID               int64       `json:"id"`
	ConversionJobID  int64       `json:"conversion_job_id"`
	Filename         string      `json:"filename"`
	FilePath         string      `json:"file_path"`
	FileSize         int64       `json:"file_size"`
	MimeType         string      `json:"mime_type"`
	Format           ImageFormat `json:"format"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	QualityUsed      *int        `json:"quality_used,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	DownloadCount    int64       `json:"download_count"`
	LastDownloadedAt *time.Time  `json:"last_downloaded_at,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	IsDeleted        bool        `json:"is_deleted"`
}

// Expired reports whether the artifact's retention window has elapsed.
func (c *ConvertedImage) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// ConversionRequest is what clients submit to start a conversion.
type ConversionRequest struct {
	SourceImageID       int64  `json:"source_image_id" validate:"required,gt=0"`
	TargetFormat        string `json:"target_format" validate:"required"`
	UserID              *int64 `json:"user_id,omitempty"`
	Quality             *int   `json:"quality,omitempty" validate:"omitempty,gte=1,lte=100"`
	Width               *int   `json:"width,omitempty" validate:"omitempty,gte=1"`
	Height              *int   `json:"height,omitempty" validate:"omitempty,gte=1"`
	MaintainAspectRatio *bool  `json:"maintain_aspect_ratio,omitempty"` // defaults to true
}
