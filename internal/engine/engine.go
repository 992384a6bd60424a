// Package engine drives a ConversionJob through its state machine:
// PENDING -> PROCESSING -> {COMPLETED, FAILED}. It is the only writer of
// job status; every transition goes through the store's version-guarded
// updates, never a plain read-modify-write.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/mkovalev/converthub/internal/entities"
	"github.com/mkovalev/converthub/internal/repository/storage"
)

// EntityStore is what the engine needs from persistence.
type EntityStore interface {
	ImageByID(ctx context.Context, id int64) (*entities.UploadedImage, error)
	CreateJob(ctx context.Context, job *entities.ConversionJob) error
	JobByID(ctx context.Context, id int64) (*entities.ConversionJob, error)
	ClaimJob(ctx context.Context, id int64) (*entities.ConversionJob, error)
	FinishJob(ctx context.Context, id, expectedVersion int64, fin storage.JobFinish) error
	CompleteJob(ctx context.Context, id, expectedVersion int64, ci *entities.ConvertedImage) error
	ConvertedImageByJob(ctx context.Context, jobID int64) (*entities.ConvertedImage, error)
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
}

// BlobStore holds original and converted image bytes.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key, contentType string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// Codec is the format adapter: decode, resize, encode.
type Codec interface {
	Decode(data []byte, declared entities.ImageFormat) (image.Image, error)
	Encode(img image.Image, target entities.ImageFormat, quality int) ([]byte, error)
	Resize(img image.Image, width, height int, maintainAspect bool) image.Image
	Bounds(img image.Image) (int, int)
}

// Notifier wakes the dispatcher up after a job is created. Delivery is
// best effort; the dispatcher's DB sweep catches anything dropped here.
type Notifier interface {
	EnqueueJob(ctx context.Context, jobID int64) error
}

// Options are the engine knobs from ConversionConfig.
type Options struct {
	MaxQuality          int
	DefaultQualityLossy int
	ArtifactTTL         time.Duration
}

type Engine struct {
	store    EntityStore
	blobs    BlobStore
	codec    Codec
	notifier Notifier
	opts     Options
	log      *slog.Logger
}

func New(store EntityStore, blobs BlobStore, codec Codec, notifier Notifier, opts Options, log *slog.Logger) *Engine {
	if opts.MaxQuality == 0 {
		opts.MaxQuality = 100
	}
	if opts.DefaultQualityLossy == 0 {
		opts.DefaultQualityLossy = 85
	}
	return &Engine{
		store:    store,
		blobs:    blobs,
		codec:    codec,
		notifier: notifier,
		opts:     opts,
		log:      log,
	}
}

// SetNotifier wires in the dispatch producer after construction; the
// dispatcher needs the engine to start, so the producer arrives late.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Outcome classifies what Process did with a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the claim race was lost: another worker owns
	// the job. Not an error.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnchanged means the job was already terminal and nothing
	// was re-executed.
	OutcomeUnchanged Outcome = "unchanged"
)

// Result is what Process reports back to the dispatcher.
type Result struct {
	Outcome  Outcome
	Job      *entities.ConversionJob
	Artifact *entities.ConvertedImage
}

// Submit validates a ConversionRequest and creates a PENDING job. An
// invalid request is never persisted.
func (e *Engine) Submit(ctx context.Context, req entities.ConversionRequest) (*entities.ConversionJob, error) {
	format, err := entities.ParseFormat(req.TargetFormat)
	if err != nil {
		return nil, entities.Invalid("target_format", err.Error())
	}
	if req.Quality != nil && (*req.Quality < 1 || *req.Quality > e.opts.MaxQuality) {
		return nil, entities.Invalid("quality",
			fmt.Sprintf("must be between 1 and %d", e.opts.MaxQuality))
	}
	if req.Width != nil && *req.Width < 1 {
		return nil, entities.Invalid("width", "must be at least 1")
	}
	if req.Height != nil && *req.Height < 1 {
		return nil, entities.Invalid("height", "must be at least 1")
	}

	src, err := e.store.ImageByID(ctx, req.SourceImageID)
	if err != nil {
		return nil, err
	}
	if src.IsDeleted {
		return nil, entities.Invalid("source_image_id", "source image is deleted")
	}

	maintain := true
	if req.MaintainAspectRatio != nil {
		maintain = *req.MaintainAspectRatio
	}

	job := &entities.ConversionJob{
		UserID:              req.UserID,
		SourceImageID:       src.ID,
		TargetFormat:        format,
		Status:              entities.StatusPending,
		Quality:             req.Quality,
		Width:               req.Width,
		Height:              req.Height,
		MaintainAspectRatio: maintain,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if e.notifier != nil {
		if err := e.notifier.EnqueueJob(ctx, job.ID); err != nil {
			e.log.Warn("enqueue failed, job will be picked up by the sweep",
				"job_id", job.ID, "err", err)
		}
	}

	return job, nil
}

// Process claims the job and runs the conversion to a terminal state.
// Decode, encode and storage errors never escape: they fail the job.
// A lost claim returns OutcomeSkipped; an already-terminal job returns
// its stored result without re-invoking the codec.
func (e *Engine) Process(ctx context.Context, jobID int64) (Result, error) {
	job, err := e.store.JobByID(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status.Terminal() {
		return e.storedResult(ctx, job)
	}

	claimed, err := e.store.ClaimJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, entities.ErrConflict) {
			// Re-read: the owner may already be done, in which case we
			// can hand back the terminal result instead of a skip.
			if cur, readErr := e.store.JobByID(ctx, jobID); readErr == nil && cur.Status.Terminal() {
				return e.storedResult(ctx, cur)
			}
			return Result{Outcome: OutcomeSkipped, Job: job}, nil
		}
		return Result{}, err
	}

	artifact, convErr := e.convert(ctx, claimed)
	if convErr != nil {
		return e.failJob(ctx, claimed, convErr)
	}

	if err := e.completeJob(ctx, claimed, artifact); err != nil {
		if errors.Is(err, entities.ErrConflict) {
			// A cancel or timeout reclaim beat us to the terminal
			// transition; its recorded state wins.
			if cur, readErr := e.store.JobByID(ctx, jobID); readErr == nil && cur.Status.Terminal() {
				return e.storedResult(ctx, cur)
			}
			return Result{Outcome: OutcomeSkipped, Job: claimed}, nil
		}
		return Result{}, err
	}

	done, err := e.store.JobByID(ctx, jobID)
	if err != nil {
		// The transition is durable; the re-read is only for fresh
		// timestamps.
		done = claimed
		done.Status = entities.StatusCompleted
	}
	return Result{Outcome: OutcomeCompleted, Job: done, Artifact: artifact}, nil
}

// Cancel moves a PENDING or PROCESSING job to FAILED("cancelled").
// Once a terminal transition has been recorded it is a no-op reported
// as ErrConflict.
func (e *Engine) Cancel(ctx context.Context, jobID int64) (*entities.ConversionJob, error) {
	job, err := e.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, entities.ErrConflict
	}

	msg := "cancelled"
	err = e.store.FinishJob(ctx, job.ID, job.Version, storage.JobFinish{
		Status:       entities.StatusFailed,
		ErrorMessage: &msg,
		AllowedFrom:  []entities.ConversionStatus{entities.StatusPending, entities.StatusProcessing},
	})
	if errors.Is(err, entities.ErrVersionConflict) {
		// One retry against the fresh version, then give up.
		job, rereadErr := e.store.JobByID(ctx, jobID)
		if rereadErr != nil {
			return nil, rereadErr
		}
		if job.Status.Terminal() {
			return job, entities.ErrConflict
		}
		err = e.store.FinishJob(ctx, job.ID, job.Version, storage.JobFinish{
			Status:       entities.StatusFailed,
			ErrorMessage: &msg,
			AllowedFrom:  []entities.ConversionStatus{entities.StatusPending, entities.StatusProcessing},
		})
		if errors.Is(err, entities.ErrVersionConflict) {
			err = entities.ErrConflict
		}
	}
	if err != nil {
		return nil, err
	}
	return e.store.JobByID(ctx, jobID)
}

// ReclaimStale force-fails jobs stuck in PROCESSING longer than
// olderThan. Recovery only; the guarded update cannot race a worker
// that is about to complete.
func (e *Engine) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return e.store.ReclaimStuck(ctx, olderThan)
}

// PurgeExpired soft-deletes expired artifacts and drops their bytes.
// Driven by the external retention sweep.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	paths, err := e.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		if err := e.blobs.Delete(ctx, p); err != nil {
			e.log.Warn("failed to delete expired artifact blob", "path", p, "err", err)
		}
	}
	return len(paths), nil
}

// convert runs the processing body: fetch, decode, resize, encode,
// store. The returned artifact has no ID yet; CompleteJob assigns it.
func (e *Engine) convert(ctx context.Context, job *entities.ConversionJob) (*entities.ConvertedImage, error) {
	src, err := e.store.ImageByID(ctx, job.SourceImageID)
	if err != nil {
		return nil, fmt.Errorf("load source image: %w", err)
	}

	data, _, err := e.blobs.Get(ctx, src.FilePath)
	if err != nil {
		return nil, fmt.Errorf("fetch source bytes: %w", err)
	}

	img, err := e.codec.Decode(data, src.OriginalFormat)
	if err != nil {
		// Sniff the real type so the error message tells the user what
		// they actually uploaded.
		if detected := mimetype.Detect(data); detected.String() != src.MimeType {
			return nil, fmt.Errorf("%w (detected content type %s)", err, detected)
		}
		return nil, err
	}

	width, height := 0, 0
	if job.Width != nil {
		width = *job.Width
	}
	if job.Height != nil {
		height = *job.Height
	}
	img = e.codec.Resize(img, width, height, job.MaintainAspectRatio)

	quality := e.opts.DefaultQualityLossy
	var qualityUsed *int
	if job.Quality != nil {
		quality = *job.Quality
	}
	if job.TargetFormat.SupportsQuality() {
		q := quality
		qualityUsed = &q
	}

	encoded, err := e.codec.Encode(img, job.TargetFormat, quality)
	if err != nil {
		return nil, err
	}

	filename := uuid.New().String() + job.TargetFormat.Ext()
	key := fmt.Sprintf("converted/%d/%s", job.ID, filename)
	if err := e.blobs.Put(ctx, key, job.TargetFormat.MimeType(), encoded); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	outW, outH := e.codec.Bounds(img)
	artifact := &entities.ConvertedImage{
		ConversionJobID: job.ID,
		Filename:        filename,
		FilePath:        key,
		FileSize:        int64(len(encoded)),
		MimeType:        job.TargetFormat.MimeType(),
		Format:          job.TargetFormat,
		Width:           outW,
		Height:          outH,
		QualityUsed:     qualityUsed,
	}
	if e.opts.ArtifactTTL > 0 {
		exp := time.Now().Add(e.opts.ArtifactTTL)
		artifact.ExpiresAt = &exp
	}
	return artifact, nil
}

// completeJob records the COMPLETED transition. On a version conflict
// (a cancel or timeout sweep got there first) the orphaned blob is
// removed and the stored terminal state wins.
func (e *Engine) completeJob(ctx context.Context, claimed *entities.ConversionJob, artifact *entities.ConvertedImage) error {
	err := e.store.CompleteJob(ctx, claimed.ID, claimed.Version, artifact)
	if err == nil {
		return nil
	}
	if !errors.Is(err, entities.ErrVersionConflict) {
		return err
	}

	cur, readErr := e.store.JobByID(ctx, claimed.ID)
	if readErr != nil {
		return readErr
	}
	if cur.Status.Terminal() {
		e.log.Info("completion lost to a concurrent terminal transition",
			"job_id", claimed.ID, "status", cur.Status)
		if delErr := e.blobs.Delete(ctx, artifact.FilePath); delErr != nil {
			e.log.Warn("failed to delete orphaned artifact blob",
				"path", artifact.FilePath, "err", delErr)
		}
		return entities.ErrConflict
	}
	// Still PROCESSING under a different version; retry the transition
	// once with the fresh token. A second conflict is a lost race like
	// any other, so the orphaned blob goes the same way.
	err = e.store.CompleteJob(ctx, cur.ID, cur.Version, artifact)
	if errors.Is(err, entities.ErrVersionConflict) {
		if delErr := e.blobs.Delete(ctx, artifact.FilePath); delErr != nil {
			e.log.Warn("failed to delete orphaned artifact blob",
				"path", artifact.FilePath, "err", delErr)
		}
		return entities.ErrConflict
	}
	return err
}

// failJob converts a processing error into the FAILED terminal state.
func (e *Engine) failJob(ctx context.Context, claimed *entities.ConversionJob, cause error) (Result, error) {
	msg := cause.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}

	fin := storage.JobFinish{
		Status:       entities.StatusFailed,
		ErrorMessage: &msg,
		AllowedFrom:  []entities.ConversionStatus{entities.StatusProcessing},
	}
	err := e.store.FinishJob(ctx, claimed.ID, claimed.Version, fin)
	if errors.Is(err, entities.ErrVersionConflict) {
		cur, readErr := e.store.JobByID(ctx, claimed.ID)
		if readErr != nil {
			return Result{}, readErr
		}
		if cur.Status.Terminal() {
			return Result{Outcome: OutcomeFailed, Job: cur}, nil
		}
		err = e.store.FinishJob(ctx, cur.ID, cur.Version, fin)
	}
	if err != nil {
		return Result{}, err
	}

	job, err := e.store.JobByID(ctx, claimed.ID)
	if err != nil {
		job = claimed
		job.Status = entities.StatusFailed
		job.ErrorMessage = &msg
	}
	e.log.Info("conversion failed", "job_id", claimed.ID, "err", cause)
	return Result{Outcome: OutcomeFailed, Job: job}, nil
}

// storedResult reports an already-terminal job without touching the
// codec.
func (e *Engine) storedResult(ctx context.Context, job *entities.ConversionJob) (Result, error) {
	res := Result{Outcome: OutcomeUnchanged, Job: job}
	if job.Status == entities.StatusCompleted {
		artifact, err := e.store.ConvertedImageByJob(ctx, job.ID)
		if err != nil && !errors.Is(err, entities.ErrNotFound) {
			return Result{}, err
		}
		res.Artifact = artifact
	}
	return res, nil
}
