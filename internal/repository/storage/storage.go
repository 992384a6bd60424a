package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkovalev/converthub/internal/entities"
)

type Store struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Store{dbpool: pool}, nil
}

func (s *Store) Close() {
	s.dbpool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

const jobColumns = `id, user_id, source_image_id, target_format, status, quality,
       width, height, maintain_aspect_ratio, created_at, started_at,
       completed_at, error_message, processing_time_seconds, version`

func scanJob(row pgx.Row) (*entities.ConversionJob, error) {
	job := &entities.ConversionJob{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.SourceImageID, &job.TargetFormat,
		&job.Status, &job.Quality, &job.Width, &job.Height,
		&job.MaintainAspectRatio, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.ErrorMessage, &job.ProcessingTime, &job.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return job, nil
}

func (s *Store) CreateUser(ctx context.Context, u *entities.User) error {
	query := `INSERT INTO users (email, name, is_active, created_at, updated_at)
	          VALUES ($1, $2, $3, now(), now())
	          RETURNING id, created_at, updated_at`

	err := s.dbpool.QueryRow(ctx, query, u.Email, u.Name, u.IsActive).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*entities.User, error) {
	query := `SELECT id, email, name, is_active, created_at, updated_at
	          FROM users WHERE id = $1`

	u := &entities.User{}
	err := s.dbpool.QueryRow(ctx, query, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *Store) CreateUploadedImage(ctx context.Context, img *entities.UploadedImage) error {
	query := `INSERT INTO uploaded_images
	          (user_id, original_filename, stored_filename, file_path, file_size,
	           mime_type, original_format, width, height, upload_date, is_deleted)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), false)
	          RETURNING id, upload_date`

	err := s.dbpool.QueryRow(ctx, query,
		img.UserID, img.OriginalFilename, img.StoredFilename, img.FilePath,
		img.FileSize, img.MimeType, img.OriginalFormat, img.Width, img.Height,
	).Scan(&img.ID, &img.UploadDate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) ImageByID(ctx context.Context, id int64) (*entities.UploadedImage, error) {
	query := `SELECT id, user_id, original_filename, stored_filename, file_path,
	                 file_size, mime_type, original_format, width, height,
	                 upload_date, is_deleted
	          FROM uploaded_images WHERE id = $1`

	img := &entities.UploadedImage{}
	err := s.dbpool.QueryRow(ctx, query, id).Scan(
		&img.ID, &img.UserID, &img.OriginalFilename, &img.StoredFilename,
		&img.FilePath, &img.FileSize, &img.MimeType, &img.OriginalFormat,
		&img.Width, &img.Height, &img.UploadDate, &img.IsDeleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return img, nil
}

func (s *Store) SoftDeleteImage(ctx context.Context, id int64) error {
	tag, err := s.dbpool.Exec(ctx,
		`UPDATE uploaded_images SET is_deleted = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *entities.ConversionJob) error {
	query := `INSERT INTO conversion_jobs
	          (user_id, source_image_id, target_format, status, quality, width,
	           height, maintain_aspect_ratio, created_at, version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), 0)
	          RETURNING id, created_at, version`

	err := s.dbpool.QueryRow(ctx, query,
		job.UserID, job.SourceImageID, job.TargetFormat, job.Status,
		job.Quality, job.Width, job.Height, job.MaintainAspectRatio,
	).Scan(&job.ID, &job.CreatedAt, &job.Version)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) JobByID(ctx context.Context, id int64) (*entities.ConversionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE id = $1`
	return scanJob(s.dbpool.QueryRow(ctx, query, id))
}

// PendingJobs returns ids of PENDING jobs, oldest first, so the
// dispatcher hands out work fairly.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT id FROM conversion_jobs
	          WHERE status = $1
	          ORDER BY created_at ASC
	          LIMIT $2`

	rows, err := s.dbpool.Query(ctx, query, entities.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob is the concurrency gate: a single conditional UPDATE that
// moves the job PENDING -> PROCESSING and bumps its version. Under N
// racing workers exactly one gets the row back; the rest get
// ErrConflict (or ErrNotFound when the job does not exist at all).
func (s *Store) ClaimJob(ctx context.Context, id int64) (*entities.ConversionJob, error) {
	query := `UPDATE conversion_jobs
	          SET status = $2, started_at = now(), version = version + 1
	          WHERE id = $1 AND status = $3
	          RETURNING ` + jobColumns

	job, err := scanJob(s.dbpool.QueryRow(ctx, query, id,
		entities.StatusProcessing, entities.StatusPending))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, entities.ErrNotFound) {
		return nil, err
	}

	// Lost the race or the id is bogus; tell the two apart.
	if _, lookupErr := s.JobByID(ctx, id); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, entities.ErrConflict
}

// JobFinish describes a terminal transition.
type JobFinish struct {
	Status       entities.ConversionStatus
	ErrorMessage *string
	AllowedFrom  []entities.ConversionStatus
}

// finishSQL stamps completed_at and derives processing_time from the
// row's own started_at, coalescing for jobs cancelled before they ever
// started.
const finishSQL = `UPDATE conversion_jobs
	          SET status = $2, error_message = $3,
	              started_at = COALESCE(started_at, now()),
	              completed_at = now(),
	              processing_time_seconds = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, now()))),
	              version = version + 1
	          WHERE id = $1 AND version = $4 AND status = ANY($5)`

// FinishJob records a terminal transition guarded by both the optimistic
// version and the set of states the transition may leave. Zero rows
// affected means somebody else moved the job first.
func (s *Store) FinishJob(ctx context.Context, id, expectedVersion int64, fin JobFinish) error {
	from := make([]string, 0, len(fin.AllowedFrom))
	for _, st := range fin.AllowedFrom {
		from = append(from, string(st))
	}

	tag, err := s.dbpool.Exec(ctx, finishSQL, id, fin.Status,
		fin.ErrorMessage, expectedVersion, from)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrVersionConflict
	}
	return nil
}

// CompleteJob moves a PROCESSING job to COMPLETED and inserts its
// ConvertedImage row in one transaction, so an artifact row exists
// exactly when the job reads COMPLETED.
func (s *Store) CompleteJob(ctx context.Context, id, expectedVersion int64, ci *entities.ConvertedImage) error {
	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, finishSQL, id, entities.StatusCompleted,
		nil, expectedVersion, []string{string(entities.StatusProcessing)})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrVersionConflict
	}

	insert := `INSERT INTO converted_images
	           (conversion_job_id, filename, file_path, file_size, mime_type,
	            format, width, height, quality_used, created_at, download_count,
	            expires_at, is_deleted)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), 0, $10, false)
	           RETURNING id, created_at`

	err = tx.QueryRow(ctx, insert,
		ci.ConversionJobID, ci.Filename, ci.FilePath, ci.FileSize, ci.MimeType,
		ci.Format, ci.Width, ci.Height, ci.QualityUsed, ci.ExpiresAt,
	).Scan(&ci.ID, &ci.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return tx.Commit(ctx)
}

// ReclaimStuck force-fails PROCESSING jobs older than the threshold.
// The status predicate keeps it from racing a worker that just finished:
// a worker's terminal update bumps the version and flips the status, so
// whichever UPDATE lands second affects zero rows.
func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE conversion_jobs
	          SET status = $1, completed_at = now(), error_message = 'timeout',
	              processing_time_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
	              version = version + 1
	          WHERE status = $2 AND started_at < now() - $3::interval`

	interval := fmt.Sprintf("%f seconds", olderThan.Seconds())
	tag, err := s.dbpool.Exec(ctx, query,
		entities.StatusFailed, entities.StatusProcessing, interval)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateConvertedImage(ctx context.Context, ci *entities.ConvertedImage) error {
	query := `INSERT INTO converted_images
	          (conversion_job_id, filename, file_path, file_size, mime_type,
	           format, width, height, quality_used, created_at, download_count,
	           expires_at, is_deleted)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), 0, $10, false)
	          RETURNING id, created_at`

	err := s.dbpool.QueryRow(ctx, query,
		ci.ConversionJobID, ci.Filename, ci.FilePath, ci.FileSize, ci.MimeType,
		ci.Format, ci.Width, ci.Height, ci.QualityUsed, ci.ExpiresAt,
	).Scan(&ci.ID, &ci.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) ConvertedImageByJob(ctx context.Context, jobID int64) (*entities.ConvertedImage, error) {
	query := `SELECT id, conversion_job_id, filename, file_path, file_size,
	                 mime_type, format, width, height, quality_used, created_at,
	                 download_count, last_downloaded_at, expires_at, is_deleted
	          FROM converted_images WHERE conversion_job_id = $1`

	ci := &entities.ConvertedImage{}
	err := s.dbpool.QueryRow(ctx, query, jobID).Scan(
		&ci.ID, &ci.ConversionJobID, &ci.Filename, &ci.FilePath, &ci.FileSize,
		&ci.MimeType, &ci.Format, &ci.Width, &ci.Height, &ci.QualityUsed,
		&ci.CreatedAt, &ci.DownloadCount, &ci.LastDownloadedAt, &ci.ExpiresAt,
		&ci.IsDeleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ci, nil
}

// RegisterDownload bumps the monotonic download counter and stamps the
// fetch time, returning the updated row. A soft-deleted artifact is
// reported as ErrGone, a missing row as ErrNotFound.
func (s *Store) RegisterDownload(ctx context.Context, id int64) (*entities.ConvertedImage, error) {
	query := `UPDATE converted_images
	          SET download_count = download_count + 1, last_downloaded_at = now()
	          WHERE id = $1 AND is_deleted = false
	          RETURNING id, conversion_job_id, filename, file_path, file_size,
	                    mime_type, format, width, height, quality_used,
	                    created_at, download_count, last_downloaded_at,
	                    expires_at, is_deleted`

	ci := &entities.ConvertedImage{}
	err := s.dbpool.QueryRow(ctx, query, id).Scan(
		&ci.ID, &ci.ConversionJobID, &ci.Filename, &ci.FilePath, &ci.FileSize,
		&ci.MimeType, &ci.Format, &ci.Width, &ci.Height, &ci.QualityUsed,
		&ci.CreatedAt, &ci.DownloadCount, &ci.LastDownloadedAt, &ci.ExpiresAt,
		&ci.IsDeleted,
	)
	if err == nil {
		return ci, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// Zero rows: either the artifact never existed or the retention
	// sweep got it. Tell the two apart.
	var deleted bool
	lookupErr := s.dbpool.QueryRow(ctx,
		`SELECT is_deleted FROM converted_images WHERE id = $1`, id).Scan(&deleted)
	if lookupErr != nil {
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", lookupErr)
	}
	return nil, entities.ErrGone
}

// PurgeExpired soft-deletes artifacts whose retention window elapsed and
// returns their blob paths so the caller can drop the bytes. This is the
// hook the external retention sweep runs on.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	query := `UPDATE converted_images
	          SET is_deleted = true
	          WHERE is_deleted = false AND expires_at IS NOT NULL AND expires_at < $1
	          RETURNING file_path`

	rows, err := s.dbpool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
