package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkovalev/converthub/internal/entities"
	"github.com/mkovalev/converthub/internal/transport/handler"
	"github.com/mkovalev/converthub/internal/transport/router"
)

func ptr[T any](v T) *T { return &v }

type fakeLifecycle struct {
	submit func(req entities.ConversionRequest) (*entities.ConversionJob, error)
	cancel func(jobID int64) (*entities.ConversionJob, error)
}

func (f *fakeLifecycle) Submit(_ context.Context, req entities.ConversionRequest) (*entities.ConversionJob, error) {
	return f.submit(req)
}

func (f *fakeLifecycle) Cancel(_ context.Context, jobID int64) (*entities.ConversionJob, error) {
	return f.cancel(jobID)
}

type fakeReader struct {
	jobs        map[int64]*entities.ConversionJob
	images      map[int64]*entities.UploadedImage
	artifacts   map[int64]*entities.ConvertedImage // keyed by job id
	downloads   int
	downloadErr error
}

func (f *fakeReader) JobByID(_ context.Context, id int64) (*entities.ConversionJob, error) {
	if job, ok := f.jobs[id]; ok {
		return job, nil
	}
	return nil, entities.ErrNotFound
}

func (f *fakeReader) ImageByID(_ context.Context, id int64) (*entities.UploadedImage, error) {
	if img, ok := f.images[id]; ok {
		return img, nil
	}
	return nil, entities.ErrNotFound
}

func (f *fakeReader) ConvertedImageByJob(_ context.Context, jobID int64) (*entities.ConvertedImage, error) {
	if ci, ok := f.artifacts[jobID]; ok {
		return ci, nil
	}
	return nil, entities.ErrNotFound
}

func (f *fakeReader) RegisterDownload(_ context.Context, id int64) (*entities.ConvertedImage, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	for _, ci := range f.artifacts {
		if ci.ID != id {
			continue
		}
		if ci.IsDeleted {
			return nil, entities.ErrGone
		}
		f.downloads++
		cp := *ci
		cp.DownloadCount++
		now := time.Now()
		cp.LastDownloadedAt = &now
		return &cp, nil
	}
	return nil, entities.ErrNotFound
}

func newServer(lc handler.Lifecycle, rd handler.Reader) *httptest.Server {
	h := handler.New(lc, rd, nil, slog.Default())
	return httptest.NewServer(router.NewRouter(h, 0))
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestCreateConversionCreated(t *testing.T) {
	lc := &fakeLifecycle{submit: func(req entities.ConversionRequest) (*entities.ConversionJob, error) {
		return &entities.ConversionJob{
			ID:                  7,
			SourceImageID:       req.SourceImageID,
			TargetFormat:        entities.FormatWEBP,
			Status:              entities.StatusPending,
			MaintainAspectRatio: true,
			CreatedAt:           time.Now(),
		}, nil
	}}
	srv := newServer(lc, &fakeReader{})
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/conversions", map[string]any{
		"source_image_id": 1,
		"target_format":   "webp",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body handler.ConversionJobResponse
	decodeBody(t, resp, &body)
	assert.EqualValues(t, 7, body.ID)
	assert.Equal(t, "pending", body.Status)
	assert.Empty(t, body.StartedAt)
	assert.Empty(t, body.CompletedAt)
}

func TestCreateConversionValidation(t *testing.T) {
	lc := &fakeLifecycle{submit: func(entities.ConversionRequest) (*entities.ConversionJob, error) {
		t.Fatal("submit must not be reached for an invalid body")
		return nil, nil
	}}
	srv := newServer(lc, &fakeReader{})
	defer srv.Close()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing source", map[string]any{"target_format": "png"}},
		{"missing format", map[string]any{"source_image_id": 1}},
		{"quality out of range", map[string]any{"source_image_id": 1, "target_format": "jpeg", "quality": 0}},
		{"negative width", map[string]any{"source_image_id": 1, "target_format": "jpeg", "width": -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/conversions", tt.body)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		})
	}
}

func TestCreateConversionUnsupportedFormat(t *testing.T) {
	lc := &fakeLifecycle{submit: func(entities.ConversionRequest) (*entities.ConversionJob, error) {
		return nil, entities.Invalid("target_format", `unsupported image format "svg"`)
	}}
	srv := newServer(lc, &fakeReader{})
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/conversions", map[string]any{
		"source_image_id": 1,
		"target_format":   "svg",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCreateConversionUnknownSource(t *testing.T) {
	lc := &fakeLifecycle{submit: func(entities.ConversionRequest) (*entities.ConversionJob, error) {
		return nil, entities.ErrNotFound
	}}
	srv := newServer(lc, &fakeReader{})
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/conversions", map[string]any{
		"source_image_id": 999,
		"target_format":   "png",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetConversion(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	done := time.Now()
	rd := &fakeReader{jobs: map[int64]*entities.ConversionJob{
		5: {
			ID:             5,
			SourceImageID:  1,
			TargetFormat:   entities.FormatPNG,
			Status:         entities.StatusCompleted,
			StartedAt:      &started,
			CompletedAt:    &done,
			ProcessingTime: ptr(2.0),
		},
	}}
	srv := newServer(&fakeLifecycle{}, rd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/conversions/5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body handler.ConversionJobResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "completed", body.Status)
	assert.NotEmpty(t, body.StartedAt)
	assert.NotEmpty(t, body.CompletedAt)

	resp, err = http.Get(srv.URL + "/api/conversions/6")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/conversions/zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelConversion(t *testing.T) {
	lc := &fakeLifecycle{cancel: func(jobID int64) (*entities.ConversionJob, error) {
		switch jobID {
		case 1:
			return &entities.ConversionJob{
				ID:           1,
				Status:       entities.StatusFailed,
				ErrorMessage: ptr("cancelled"),
			}, nil
		case 2:
			return nil, entities.ErrConflict
		default:
			return nil, entities.ErrNotFound
		}
	}}
	srv := newServer(lc, &fakeReader{})
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/conversions/1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body handler.ConversionJobResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "failed", body.Status)
	require.NotNil(t, body.ErrorMessage)
	assert.Equal(t, "cancelled", *body.ErrorMessage)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/conversions/2/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/conversions/3/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetConversionResult(t *testing.T) {
	rd := &fakeReader{
		jobs: map[int64]*entities.ConversionJob{
			1: {ID: 1, Status: entities.StatusCompleted},
			2: {ID: 2, Status: entities.StatusProcessing},
			3: {ID: 3, Status: entities.StatusFailed, ErrorMessage: ptr("decode jpeg: bad header")},
		},
		artifacts: map[int64]*entities.ConvertedImage{
			1: {
				ID:              10,
				ConversionJobID: 1,
				Filename:        "out.webp",
				FilePath:        "converted/1/out.webp",
				FileSize:        1234,
				MimeType:        "image/webp",
				Format:          entities.FormatWEBP,
				Width:           960,
				Height:          540,
			},
		},
	}
	srv := newServer(&fakeLifecycle{}, rd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/conversions/1/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body handler.ConvertedImageResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "out.webp", body.Filename)
	assert.Equal(t, 960, body.Width)
	assert.EqualValues(t, 1, body.DownloadCount, "each fetch registers a download")
	assert.Equal(t, 1, rd.downloads)

	// still processing: 409 with the current status in the body
	resp, err = http.Get(srv.URL + "/api/conversions/2/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var pending map[string]string
	decodeBody(t, resp, &pending)
	assert.Equal(t, "processing", pending["status"])

	// failed: 409 carrying the recorded error message
	resp, err = http.Get(srv.URL + "/api/conversions/3/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var failed map[string]string
	decodeBody(t, resp, &failed)
	assert.Equal(t, "failed", failed["status"])
	assert.Contains(t, failed["error"], "decode")

	resp, err = http.Get(srv.URL + "/api/conversions/404/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetConversionResultGone(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	rd := &fakeReader{
		jobs: map[int64]*entities.ConversionJob{
			1: {ID: 1, Status: entities.StatusCompleted},
			2: {ID: 2, Status: entities.StatusCompleted},
			3: {ID: 3, Status: entities.StatusCompleted},
		},
		artifacts: map[int64]*entities.ConvertedImage{
			1: {ID: 10, ConversionJobID: 1, IsDeleted: true},
			2: {ID: 11, ConversionJobID: 2, ExpiresAt: &past},
		},
	}
	srv := newServer(&fakeLifecycle{}, rd)
	defer srv.Close()

	for _, id := range []int{1, 2, 3} {
		resp, err := http.Get(fmt.Sprintf("%s/api/conversions/%d/result", srv.URL, id))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusGone, resp.StatusCode, "job %d", id)
	}
	assert.Zero(t, rd.downloads, "gone results must not count as downloads")
}

func TestGetConversionResultDeletedDuringDownload(t *testing.T) {
	// The artifact row reads as live but the retention sweep lands
	// before the download is registered.
	rd := &fakeReader{
		jobs: map[int64]*entities.ConversionJob{
			1: {ID: 1, Status: entities.StatusCompleted},
		},
		artifacts: map[int64]*entities.ConvertedImage{
			1: {ID: 10, ConversionJobID: 1},
		},
		downloadErr: entities.ErrGone,
	}
	srv := newServer(&fakeLifecycle{}, rd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/conversions/1/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Zero(t, rd.downloads)
}

func TestGetImage(t *testing.T) {
	rd := &fakeReader{images: map[int64]*entities.UploadedImage{
		1: {
			ID:               1,
			OriginalFilename: "photo.jpg",
			FilePath:         "originals/photo.jpg",
			FileSize:         2048,
			MimeType:         "image/jpeg",
			OriginalFormat:   entities.FormatJPEG,
			Width:            ptr(1920),
			Height:           ptr(1080),
			UploadDate:       time.Now(),
		},
		2: {ID: 2, IsDeleted: true},
	}}
	srv := newServer(&fakeLifecycle{}, rd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/images/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body handler.ImageMetadataResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "photo.jpg", body.Filename)

	resp, err = http.Get(srv.URL + "/api/images/2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/images/3")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPing(t *testing.T) {
	srv := newServer(&fakeLifecycle{}, &fakeReader{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
