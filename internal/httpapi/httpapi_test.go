// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/jamesross/imagegen-broker/internal/fleet"
	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/objectstore"
	"github.com/jamesross/imagegen-broker/internal/registry"
	"github.com/jamesross/imagegen-broker/internal/store"
)

type fakeProber struct {
	capacity int
	err      error
}

func (f *fakeProber) Probe(ctx context.Context) error { return f.err }
func (f *fakeProber) AvailableCapacity(ctx context.Context) (int, error) {
	return f.capacity, nil
}

func newTestServer(t *testing.T, probers map[string]fleet.Prober) (*Server, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(store.New(rdb), "submissions_queue")
	objStore, err := objectstore.NewLocalStore(config.ObjectStore{StaticDir: t.TempDir(), BaseURL: "http://localhost:8080"})
	require.NoError(t, err)

	fv := fleet.New(probers, 0)
	log, err := obs.NewLogger("error")
	require.NoError(t, err)
	cfg := &config.Config{Dispatch: config.Dispatch{DefaultAvgSeconds: 10}}

	return New(reg, objStore, fv, cfg, log), reg
}

func multipartUpload(t *testing.T, field, filename string, data []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandleUploadCreatesJobAndEnqueuesSubmission(t *testing.T) {
	s, reg := newTestServer(t, map[string]fleet.Prober{})
	body, contentType := multipartUpload(t, "image", "in.png", []byte("bytes"), map[string]string{"workflow_path": "custom.json"})

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)

	job, ok, err := reg.Get(context.Background(), resp.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusQueued, job.Status)
	require.Equal(t, "custom.json", job.WorkflowPath)

	qlen, err := reg.SubmissionQueueLen(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, qlen)
}

func TestHandleUploadRejectsMissingImageField(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("workflow_path", "x.json"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResultReflectsJobStatus(t *testing.T) {
	s, reg := newTestServer(t, map[string]fleet.Prober{})
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, registry.Job{ID: "job-1", Status: registry.StatusDone, Output: "http://out/x.png", Attempt: 1}))

	req := httptest.NewRequest(http.MethodGet, "/api/result?request_id=job-1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "done", resp.Status)
	require.Equal(t, "http://out/x.png", resp.ImageURL)
}

func TestHandleResultUnknownRequestID(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodGet, "/api/result?request_id=missing", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResultMissingQueryParam(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodGet, "/api/result", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNotifySetsPhoneOnExistingJob(t *testing.T) {
	s, reg := newTestServer(t, map[string]fleet.Prober{})
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, registry.Job{ID: "job-2", Status: registry.StatusQueued, Attempt: 1}))

	form := url.Values{"request_id": {"job-2"}, "phone": {"+15555551234"}}
	req := httptest.NewRequest(http.MethodPost, "/api/notify", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	job, ok, err := reg.Get(ctx, "job-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "+15555551234", job.Phone)
}

func TestHandleNotifyRejectsInvalidPhone(t *testing.T) {
	s, reg := newTestServer(t, map[string]fleet.Prober{})
	require.NoError(t, reg.Create(context.Background(), registry.Job{ID: "job-3", Status: registry.StatusQueued, Attempt: 1}))

	form := url.Values{"request_id": {"job-3"}, "phone": {"not-a-phone"}}
	req := httptest.NewRequest(http.MethodPost, "/api/notify", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNotifyUnknownJob(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	form := url.Values{"request_id": {"ghost"}, "phone": {"+15555551234"}}
	req := httptest.NewRequest(http.MethodPost, "/api/notify", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProgressReturnsJobFields(t *testing.T) {
	s, reg := newTestServer(t, map[string]fleet.Prober{})
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, registry.Job{ID: "job-4", Status: registry.StatusProcessing, Percent: 40, Step: 4, Max: 10, Node: "3", QueueRemaining: 2, Attempt: 1}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-4/progress", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 40, resp.Percent)
	require.Equal(t, "3", resp.Node)
}

func TestHandleHealthzAlwaysOK(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadyzReturnsServiceUnavailableWithNoIdleBackends(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{"b1": &fakeProber{capacity: 5}})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["error"])
}

func TestHandleReadyzReturnsOKWithIdleBackend(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{"b1": &fakeProber{capacity: 0}})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ready", resp["status"])
}

func TestRequestIDMiddlewareEchoesProvidedHeader(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	s, _ := newTestServer(t, map[string]fleet.Prober{})
	req := httptest.NewRequest(http.MethodOptions, "/api/result", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
