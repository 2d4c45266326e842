package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/olegsm/document-processor/internal/core/domain"
)

type fakeJobService struct {
	enqueued   []domain.DocumentRef
	enqueueErr error
	statusErr  error
	cancelErr  error
	snapshot   domain.JobSnapshot
}

func (f *fakeJobService) Enqueue(_ context.Context, doc domain.DocumentRef, ownerID string, cfg domain.JobConfig) (*domain.Job, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, doc)
	return &domain.Job{
		ID:         "job-1",
		DocumentID: doc.ID,
		BlobKey:    doc.BlobKey,
		Filename:   doc.Filename,
		OwnerID:    ownerID,
		Status:     domain.JobQueued,
		Stage:      domain.StageValidate,
		Config:     cfg,
	}, nil
}

func (f *fakeJobService) Status(_ context.Context, jobID string) (domain.JobSnapshot, error) {
	if f.statusErr != nil {
		return domain.JobSnapshot{}, f.statusErr
	}
	snapshot := f.snapshot
	if snapshot.ID == "" {
		snapshot.ID = jobID
	}
	return snapshot, nil
}

func (f *fakeJobService) Cancel(_ context.Context, _, _ string) error {
	return f.cancelErr
}

type fakeStorage struct {
	saved   map[string][]byte
	saveErr error
	openErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{saved: make(map[string][]byte)}
}

func (f *fakeStorage) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.saved[key] = b
	return nil
}

func (f *fakeStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	b, ok := f.saved[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open", fmt.Errorf("key=%s", key))
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeStorage) Delete(_ context.Context, key string) error {
	delete(f.saved, key)
	return nil
}

func multipartUpload(t *testing.T, filename, content, config string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if config != "" {
		if err := writer.WriteField("config", config); err != nil {
			t.Fatalf("write config field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestSubmitJobAccepted(t *testing.T) {
	svc := &fakeJobService{}
	storage := newFakeStorage()
	handler := NewRouter(svc, storage, nil, Options{}).Handler()

	body, contentType := multipartUpload(t, "report.txt", "hello world", `{"keyword_count": 5}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(userIDHeader, "alice")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if len(svc.enqueued) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(svc.enqueued))
	}
	if svc.enqueued[0].Filename != "report.txt" {
		t.Fatalf("unexpected filename %q", svc.enqueued[0].Filename)
	}
	if len(storage.saved) != 1 {
		t.Fatalf("uploaded bytes not stored")
	}

	var snapshot domain.JobSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snapshot.Status != domain.JobQueued {
		t.Fatalf("expected queued snapshot, got %s", snapshot.Status)
	}
}

func TestSubmitJobRequiresUserHeader(t *testing.T) {
	handler := NewRouter(&fakeJobService{}, newFakeStorage(), nil, Options{}).Handler()

	body, contentType := multipartUpload(t, "report.txt", "hello", "")
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSubmitJobRejectsMalformedConfig(t *testing.T) {
	handler := NewRouter(&fakeJobService{}, newFakeStorage(), nil, Options{}).Handler()

	body, contentType := multipartUpload(t, "report.txt", "hello", "{not json")
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(userIDHeader, "alice")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestGetJobMapsNotFound(t *testing.T) {
	svc := &fakeJobService{
		statusErr: domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("id=missing")),
	}
	handler := NewRouter(svc, newFakeStorage(), nil, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestCancelJobMapsOwnershipError(t *testing.T) {
	svc := &fakeJobService{
		cancelErr: domain.WrapError(domain.ErrNotOwner, "cancel job", fmt.Errorf("requester=bob")),
	}
	handler := NewRouter(svc, newFakeStorage(), nil, Options{}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	req.Header.Set(userIDHeader, "bob")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestGetJobResultStreamsBundle(t *testing.T) {
	storage := newFakeStorage()
	storage.saved["results/job-1.json"] = []byte(`{"keywords":[]}`)
	svc := &fakeJobService{
		snapshot: domain.JobSnapshot{
			ID:        "job-1",
			Status:    domain.JobCompleted,
			ResultRef: "results/job-1.json",
		},
	}
	handler := NewRouter(svc, storage, nil, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/result", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "keywords") {
		t.Fatalf("unexpected body %q", res.Body.String())
	}
}

func TestGetJobResultConflictWhileRunning(t *testing.T) {
	svc := &fakeJobService{
		snapshot: domain.JobSnapshot{ID: "job-1", Status: domain.JobRunning},
	}
	handler := NewRouter(svc, newFakeStorage(), nil, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/result", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}
