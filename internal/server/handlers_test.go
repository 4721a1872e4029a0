package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/geostash/geostash/internal/config"
	"github.com/geostash/geostash/internal/pipeline"
	"github.com/geostash/geostash/internal/queue"
	"github.com/geostash/geostash/internal/spatial"
)

const cabinKML = `<kml><Placemark><name>Cabin</name><Point><coordinates>-122,45</coordinates></Point></Placemark></kml>`

type alwaysReady struct{}

func (alwaysReady) Readiness() bool { return true }

func newTestAPI(t *testing.T) (http.Handler, *queue.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	cells, err := spatial.New(8)
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}
	store, err := queue.New(ctx, mr.Addr(), cells, 5)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{MaxUploadBytes: 1 << 20}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Routes(cfg, logger, Deps{
		Store: store,
		Conv:  pipeline.New(pipeline.Options{}),
		Ready: alwaysReady{},
	})
	return h, store
}

func multipartUpload(t *testing.T, filename string, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(body); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, h http.Handler, filename string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	buf, ctype := multipartUpload(t, filename, body)
	req := httptest.NewRequest(http.MethodPost, "/uploads", buf)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleUpload(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doUpload(t, h, "cabin.kml", []byte(cabinKML))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == 0 || resp.Status != queue.StatusQueued || resp.Duplicate {
		t.Fatalf("response = %+v", resp)
	}
	if resp.RawSourceHash == "" {
		t.Fatal("raw source hash missing from response")
	}
}

func TestHandleUpload_Duplicate(t *testing.T) {
	h, _ := newTestAPI(t)

	first := doUpload(t, h, "cabin.kml", []byte(cabinKML))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first upload status = %d", first.Code)
	}
	second := doUpload(t, h, "renamed.kml", []byte(cabinKML))
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate upload status = %d, want 200", second.Code)
	}
	var a, b uploadResponse
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if !b.Duplicate || b.ID != a.ID {
		t.Fatalf("duplicate response = %+v, want existing item %d", b, a.ID)
	}
}

func TestHandleUpload_UnsupportedExtension(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doUpload(t, h, "notes.txt", []byte("hello"))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestHandleUpload_MissingFileField(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader("plain body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUpload_EmptyFile(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doUpload(t, h, "cabin.kml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	h, store := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	item, _, err := store.Enqueue(ctx, []byte(cabinKML), "cabin.kml", "alice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/uploads/%d", item.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var got queue.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if got.ID != item.ID || got.Status != queue.StatusQueued {
		t.Fatalf("item = %+v", got)
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/uploads/999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleStatus_BadID(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/uploads/not-a-number", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	h, store := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	item, _, err := store.Enqueue(ctx, []byte(cabinKML), "cabin.kml", "alice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/uploads/%d", item.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandleCancel_AfterClaim(t *testing.T) {
	h, store := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	item, _, err := store.Enqueue(ctx, []byte(cabinKML), "cabin.kml", "alice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/uploads/%d", item.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleImport_NotCompleted(t *testing.T) {
	h, store := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	item, _, err := store.Enqueue(ctx, []byte(cabinKML), "cabin.kml", "alice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/uploads/%d/import", item.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleImport_CompletedItem(t *testing.T) {
	h, store := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	item, _, err := store.Enqueue(ctx, []byte(cabinKML), "cabin.kml", "alice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, raw, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	res, err := pipeline.New(pipeline.Options{}).Convert(raw, claimed.OriginalFilename)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if err := store.WriteResult(ctx, claimed.ID, res.Collection, res.Identity, res.Diagnostics); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/uploads/%d/import", item.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var got queue.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if got.Status != queue.StatusImported {
		t.Fatalf("status = %s, want imported", got.Status)
	}
}

func TestHandleConvert(t *testing.T) {
	h, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/convert?filename=cabin.kml", strings.NewReader(cabinKML))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp convertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Collection.Features) != 1 || resp.Identity == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHandleConvert_Malformed(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/convert?filename=broken.kml", strings.NewReader("<kml><Placemark>"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestHandleConvert_MissingFilename(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(cabinKML))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFeaturesByCell_Empty(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/features/8828308281fffff", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q, want empty array", rec.Body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}
