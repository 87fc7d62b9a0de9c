package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"relayd/internal/core"
	"relayd/internal/files"
)

func newTestServer(t *testing.T) (*Server, *core.State, *files.Manager) {
	t.Helper()

	state := core.NewState()
	fm, err := files.NewManager(filepath.Join(t.TempDir(), "uploads"), state, nil, func() time.Duration { return 24 * time.Hour })
	if err != nil {
		t.Fatalf("new file manager: %v", err)
	}
	return New(state, fm, nil), state, fm
}

func TestHealthAndState(t *testing.T) {
	t.Parallel()

	api, state, _ := newTestServer(t)

	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	sess := state.Add(server)
	state.AssignName(sess, "alice")

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Clients != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	stateResp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer stateResp.Body.Close()
	if stateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/state, got %d", stateResp.StatusCode)
	}
	var got stateResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got.Clients != 1 || len(got.Users) != 1 || got.Users[0] != "alice" {
		t.Fatalf("unexpected state payload: %#v", got)
	}
}

func multipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("uploader", "alice"); err != nil {
		t.Fatalf("write uploader field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestFileUploadAndDownload(t *testing.T) {
	t.Parallel()

	api, _, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	payload := []byte("quarterly numbers")
	body, contentType := multipartBody(t, "report.xls", payload)

	uploadResp, err := http.Post(ts.URL+"/api/files", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/files: %v", err)
	}
	defer uploadResp.Body.Close()
	if uploadResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", uploadResp.StatusCode)
	}
	var created fileUploadResponse
	if err := json.NewDecoder(uploadResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if created.Filename != "report.xls" || created.Uploader != "alice" || created.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected upload response: %#v", created)
	}

	downloadResp, err := http.Get(ts.URL + "/api/files/" + created.ID)
	if err != nil {
		t.Fatalf("GET /api/files/%s: %v", created.ID, err)
	}
	defer downloadResp.Body.Close()
	if downloadResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", downloadResp.StatusCode)
	}
	got, err := io.ReadAll(downloadResp.Body)
	if err != nil {
		t.Fatalf("read download body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestFileUploadRejectsBadExtension(t *testing.T) {
	t.Parallel()

	api, _, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	body, contentType := multipartBody(t, "tool.exe", []byte("MZ"))
	resp, err := http.Post(ts.URL+"/api/files", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/files: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestFileDownloadNotFound(t *testing.T) {
	t.Parallel()

	api, _, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/files/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
