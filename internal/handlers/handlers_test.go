package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/currency-check/internal/analysis"
	"github.com/example/currency-check/internal/upload"
	"github.com/example/currency-check/internal/usecase"
)

type testServer struct {
	router    *gin.Engine
	uploadDir string
	marker    string
}

// newTestServer wires the real pipeline with /bin/sh running script as the
// analyzer. The script first touches a marker file so tests can tell whether it ran.
func newTestServer(t *testing.T, script string, gate *analysis.Gate) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	marker := filepath.Join(dir, "spawned")
	scriptPath := filepath.Join(dir, "detector.sh")
	body := "touch '" + marker + "'\n" + script
	if err := os.WriteFile(scriptPath, []byte(body), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	uploadDir := filepath.Join(dir, "uploads")
	receiver, err := upload.NewReceiver(uploadDir)
	if err != nil {
		t.Fatalf("failed to create receiver: %v", err)
	}
	invoker := analysis.NewInvoker(analysis.InvokerConfig{
		Command:   "/bin/sh",
		Script:    scriptPath,
		Timeout:   2 * time.Second,
		WaitDelay: 100 * time.Millisecond,
	}, zap.NewNop())
	if gate == nil {
		gate = analysis.NewGate(4, time.Second)
	}
	uc := usecase.NewCheckUseCase(receiver, gate, invoker, analysis.NewExtractor(""), zap.NewNop(), usecase.Options{})

	router := gin.New()
	router.Use(CORS([]string{"*"}))
	RegisterRoutes(router, uc)
	return &testServer{router: router, uploadDir: uploadDir, marker: marker}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) spawned() bool {
	_, err := os.Stat(s.marker)
	return err == nil
}

func buildMultipartBody(t *testing.T, field, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	} else if err := writer.WriteField("note", "no image here"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func checkRequest(t *testing.T, field string) *http.Request {
	t.Helper()
	body, contentType := buildMultipartBody(t, field, "test.jpg", []byte("\xff\xd8\xff\xe0fake-jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/api/check-currency", body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode body %q: %v", resp.Body.String(), err)
	}
	return decoded
}

func assertError(t *testing.T, resp *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if resp.Code != status {
		t.Fatalf("expected status %d, got %d body: %s", status, resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if len(body) != 1 || body["error"] != message {
		t.Fatalf("expected only error %q, got %v", message, body)
	}
}

func assertUploadsCleaned(t *testing.T, s *testServer) {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		t.Fatalf("failed to read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected uploads to be removed, found %d files", len(entries))
	}
}

func TestCheckCurrencyReturnsVerdictAfterDiagnosticLines(t *testing.T) {
	s := newTestServer(t, `echo "Loading model..."; echo '{"is_real": false, "confidence": 87.3}'`, nil)

	resp := s.do(checkRequest(t, "image"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if len(body) != 2 || body["is_real"] != false || body["confidence"] != 87.3 {
		t.Fatalf("unexpected body: %v", body)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	assertUploadsCleaned(t, s)
}

func TestCheckCurrencyPassesExtraFieldsThrough(t *testing.T) {
	s := newTestServer(t, `echo '{"is_real": true, "confidence": 64.0, "model_version": "2024-03"}'`, nil)

	resp := s.do(checkRequest(t, "image"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["model_version"] != "2024-03" || body["is_real"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCheckCurrencyProcessExitFailure(t *testing.T) {
	s := newTestServer(t, `echo '{"is_real": true, "confidence": 99}'; echo ModuleNotFoundError >&2; exit 1`, nil)

	resp := s.do(checkRequest(t, "image"))

	assertError(t, resp, http.StatusInternalServerError, MessageAnalysisFailed)
	if bytes.Contains(resp.Body.Bytes(), []byte("ModuleNotFoundError")) {
		t.Fatal("stderr must not reach the client")
	}
	assertUploadsCleaned(t, s)
}

func TestCheckCurrencyMissingFile(t *testing.T) {
	s := newTestServer(t, `echo '{"is_real": true, "confidence": 99}'`, nil)

	resp := s.do(checkRequest(t, ""))

	assertError(t, resp, http.StatusBadRequest, MessageNoFile)
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a request id on the 400 response")
	}
	if s.spawned() {
		t.Fatal("analyzer must not run without a file")
	}
}

func TestCheckCurrencyNonMultipartBody(t *testing.T) {
	s := newTestServer(t, `echo '{"is_real": true, "confidence": 99}'`, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/check-currency", bytes.NewBufferString(`{"image": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := s.do(req)

	assertError(t, resp, http.StatusBadRequest, MessageNoFile)
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a request id on the 400 response")
	}
	if s.spawned() {
		t.Fatal("analyzer must not run without a file")
	}
}

func TestCheckCurrencyHumanReadableOutputOnly(t *testing.T) {
	s := newTestServer(t, `echo "Processing..."`, nil)

	resp := s.do(checkRequest(t, "image"))

	assertError(t, resp, http.StatusInternalServerError, MessageInvalidResponse)
	assertUploadsCleaned(t, s)
}

func TestCheckCurrencyEmptyOutput(t *testing.T) {
	s := newTestServer(t, `true`, nil)

	resp := s.do(checkRequest(t, "image"))

	assertError(t, resp, http.StatusInternalServerError, MessageInvalidResponse)
}

func TestCheckCurrencyTimeout(t *testing.T) {
	s := newTestServer(t, `exec sleep 10`, nil)

	start := time.Now()
	resp := s.do(checkRequest(t, "image"))
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Fatalf("expected the request to finish after the timeout, took %v", elapsed)
	}

	assertError(t, resp, http.StatusInternalServerError, MessageAnalysisFailed)
	assertUploadsCleaned(t, s)
}

func TestCheckCurrencyBusy(t *testing.T) {
	gate := analysis.NewGate(1, 0)
	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to occupy gate: %v", err)
	}
	defer release()
	s := newTestServer(t, `echo '{"is_real": true, "confidence": 99}'`, gate)

	resp := s.do(checkRequest(t, "image"))

	assertError(t, resp, http.StatusServiceUnavailable, MessageBusy)
	if s.spawned() {
		t.Fatal("analyzer must not run when the gate is full")
	}
	assertUploadsCleaned(t, s)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, `true`, nil)

	resp := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["status"] != "OK" || body["message"] != HealthMessage {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestResultAndMetricsWithoutStorage(t *testing.T) {
	s := newTestServer(t, `true`, nil)

	resp := s.do(httptest.NewRequest(http.MethodGet, "/api/result/unknown", nil))
	assertError(t, resp, http.StatusNotFound, "result not found")

	resp = s.do(httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assertError(t, resp, http.StatusNotFound, "history disabled")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, `true`, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/check-currency", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := s.do(req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "missing input", err: upload.ErrMissingInput, status: http.StatusBadRequest, message: MessageNoFile},
		{name: "process exit", err: &analysis.ProcessError{Reason: analysis.ReasonExit, ExitCode: 2}, status: http.StatusInternalServerError, message: MessageAnalysisFailed},
		{name: "timeout", err: &analysis.ProcessError{Reason: analysis.ReasonTimeout, Err: errors.New("deadline")}, status: http.StatusInternalServerError, message: MessageAnalysisFailed},
		{name: "no payload", err: analysis.ErrNoPayload, status: http.StatusInternalServerError, message: MessageInvalidResponse},
		{name: "invalid payload", err: analysis.ErrInvalidPayload, status: http.StatusInternalServerError, message: MessageInvalidResponse},
		{name: "busy", err: analysis.ErrServiceBusy, status: http.StatusServiceUnavailable, message: MessageBusy},
		{name: "unknown", err: errors.New("disk full"), status: http.StatusInternalServerError, message: MessageAnalysisFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := MapError(tc.err)
			if status != tc.status || body.Error != tc.message {
				t.Fatalf("MapError(%v) = %d %q, want %d %q", tc.err, status, body.Error, tc.status, tc.message)
			}
		})
	}
}
