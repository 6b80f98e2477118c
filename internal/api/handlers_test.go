package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/control"
	"github.com/hatlabs/halpid/internal/power"
)

func newTestServer(t *testing.T) (*Server, *bus.Simulated) {
	t.Helper()
	sim := bus.NewSimulated()
	store := config.NewStore(config.Default())
	sup := power.NewSupervisor(sim, store, nil)
	sup.Tick(time.Unix(0, 0))
	endpoint := control.New(sim, store, sup)
	return New(endpoint, "/tmp/unused.sock", ""), sim
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestGetValues(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/values", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "input_voltage")
}

func TestGetValuesUnknownKey(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/values/nonsense", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /values/nonsense: status %d, want 404", rec.Code)
	}
}

func TestUSBPortRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPut, "/usb/1", []byte(`{"enabled": true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /usb/1: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/usb/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /usb/1: status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["enabled"] != true {
		t.Errorf("body = %v, want enabled=true", body)
	}
}

func TestUSBPortOutOfRangeIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/usb/9", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /usb/9: status %d, want 404", rec.Code)
	}
}

func TestConfigValuePutValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPut, "/config/blackout_voltage_limit", []byte(`{"value": 999}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT out-of-range config value: status %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodPut, "/config/blackout_voltage_limit", []byte(`{"value": 10.5}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT valid config value: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestPostShutdown(t *testing.T) {
	s, sim := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/shutdown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /shutdown: status %d, body %s", rec.Code, rec.Body.String())
	}
	if sim.ShutdownCount != 1 {
		t.Fatalf("ShutdownCount = %d, want 1", sim.ShutdownCount)
	}
}

func TestPostStandbyNegativeDelayIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/standby", []byte(`{"delay": -5}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /standby negative delay: status %d, want 400", rec.Code)
	}
}

func TestPostStandbyDelayAccepted(t *testing.T) {
	s, sim := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/standby", []byte(`{"delay": 30}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /standby: status %d, body %s", rec.Code, rec.Body.String())
	}
	if sim.LastStandbySecs != 30 {
		t.Fatalf("LastStandbySecs = %d, want 30", sim.LastStandbySecs)
	}
}

func TestPostFlashMissingField(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/flash", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /flash with no multipart body: status %d, want 400", rec.Code)
	}
}

func TestPostFlashHappyPath(t *testing.T) {
	s, sim := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("firmware", "image.bin")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	data := make([]byte, 4096)
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write firmware body: %v", err)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/flash", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if written, _ := sim.DFUBlocksWritten(); written == 1 {
				sim.SetDFUStatus(4) // ReadyToCommit
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /flash: status %d, body %s", rec.Code, rec.Body.String())
	}
	if sim.DFUCommits != 1 {
		t.Fatalf("DFUCommits = %d, want 1", sim.DFUCommits)
	}
}
