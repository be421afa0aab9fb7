package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicegw/pkg/gateway/config"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.TranscriptPace = 0
	cfg.ResponsePace = 0
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(context.Background(), cfg, logger, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"code":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthAndMetricsArePublic(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]string{"k": "alice"}
	s, _ := newTestServer(t, cfg)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	s, _ := newTestServer(t, cfg)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_SummaryRequiresBearer(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/summary", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestServer_DrainingReadyz(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.SetDraining()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_SummarySurvivesRestartViaArchive(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveDriver = config.ArchiveDriverSQLite
	cfg.ArchiveDSN = filepath.Join(t.TempDir(), "archive.db")

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	first, err := New(context.Background(), cfg, logger, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(first.Handler())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live?token=alice-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send := func(msgType string, payload map[string]any) {
		t.Helper()
		if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
			t.Fatalf("write %s: %v", msgType, err)
		}
	}
	waitFor := func(msgType string) {
		t.Helper()
		for i := 0; i < 200; i++ {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read while waiting for %s: %v", msgType, err)
			}
			if msg.Type == "error" {
				t.Fatalf("unexpected error frame while waiting for %s", msgType)
			}
			if msg.Type == msgType {
				return
			}
		}
		t.Fatalf("never saw %s", msgType)
	}

	send("session.start", map[string]any{"sessionId": "persisted"})
	waitFor("session.started")
	send("audio.chunk", map[string]any{
		"sessionId":  "persisted",
		"sequence":   0,
		"base64Data": base64.StdEncoding.EncodeToString(make([]byte, 64)),
	})
	waitFor("audio.ack")
	send("audio.end", map[string]any{"sessionId": "persisted"})
	waitFor("session.completed")
	_ = conn.Close()
	ts.Close()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, ts2 := newTestServer(t, cfg)
	req, _ := http.NewRequest(http.MethodGet, ts2.URL+"/api/sessions/persisted/summary", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET summary: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var summary struct {
		SessionID    string   `json:"sessionId"`
		Transcript   string   `json:"transcript"`
		Themes       []string `json:"themes"`
		MicroActions []string `json:"microActions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.SessionID != "persisted" || summary.Transcript == "" {
		t.Fatalf("summary=%+v", summary)
	}
	if len(summary.Themes) == 0 || len(summary.MicroActions) == 0 {
		t.Fatalf("summary missing derived fields: %+v", summary)
	}
}

func TestNew_UnknownEngineFails(t *testing.T) {
	cfg := testConfig()
	cfg.STTEngine = "nope"
	if _, err := New(context.Background(), cfg, nil, Options{}); err == nil {
		t.Fatalf("expected error for unknown stt engine")
	}
}
