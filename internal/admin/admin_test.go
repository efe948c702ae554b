package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeOps struct {
	conns    []string
	channels []string
}

func (f fakeOps) Connections() []string      { return f.conns }
func (f fakeOps) BroadcastChannels() []string { return f.channels }

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealthzIsAlwaysOpen(t *testing.T) {
	r := NewRouter(Config{}, fakeOps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestConnectionsRequiresTokenWhenConfigured(t *testing.T) {
	r := NewRouter(Config{Token: "secret"}, fakeOps{conns: []string{"a", "b"}})

	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/connections", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/connections", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with correct token = %d, want 200", rec.Code)
	}
	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body["connections"]) != 2 {
		t.Errorf("connections = %v, want 2 entries", body["connections"])
	}
}

func TestBroadcastChannelsWithoutToken(t *testing.T) {
	r := NewRouter(Config{}, fakeOps{channels: []string{"news"}})

	req := httptest.NewRequest(http.MethodGet, "/broadcast/channels", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body["channels"]) != 1 || body["channels"][0] != "news" {
		t.Errorf("channels = %v, want [news]", body["channels"])
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	r := NewRouter(Config{}, fakeOps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}
