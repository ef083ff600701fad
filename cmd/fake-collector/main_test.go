package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/logging"
)

func newTestCollector(cfg config.FakeCollector) (*collector, *logging.Recorder) {
	rec := logging.NewRecorder()
	return newCollector(cfg, logging.New("fake-collector-test", logging.WithHandlers(rec))), rec
}

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, delivery.ResponseEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/conversion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env delivery.ResponseEnvelope
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not an envelope: %v (%s)", err, w.Body.String())
		}
	}
	return w, env
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 4, "this..."},
		{"", 3, ""},
		{"héllo", 2, "h..."},
		{"日本語", 4, "日..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandleConversion_UnreadableBody(t *testing.T) {
	c, rec := newTestCollector(config.FakeCollector{})
	req := httptest.NewRequest(http.MethodPost, "/conversion", failingReader{})
	w := httptest.NewRecorder()
	newRouter(c).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	entry, ok := rec.Find("failed to read conversion body")
	if !ok {
		t.Fatal("read failure was not logged")
	}
	if entry.Fields["error"] == nil {
		t.Errorf("log entry has no error field: %+v", entry.Fields)
	}
}

func TestHealthzHandler(t *testing.T) {
	c, _ := newTestCollector(config.FakeCollector{})
	w := httptest.NewRecorder()
	newRouter(c).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsHandler(t *testing.T) {
	c, _ := newTestCollector(config.FakeCollector{})
	r := newRouter(c)
	post(t, r, `{"eventId":"m1"}`)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "fake_collector_requests_total") {
		t.Errorf("metrics = %d, missing collector counter", w.Code)
	}
}

func TestHandleConversion(t *testing.T) {
	c, _ := newTestCollector(config.FakeCollector{FailFirstN: 1, RejectFirstN: 1})
	r := newRouter(c)
	body := `{"eventId":"e1","sessionId":"s1","test":false,"timestamp":1,"pixelVersion":"1.0.0"}`

	w, _ := post(t, r, body)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("first request status = %d, want 500", w.Code)
	}

	w, env := post(t, r, body)
	if w.Code != http.StatusOK || env.Success || env.Errors["collector"] == "" {
		t.Errorf("second request = %d %+v, want rejection envelope", w.Code, env)
	}

	w, env = post(t, r, body)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("third request = %d %+v, want success", w.Code, env)
	}
	var data delivery.TrackConversionResponse
	if err := json.Unmarshal(env.Data, &data); err != nil || !data.Tracked || data.EventID != "e1" {
		t.Errorf("data = %+v, %v", data, err)
	}
}

func TestHandleConversion_Invalid(t *testing.T) {
	c, _ := newTestCollector(config.FakeCollector{})
	r := newRouter(c)

	_, env := post(t, r, `{"sessionId":"s1"}`)
	if env.Success || env.Errors["eventId"] != "required" {
		t.Errorf("missing eventId envelope = %+v", env)
	}
	_, env = post(t, r, `not json`)
	if env.Success || env.Message != "invalid JSON payload" {
		t.Errorf("invalid body envelope = %+v", env)
	}
}

// TestCollectorWithDeliveryClient drives the collector with the real client to
// check both sides agree on the envelope.
func TestCollectorWithDeliveryClient(t *testing.T) {
	c, _ := newTestCollector(config.FakeCollector{FailFirstN: 2})
	srv := httptest.NewServer(newRouter(c))
	defer srv.Close()

	client := delivery.NewClient(config.Environments["development"],
		logging.New("client-test", logging.WithHandlers(logging.NewRecorder())),
		delivery.WithTrackingURL(srv.URL+"/conversion"),
		delivery.WithBaseDelay(0),
	)
	resp, err := client.TrackConversion(context.Background(), delivery.TrackingEvent{EventID: "e2e", PixelVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("TrackConversion() error = %v", err)
	}
	if !resp.Tracked || resp.EventID != "e2e" {
		t.Errorf("response = %+v", resp)
	}

	c2, _ := newTestCollector(config.FakeCollector{RejectFirstN: 10})
	srv2 := httptest.NewServer(newRouter(c2))
	defer srv2.Close()
	client2 := delivery.NewClient(config.Environments["development"],
		logging.New("client-test", logging.WithHandlers(logging.NewRecorder())),
		delivery.WithTrackingURL(srv2.URL+"/conversion"),
		delivery.WithBaseDelay(0),
	)
	_, err = client2.TrackConversion(context.Background(), delivery.TrackingEvent{EventID: "e2e"})
	var apiErr *delivery.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "rejected by fake collector" {
		t.Errorf("error = %v, want rejection APIError", err)
	}
}
