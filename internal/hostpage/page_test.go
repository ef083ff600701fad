package hostpage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/pier39_pixel/internal/bootstrap"
	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/pixel"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

const loaderSnippet = `
window.pier39 = window.pier39 || function () {
  (window.pier39.q = window.pier39.q || []).push(arguments);
};
`

type recordingFacade struct {
	mu  sync.Mutex
	ids []string
}

func (f *recordingFacade) TrackAsync(_ context.Context, _ string, data pixel.EventData) <-chan error {
	f.mu.Lock()
	f.ids = append(f.ids, data.EventID)
	f.mu.Unlock()
	ch := make(chan error)
	close(ch)
	return ch
}

func (f *recordingFacade) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func testLogger() (*logging.Logger, *logging.Recorder) {
	rec := logging.NewRecorder()
	return logging.New("hostpage-test", logging.WithHandlers(rec)), rec
}

func TestPage_Environment(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New("https://shop.test/thanks?sessionId=s1",
		WithUserAgent("agent/1"),
		WithClock(func() time.Time { return now }),
	)
	if p.URL() != "https://shop.test/thanks?sessionId=s1" || p.UserAgent() != "agent/1" || !p.Now().Equal(now) {
		t.Errorf("page = %q %q %v", p.URL(), p.UserAgent(), p.Now())
	}
	if err := p.Run(`if (location.href.indexOf("sessionId=s1") < 0 || navigator.userAgent !== "agent/1") { throw new Error("bad globals") }`); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestPage_Run(t *testing.T) {
	p := New("https://shop.test/", WithTimeout(50*time.Millisecond))

	if err := p.Run(`throw new Error("nope")`); err == nil {
		t.Error("Run() should surface script errors")
	}
	if err := p.Run(`while (true) {}`); !errors.Is(err, ErrScriptTimeout) {
		t.Errorf("Run() infinite loop error = %v, want ErrScriptTimeout", err)
	}
	if err := p.Run(`var ok = 1;`); err != nil {
		t.Errorf("Run() after timeout error = %v", err)
	}
	big := make([]byte, maxScriptSize+1)
	for i := range big {
		big[i] = ' '
	}
	if err := p.Run(string(big)); !errors.Is(err, ErrScriptTooLarge) {
		t.Errorf("Run() large script error = %v", err)
	}
}

func TestPage_Config(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    config.PixelConfig
		wantErr bool
	}{
		{name: "absent", script: ``, want: config.PixelConfig{Environment: "development"}},
		{
			name:   "full",
			script: `var Pier39Config = { isTestMode: true, environment: "staging" };`,
			want:   config.PixelConfig{IsTestMode: true, Environment: "staging"},
		},
		{
			name:   "partial",
			script: `window.Pier39Config = { isTestMode: true };`,
			want:   config.PixelConfig{IsTestMode: true, Environment: "development"},
		},
		{
			name:   "unknown environment is passed through",
			script: `var Pier39Config = { environment: "qa" };`,
			want:   config.PixelConfig{Environment: "qa"},
		},
		{name: "wrong type", script: `var Pier39Config = { environment: 5 };`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("https://shop.test/")
			if err := p.Run(tt.script); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got, err := p.Config()
			if tt.wantErr {
				if err == nil {
					t.Error("Config() expected error")
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Config() = %+v, %v, want %+v", got, err, tt.want)
			}
		})
	}
}

func TestPage_InstallDrainsQueue(t *testing.T) {
	logger, rec := testLogger()
	p := New("https://shop.test/", WithLogger(logger))
	b := bootstrap.New(logger)

	if err := p.Run(loaderSnippet + `
pier39("track", "conversion", { eventId: "q1" });
pier39("track", "conversion", { eventId: "q2", test: true });
`); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if err := p.Install(b); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if b.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", b.Pending())
	}

	if err := p.Run(`
pier39("track", "conversion", { eventId: "live1" });
pier39("identify", "someone");
pier39();
`); err != nil {
		t.Fatalf("Run() after install error = %v", err)
	}
	if b.Pending() != 3 {
		t.Errorf("pending = %d, want 3", b.Pending())
	}
	if len(rec.Level(logging.LevelWarn)) != 2 {
		t.Errorf("warn logs = %d, want 2", len(rec.Level(logging.LevelWarn)))
	}

	f := &recordingFacade{}
	b.Ready(f)
	b.Wait()
	got := f.calls()
	want := []string{"q1", "q2", "live1"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPage_InstallWithoutQueue(t *testing.T) {
	logger, _ := testLogger()
	p := New("https://shop.test/", WithLogger(logger))
	b := bootstrap.New(logger)
	if err := p.Install(b); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := p.Run(`if (Pier39PixelObject !== "pier39") { throw new Error("missing pixel object") }`); err != nil {
		t.Error(err)
	}
	if b.Pending() != 0 {
		t.Errorf("pending = %d", b.Pending())
	}
}

func TestPage_EntryPointNeverThrows(t *testing.T) {
	logger, _ := testLogger()
	p := New("https://shop.test/", WithLogger(logger))
	b := bootstrap.New(logger)
	_ = p.Install(b)
	b.Load(context.Background(), func(context.Context) (bootstrap.Facade, error) {
		return nil, errors.New("script failed to load")
	})
	<-b.Done()

	err := p.Run(`
pier39("track", "conversion", { eventId: "x" });
pier39("track", "conversion", null);
pier39(undefined, 1, 2, 3);
`)
	if err != nil {
		t.Errorf("entry point threw: %v", err)
	}
	if b.State() != bootstrap.StateBuffering || b.Pending() != 1 {
		t.Errorf("state = %v, pending = %d", b.State(), b.Pending())
	}
}

func TestPage_Console(t *testing.T) {
	logger, rec := testLogger()
	p := New("https://shop.test/", WithLogger(logger))
	if err := p.Run(`console.log("hello", 1); console.warn("careful"); console.error("bad");`); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := rec.Find("hello 1"); !ok {
		t.Error("console.log not forwarded")
	}
	if len(rec.Level(logging.LevelWarn)) != 1 || len(rec.Level(logging.LevelError)) != 1 {
		t.Error("console levels not mapped")
	}
}

// TestPage_EndToEnd runs the page snippet, bootstrap, SDK and delivery client
// against a local collector.
func TestPage_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var received []delivery.TrackingEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev delivery.TrackingEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"tracked": true, "eventId": ev.EventID, "timestamp": 1},
		})
	}))
	defer srv.Close()

	logger, _ := testLogger()
	page := New("https://shop.test/thanks?sessionId=sess-9", WithLogger(logger), WithUserAgent("e2e-agent"))
	if err := page.Run(`var Pier39Config = { environment: "staging" };` + loaderSnippet + `
pier39("track", "conversion", { eventId: "order-1" });
pier39("track", "conversion", { eventId: "order-2", test: true });
`); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := bootstrap.New(logger)
	if err := page.Install(b); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	pc, err := page.Config()
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	resolver := session.NewResolver(session.NewJar(), page.URL, session.Config{})
	if _, err := resolver.Initialize(context.Background()); err != nil {
		t.Fatalf("session Initialize() error = %v", err)
	}

	var sdk *pixel.SDK
	initializer := pixel.NewInitializer()
	b.Load(context.Background(), func(context.Context) (bootstrap.Facade, error) {
		s, err := initializer.Initialize(pixel.InitConfig{
			Pixel:    pc,
			Logger:   logger,
			Sessions: resolver,
			Page:     page,
			Client:   []delivery.Option{delivery.WithTrackingURL(srv.URL)},
		})
		if err != nil {
			return nil, err
		}
		sdk = s
		return s, nil
	})
	<-b.Done()
	b.Wait()
	sdk.Wait()

	if b.State() != bootstrap.StateLive {
		t.Fatalf("state = %v, want live", b.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("collector received %d events, want 1 (test event must not be sent)", len(received))
	}
	got := received[0]
	if got.EventID != "order-1" || got.SessionID != "sess-9" || got.UserAgent != "e2e-agent" || got.PixelVersion != pixel.PixelVersion {
		t.Errorf("received = %+v", got)
	}
}

func TestPage_UnknownEnvironmentStaysBuffering(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"tracked": true}})
	}))
	defer srv.Close()

	logger, rec := testLogger()
	page := New("https://shop.test/thanks", WithLogger(logger))
	if err := page.Run(`var Pier39Config = { environment: "qa" };` + loaderSnippet + `
pier39("track", "conversion", { eventId: "queued-1" });
pier39("track", "conversion", { eventId: "queued-2" });
`); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := bootstrap.New(logger)
	if err := page.Install(b); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	pc, err := page.Config()
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if pc.Environment != "qa" {
		t.Fatalf("environment = %q, want qa", pc.Environment)
	}

	initializer := pixel.NewInitializer()
	b.Load(context.Background(), func(context.Context) (bootstrap.Facade, error) {
		return initializer.Initialize(pixel.InitConfig{
			Pixel:  pc,
			Logger: logger,
			Page:   page,
			Client: []delivery.Option{delivery.WithTrackingURL(srv.URL)},
		})
	})
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish")
	}

	if err := page.Run(`pier39("track", "conversion", { eventId: "after-failure" });`); err != nil {
		t.Errorf("entry point threw after failed load: %v", err)
	}
	b.Wait()

	if b.State() != bootstrap.StateBuffering {
		t.Errorf("state = %v, want buffering", b.State())
	}
	if b.Pending() != 3 {
		t.Errorf("pending = %d, want 3", b.Pending())
	}
	if initializer.Instance() != nil {
		t.Error("an SDK was created for an unknown environment")
	}
	if _, ok := rec.Find("Invalid environment"); !ok {
		t.Error("invalid environment was not logged")
	}
	if _, ok := rec.Find("initialization failed"); !ok {
		t.Error("load failure was not logged")
	}
	mu.Lock()
	defer mu.Unlock()
	if requests != 0 {
		t.Errorf("collector received %d requests, want 0", requests)
	}
}
