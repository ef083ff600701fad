package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "test-service",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
		{
			name:        "create logger with complex service name",
			serviceName: "pier39-pixel-v1.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
			if len(logger.handlers) != 1 {
				t.Errorf("New() handlers = %d, want the default JSON handler", len(logger.handlers))
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Error("WithContext() TraceID/SpanID should be set with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogger_WithFieldsAndPlain(t *testing.T) {
	logger := New("test-service", WithMetadata(map[string]any{"environment": "staging"}))

	entry := logger.WithFields(map[string]any{"count": 42})
	if entry.Fields["count"] != 42 {
		t.Errorf("WithFields() Fields[count] = %v, want 42", entry.Fields["count"])
	}
	if entry.Metadata["environment"] != "staging" {
		t.Errorf("WithFields() Metadata = %v", entry.Metadata)
	}

	if got := logger.WithFields(nil); got.Fields != nil {
		t.Error("WithFields(nil) Fields should stay nil")
	}

	plain := logger.Plain()
	if plain.Fields == nil || len(plain.Fields) != 0 {
		t.Errorf("Plain() Fields = %v, want empty map", plain.Fields)
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:    "WithTraceID",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithTraceID("trace-123") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-123" {
					t.Errorf("TraceID = %q, want trace-123", e.TraceID)
				}
			},
		},
		{
			name:    "WithEvent",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithEvent("evt-789") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EventID != "evt-789" {
					t.Errorf("EventID = %q, want evt-789", e.EventID)
				}
			},
		},
		{
			name:    "WithDelivery",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithDelivery("dlv-abc") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.DeliveryID != "dlv-abc" {
					t.Errorf("DeliveryID = %q, want dlv-abc", e.DeliveryID)
				}
			},
		},
		{
			name: "chained methods",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithEvent("evt-1").WithDelivery("dlv-1").WithField("attempt", 2)
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EventID != "evt-1" || e.DeliveryID != "dlv-1" || e.Fields["attempt"] != 2 {
					t.Errorf("chained entry = %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()

			result := tt.setupFn(entry)

			if result != entry {
				t.Error("Fluent method should return same LogEntry instance")
			}
			tt.checkFn(t, entry)
		})
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "with error", err: fmt.Errorf("test error message")},
		{name: "with nil error", err: nil},
		{name: "with wrapped error", err: fmt.Errorf("wrapped: %w", errors.New("original error"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()
			entry.WithError(tt.err)

			if tt.err != nil {
				if entry.Fields["error"] != tt.err.Error() {
					t.Errorf("WithError() Fields[\"error\"] = %v, want %v", entry.Fields["error"], tt.err.Error())
				}
			} else if _, ok := entry.Fields["error"]; ok {
				t.Error("WithError() should not add error field for nil error")
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name          string
		setupFn       func(*LogEntry)
		expectedLevel LogLevel
		expectedMsg   string
	}{
		{"Debug", func(e *LogEntry) { e.Debug("debug message") }, LevelDebug, "debug message"},
		{"Debugf", func(e *LogEntry) { e.Debugf("debug %s %d", "formatted", 123) }, LevelDebug, "debug formatted 123"},
		{"Info", func(e *LogEntry) { e.Info("info message") }, LevelInfo, "info message"},
		{"Infof", func(e *LogEntry) { e.Infof("info %s", "formatted") }, LevelInfo, "info formatted"},
		{"Warn", func(e *LogEntry) { e.Warn("warn message") }, LevelWarn, "warn message"},
		{"Warnf", func(e *LogEntry) { e.Warnf("warn %d", 456) }, LevelWarn, "warn 456"},
		{"Error", func(e *LogEntry) { e.Error("error message") }, LevelError, "error message"},
		{"Errorf", func(e *LogEntry) { e.Errorf("error %v", true) }, LevelError, "error true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("test-service", WithHandlers(NewJSONHandler(&buf)))

			tt.setupFn(logger.Plain().WithField("test", "value"))

			var logged LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &logged); err != nil {
				t.Fatalf("Failed to parse JSON output %q: %v", buf.String(), err)
			}
			if logged.Level != tt.expectedLevel {
				t.Errorf("Log Level = %q, want %q", logged.Level, tt.expectedLevel)
			}
			if logged.Message != tt.expectedMsg {
				t.Errorf("Log Message = %q, want %q", logged.Message, tt.expectedMsg)
			}
			if logged.Service != "test-service" {
				t.Errorf("Log Service = %q, want %q", logged.Service, "test-service")
			}
			if logged.Fields["test"] != "value" {
				t.Errorf("Log Fields = %v", logged.Fields)
			}
		})
	}
}

func TestLogger_FanOut(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	logger := New("test-service", WithHandlers(first, second), WithMetadata(map[string]any{"isTestMode": true}))

	logger.Plain().Info("hello")

	for i, r := range []*Recorder{first, second} {
		entries := r.Entries()
		if len(entries) != 1 {
			t.Fatalf("handler %d got %d entries, want 1", i, len(entries))
		}
		if entries[0].Metadata["isTestMode"] != true {
			t.Errorf("handler %d metadata = %v", i, entries[0].Metadata)
		}
	}
}

func TestLogger_HandlerIsolation(t *testing.T) {
	tests := []struct {
		name    string
		failing Handler
		wantMsg string
	}{
		{
			name:    "handler returns error",
			failing: HandlerFunc(func(LogEntry) error { return errors.New("disk full") }),
			wantMsg: "disk full",
		},
		{
			name:    "handler panics",
			failing: HandlerFunc(func(LogEntry) error { panic("boom") }),
			wantMsg: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errOut bytes.Buffer
			after := NewRecorder()
			logger := New("test-service", WithHandlers(tt.failing, after), WithErrorOutput(&errOut))

			logger.Plain().Error("still delivered")

			if len(after.Entries()) != 1 {
				t.Error("handler after a failing one did not receive the entry")
			}
			if !strings.Contains(errOut.String(), tt.wantMsg) {
				t.Errorf("error output = %q, want it to mention %q", errOut.String(), tt.wantMsg)
			}
		})
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	rec := NewRecorder()
	logger := New("test-service", WithHandlers(rec), WithLevel(LevelWarn))

	logger.Plain().Debug("d")
	logger.Plain().Info("i")
	logger.Plain().Warn("w")
	logger.Plain().Error("e")

	if got := len(rec.Entries()); got != 2 {
		t.Errorf("recorded %d entries, want 2 (warn and error)", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{" error ", LevelError},
		{"fatal", LevelFatal},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service",
		WithHandlers(NewConsoleHandler(&buf)),
		WithMetadata(map[string]any{"environment": "development"}),
	)

	logger.Plain().WithEvent("evt-1").WithField("url", "https://shop.example").Warn("Request failed")

	out := buf.String()
	for _, want := range []string{"[WARN] Request failed", "event_id=evt-1", "url=https://shop.example", "meta.environment=development"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output %q missing %q", out, want)
		}
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	logger := New("test-service", WithHandlers(rec))

	logger.Plain().Info("Tracking conversion event")
	logger.Plain().Error("Failed to track conversion")

	if _, ok := rec.Find("Failed to track"); !ok {
		t.Error("Find() did not locate error entry")
	}
	if got := len(rec.Level(LevelError)); got != 1 {
		t.Errorf("Level(error) = %d entries, want 1", got)
	}
	rec.Reset()
	if len(rec.Entries()) != 0 {
		t.Error("Reset() did not clear entries")
	}
}

func TestGlobalFunctions(t *testing.T) {
	if e := WithContext(context.Background()); e.Service != defaultLogger.service {
		t.Errorf("Global WithContext() Service = %q, want %q", e.Service, defaultLogger.service)
	}
	if e := WithFields(map[string]any{"key": "value"}); e.Fields["key"] != "value" {
		t.Errorf("Global WithFields() Fields = %v", e.Fields)
	}
	if e := Plain(); e.Service != defaultLogger.service {
		t.Errorf("Global Plain() Service = %q, want %q", e.Service, defaultLogger.service)
	}
}

func TestSetDefaultService(t *testing.T) {
	originalService := defaultLogger.service
	defer func() {
		defaultLogger.service = originalService
	}()

	SetDefaultService("custom-service")
	if entry := Plain(); entry.Service != "custom-service" {
		t.Errorf("Plain() after SetDefaultService() Service = %q, want custom-service", entry.Service)
	}
}
