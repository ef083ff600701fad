package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/austindbirch/pier39_pixel/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a level name to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	case LevelFatal:
		return LevelFatal
	default:
		return LevelInfo
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	logger *Logger
}

// Handler receives every entry a Logger emits. A returned error or a panic is
// contained to that handler.
type Handler interface {
	Handle(entry LogEntry) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(entry LogEntry) error

func (f HandlerFunc) Handle(entry LogEntry) error { return f(entry) }

// Logger provides structured logging with trace correlation, fanned out to handlers
type Logger struct {
	service  string
	handlers []Handler
	metadata map[string]any
	minLevel LogLevel
	errOut   io.Writer
}

// Option configures a Logger
type Option func(*Logger)

// WithHandlers replaces the default stdout JSON handler
func WithHandlers(handlers ...Handler) Option {
	return func(l *Logger) { l.handlers = handlers }
}

// WithMetadata attaches metadata shared by every entry
func WithMetadata(md map[string]any) Option {
	return func(l *Logger) { l.metadata = md }
}

// WithLevel drops entries below the given level
func WithLevel(level LogLevel) Option {
	return func(l *Logger) { l.minLevel = level }
}

// WithErrorOutput sets where handler failures are reported
func WithErrorOutput(w io.Writer) Option {
	return func(l *Logger) { l.errOut = w }
}

// New creates a new structured logger for the given service
func New(service string, opts ...Option) *Logger {
	l := &Logger{
		service:  service,
		minLevel: LevelDebug,
		errOut:   os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.handlers == nil {
		l.handlers = []Handler{NewJSONHandler(os.Stdout)}
	}
	return l
}

// Metadata returns the metadata attached to every entry
func (l *Logger) Metadata() map[string]any {
	return l.metadata
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:     time.Now().UTC(),
		Service:  l.service,
		Fields:   fields,
		Metadata: l.metadata,
		logger:   l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(make(map[string]any))

	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		entry.SpanID = spanID
	}

	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(make(map[string]any))
}

func (l *Logger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// dispatch hands the entry to every handler. One failing handler never stops
// the others and never reaches the caller.
func (l *Logger) dispatch(e LogEntry) {
	for _, h := range l.handlers {
		l.safeHandle(h, e)
	}
}

func (l *Logger) safeHandle(h Handler, e LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(l.errOut, "logger handler error: %v\n", r)
		}
	}()
	if err := h.Handle(e); err != nil {
		fmt.Fprintf(l.errOut, "logger handler error: %v\n", err)
	}
}

// Fluent interface methods for LogEntry

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithEvent sets the conversion event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Log methods

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	if !l.enabled(level) {
		return
	}
	e.Level = level
	e.Message = message
	// Clean up empty fields
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	l.dispatch(*e)
}

// Global convenience functions

var defaultLogger = New("pier39-pixel")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
