package pixel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/austindbirch/pier39_pixel/internal/delivery"
)

const (
	PixelVersion = "1.0.0"
	PixelName    = "pier39-conversion-pixel"

	// EventTypeConversion is the only event type the pixel reports
	EventTypeConversion = "conversion"

	testSessionID = "test"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrMissingEventID   = errors.New("missing required field: eventId")
)

// EventData is what the host page passes with a track command
type EventData struct {
	EventID   string `json:"eventId"`
	Test      bool   `json:"test,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// EventDataFromMap reads event data from a loosely typed object such as a
// value exported from a JS runtime. Unknown keys are ignored.
func EventDataFromMap(m map[string]any) EventData {
	var d EventData
	if m == nil {
		return d
	}
	d.EventID = stringOf(m["eventId"])
	d.Test = Truthy(m["test"])
	d.Timestamp = int64Of(m["timestamp"])
	d.URL = stringOf(m["url"])
	d.UserAgent = stringOf(m["userAgent"])
	return d
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

// Truthy reports whether v would pass a JavaScript truthiness check
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int64:
		return t != 0
	case int:
		return t != 0
	default:
		return v != nil
	}
}

func int64Of(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// Page is the browsing context an event is tracked from
type Page interface {
	URL() string
	UserAgent() string
	Now() time.Time
}

// Sender delivers a validated event. *delivery.Client implements it.
type Sender interface {
	TrackConversion(ctx context.Context, event delivery.TrackingEvent) (*delivery.TrackConversionResponse, error)
}

// SessionSource resolves the current session id. *session.Resolver implements it.
type SessionSource interface {
	SessionID(ctx context.Context) (string, error)
}
