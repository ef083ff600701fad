package delivery

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// TrackingEvent is the conversion record POSTed to the collector
type TrackingEvent struct {
	EventID      string `json:"eventId"`
	SessionID    string `json:"sessionId,omitempty"`
	Test         bool   `json:"test"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
	URL          string `json:"url,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`
	PixelVersion string `json:"pixelVersion"`
}

// TrackConversionResponse is the data a collector returns for an accepted conversion
type TrackConversionResponse struct {
	Tracked   bool   `json:"tracked"`
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`

	// Raw is the envelope data exactly as received
	Raw json.RawMessage `json:"-"`
}

// ResponseEnvelope wraps every collector reply
type ResponseEnvelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// usable reports whether the envelope carries a result
func (e ResponseEnvelope) usable() bool {
	return e.Success && !isNull(e.Data)
}

// failureMessage picks the field errors (sorted by field name), then the
// message, then a generic text.
func (e ResponseEnvelope) failureMessage() string {
	if len(e.Errors) > 0 {
		keys := make([]string, 0, len(e.Errors))
		for k := range e.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		msgs := make([]string, 0, len(keys))
		for _, k := range keys {
			msgs = append(msgs, e.Errors[k])
		}
		return strings.Join(msgs, ", ")
	}
	if e.Message != "" {
		return e.Message
	}
	return "Something went wrong"
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
