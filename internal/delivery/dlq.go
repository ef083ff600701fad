package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
)

const DLQType = "conversion.dropped"

// DeadLetter reports a conversion that was dropped after its retries ran out.
// It is an operator signal only; nothing re-delivers it.
type DeadLetter struct {
	Type         string            `json:"type"`    // "conversion.dropped"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the conversion was dropped
	Reason       string            `json:"reason"`  // classified failure reason
	DeliveryID   string            `json:"delivery_id"`
	Attempts     int               `json:"attempts"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Event        TrackingEvent     `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(e TrackingEvent, deliveryID string, attempts, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		DeliveryID: deliveryID,
		Attempts:   attempts,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Event:      e,
	}
}

// Publisher receives dead letters
type Publisher interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

// NSQPublisher publishes dead letters to an nsq topic
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQPublisher connects a producer to nsqd at addr
func NewNSQPublisher(addr, topic string) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for DLQ creation failed: %w", err)
	}
	return &NSQPublisher{producer: prod, topic: topic}, nil
}

func (p *NSQPublisher) Publish(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.topic, b)
}

// Ping checks the nsqd connection
func (p *NSQPublisher) Ping() error {
	return p.producer.Ping()
}

func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}
