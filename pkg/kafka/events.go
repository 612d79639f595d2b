package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultAlertTopic is the topic alert lifecycle events are published to.
const DefaultAlertTopic = "alert_events"

// Alert lifecycle actions
const (
	AlertActionActivated = "activated"
	AlertActionResolved  = "resolved"
)

// AlertEvent is the wire form of an alert lifecycle change. Consumers outside
// the backend (billing, status pages) subscribe to these; delivery is
// best-effort and never blocks alerting itself.
type AlertEvent struct {
	AlertID        uuid.UUID `json:"alert_id"`
	Action         string    `json:"action"`
	Kind           string    `json:"kind"`
	OrganizationID int64     `json:"organization_id"`
	MachineID      string    `json:"machine_id,omitempty"`
	NodeName       string    `json:"node_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AlertPublisher serializes and produces alert events. A nil publisher is
// valid and drops all events.
type AlertPublisher struct {
	producer *Producer
	topic    string
	logger   *logrus.Logger
}

// NewAlertPublisher creates a publisher on the given producer and topic
func NewAlertPublisher(producer *Producer, topic string, logger *logrus.Logger) *AlertPublisher {
	if topic == "" {
		topic = DefaultAlertTopic
	}
	return &AlertPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish emits one alert event. Errors are logged, not returned: the alert
// state machine must not depend on broker availability.
func (p *AlertPublisher) Publish(ctx context.Context, event AlertEvent) {
	if p == nil || p.producer == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal alert event")
		return
	}
	if err := p.producer.Produce(ctx, p.topic, []byte(event.AlertID.String()), payload); err != nil {
		p.logger.WithError(err).WithField("alert_id", event.AlertID).Warn("Failed to publish alert event")
	}
}
