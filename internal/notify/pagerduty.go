package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel delivers through the Events v2 API. The destination is an
// integration routing key; the alert's fingerprint id doubles as the dedup
// key so re-sends collapse into one incident.
type PagerDutyChannel struct {
	endpoint string
	client   *http.Client
}

func NewPagerDutyChannel() *PagerDutyChannel {
	return &PagerDutyChannel{
		endpoint: pagerDutyEventsURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *PagerDutyChannel) Service() models.ServiceType {
	return models.ServicePagerDuty
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary   string `json:"summary"`
	Source    string `json:"source"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
}

func severityFor(kind models.AlertKind) string {
	switch kind {
	case models.KindMachineNotResponding, models.KindNodeNotResponding,
		models.KindNoMachineHeartbeat, models.KindNoNodeHeartbeat,
		models.KindNoClientHeartbeat, models.KindNeedsImmediateUpdate:
		return "critical"
	case models.KindNodeNotRunning, models.KindUnregisteredFromActiveSet:
		return "error"
	default:
		return "warning"
	}
}

func (c *PagerDutyChannel) Deliver(ctx context.Context, destination string, alert models.ActiveAlert, msg Rendered) error {
	source := alert.NodeName
	if source == "" {
		source = alert.MachineID.String()
	}
	payload, err := json.Marshal(pagerDutyEvent{
		RoutingKey:  destination,
		EventAction: "trigger",
		DedupKey:    alert.AlertID.String(),
		Payload: pagerDutyPayload{
			Summary:   msg.Subject,
			Source:    source,
			Severity:  severityFor(alert.Alert.Kind),
			Timestamp: alert.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("encode pagerduty event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send pagerduty event: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusAccepted {
		return statusError("pagerduty", resp.StatusCode)
	}
	return nil
}
