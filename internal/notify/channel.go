package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// errPermanent marks a delivery failure that another attempt cannot fix,
// a 4xx provider response. The retry policy aborts on it and the channel
// records send_failed after the single attempt.
var errPermanent = errors.New("permanent delivery failure")

// statusError classifies a provider HTTP status. 4xx wraps errPermanent;
// anything else stays retryable.
func statusError(provider string, status int) error {
	if status >= 400 && status < 500 {
		return fmt.Errorf("%s responded %d: %w", provider, status, errPermanent)
	}
	return fmt.Errorf("%s responded %d", provider, status)
}

// Rendered is a channel-agnostic notification body.
type Rendered struct {
	Subject string
	Body    string
}

// Channel delivers a rendered notification to one destination. Destinations
// are channel-specific: an email address, a telegram chat id, or a pagerduty
// routing key.
type Channel interface {
	Service() models.ServiceType
	Deliver(ctx context.Context, destination string, alert models.ActiveAlert, msg Rendered) error
}
