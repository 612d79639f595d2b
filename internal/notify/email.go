package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/ivy-net/ivynet-backend/pkg/email"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// EmailChannel delivers notifications over SMTP.
type EmailChannel struct {
	sender *email.Sender
}

func NewEmailChannel(sender *email.Sender) *EmailChannel {
	return &EmailChannel{sender: sender}
}

func (c *EmailChannel) Service() models.ServiceType {
	return models.ServiceEmail
}

func (c *EmailChannel) Deliver(ctx context.Context, destination string, _ models.ActiveAlert, msg Rendered) error {
	body := "<pre>" + htmlEscape(msg.Body) + "</pre>"
	if err := c.sender.SendMail(ctx, destination, msg.Subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
