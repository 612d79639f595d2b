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

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel delivers notifications through a Telegram bot. The
// destination is a chat id the bot has been added to.
type TelegramChannel struct {
	botToken string
	baseURL  string
	client   *http.Client
}

func NewTelegramChannel(botToken string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TelegramChannel) Service() models.ServiceType {
	return models.ServiceTelegram
}

func (c *TelegramChannel) Deliver(ctx context.Context, destination string, _ models.ActiveAlert, msg Rendered) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": destination,
		"text":    msg.Subject + "\n\n" + msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return statusError("telegram", resp.StatusCode)
	}
	return nil
}
