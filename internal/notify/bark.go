package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// BarkNotifier sends notifications via Bark app.
type BarkNotifier struct {
	baseURL string
	client  *resty.Client
}

// NewBarkNotifier creates a new Bark notifier. baseURL includes the device key.
func NewBarkNotifier(baseURL string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	return &BarkNotifier{
		baseURL: baseURL,
		client:  resty.New().SetTimeout(10 * time.Second),
	}, nil
}

// Send posts title and body as a form so long messages survive intact.
func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"title": title,
			"body":  body,
			"group": "fogsched",
		}).
		Post(b.baseURL)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode())
	}
	return nil
}
