package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultHTTPClient}
}

// Send posts the title in bold followed by message.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": content}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
