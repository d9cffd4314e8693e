package notify

import (
	"context"
	"fmt"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts through the Telegram Bot API sendMessage call.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID, client: defaultHTTPClient}
}

// Send posts the title in bold followed by message.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
