package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/notify"
)

// Notifier posts trade notifications to a Telegram chat. Delivery problems
// are logged and swallowed so the trading path never blocks on Telegram.
type Notifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *Notifier) Notify(ctx context.Context, accountID string, severity notify.Severity, title, message string) {
	if n.botToken == "" || n.chatID == "" {
		return
	}

	text := prefix(severity) + " " + title
	if accountID != "" {
		text += " [" + accountID + "]"
	}
	if message != "" {
		text += "\n" + message
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	body := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notification failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Msg("telegram rejected notification")
	}
}

func prefix(severity notify.Severity) string {
	switch severity {
	case notify.SeverityCritical:
		return "🚨"
	case notify.SeverityWarn:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
