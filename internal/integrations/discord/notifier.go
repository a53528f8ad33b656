package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/notify"
)

const (
	colorInfo     = 0x2ecc71
	colorWarn     = 0xf1c40f
	colorCritical = 0xe74c3c
)

// Notifier sends embed alerts to a Discord webhook. Severity maps to the
// embed color; transient delivery errors retry a bounded number of times.
type Notifier struct {
	webhookURL string
	maxRetries uint64
	client     *http.Client
}

func NewNotifier(webhookURL string, timeout time.Duration, maxRetries int) *Notifier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Notifier{
		webhookURL: webhookURL,
		maxRetries: uint64(maxRetries),
		client:     &http.Client{Timeout: timeout},
	}
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) Notify(ctx context.Context, accountID string, severity notify.Severity, title, message string) {
	if n.webhookURL == "" {
		return
	}

	e := embed{
		Title:       title,
		Description: message,
		Color:       severityColor(severity),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	footer := "signal trader"
	if accountID != "" {
		footer += " | " + accountID
	}
	e.Footer.Text = footer

	payload, err := json.Marshal(map[string]any{"embeds": []embed{e}})
	if err != nil {
		return
	}

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("discord returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("discord rejected webhook: status %d", resp.StatusCode))
		}
		return nil
	}

	err = backoff.Retry(send, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx))
	if err != nil {
		log.Warn().Err(err).Str("title", title).Msg("discord notification failed")
	}
}

func severityColor(severity notify.Severity) int {
	switch severity {
	case notify.SeverityCritical:
		return colorCritical
	case notify.SeverityWarn:
		return colorWarn
	default:
		return colorInfo
	}
}
