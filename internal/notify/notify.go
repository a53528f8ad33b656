package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Sink receives operator-facing trade notifications. Implementations must
// be safe for concurrent use; delivery failures are logged, never returned
// to the trading path.
type Sink interface {
	Notify(ctx context.Context, accountID string, severity Severity, title, message string)
}

// Multi fans one notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, accountID string, severity Severity, title, message string) {
	for _, s := range m {
		s.Notify(ctx, accountID, severity, title, message)
	}
}

// Nop discards notifications. Used when no sink is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, Severity, string, string) {}

// Log writes notifications to the service log only.
type Log struct{}

func (Log) Notify(_ context.Context, accountID string, severity Severity, title, message string) {
	evt := log.Info()
	switch severity {
	case SeverityWarn:
		evt = log.Warn()
	case SeverityCritical:
		evt = log.Error()
	}
	evt.Str("account", accountID).Str("title", title).Msg(message)
}
