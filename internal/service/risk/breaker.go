package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
)

// Breaker is the per-account daily loss circuit breaker. Realized losses
// ratchet a counter upward during the trading day; once the counter reaches
// the account's limit no new entries are accepted until the next local
// midnight (or a manual reset). Profits never lower the counter.
type Breaker struct {
	store  ledger.Store
	logger zerolog.Logger

	now func() time.Time
}

func NewBreaker(store ledger.Store) *Breaker {
	return &Breaker{
		store:  store,
		logger: log.With().Str("component", "loss_breaker").Logger(),
		now:    time.Now,
	}
}

// TradingDate returns the YYYY-MM-DD day the account is currently in,
// evaluated in the account's configured timezone. Counters reset simply by
// keying on a new date after local midnight.
func (b *Breaker) TradingDate(profile domain.RiskProfile) string {
	loc, err := time.LoadLocation(profile.Timezone)
	if err != nil || profile.Timezone == "" {
		loc = time.UTC
	}
	return b.now().In(loc).Format("2006-01-02")
}

// IsTripped reports whether the account may not open new positions today.
// A counter at or above the limit trips the breaker even if the tripped
// flag was never persisted (e.g. after a restart mid-day).
func (b *Breaker) IsTripped(accountID string, profile domain.RiskProfile) (bool, error) {
	if profile.DailyLossLimitUsdt <= 0 {
		return false, nil
	}
	date := b.TradingDate(profile)
	c, err := b.store.DailyLoss(accountID, date)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load daily loss counter: %w", err)
	}
	if c.BreakerTripped {
		return true, nil
	}
	if c.RealizedLossUsdt >= profile.DailyLossLimitUsdt {
		if err := b.store.SetBreakerTripped(accountID, date, true); err != nil {
			b.logger.Error().Err(err).Str("account", accountID).Msg("failed to persist breaker trip")
		}
		return true, nil
	}
	return false, nil
}

// RecordRealizedPnl folds a realized trade result into today's counter.
// Only losses move the counter; the return value reports whether this
// result tripped the breaker.
func (b *Breaker) RecordRealizedPnl(accountID string, profile domain.RiskProfile, netPnl float64) (bool, error) {
	if netPnl >= 0 {
		return false, nil
	}
	date := b.TradingDate(profile)
	c, err := b.store.AddRealizedLoss(accountID, date, -netPnl)
	if err != nil {
		return false, fmt.Errorf("record realized loss: %w", err)
	}
	b.logger.Info().
		Str("account", accountID).
		Str("date", date).
		Float64("loss", -netPnl).
		Float64("total", c.RealizedLossUsdt).
		Msg("realized loss recorded")

	if profile.DailyLossLimitUsdt > 0 && c.RealizedLossUsdt >= profile.DailyLossLimitUsdt && !c.BreakerTripped {
		if err := b.store.SetBreakerTripped(accountID, date, true); err != nil {
			return true, fmt.Errorf("trip breaker: %w", err)
		}
		b.logger.Warn().
			Str("account", accountID).
			Float64("total_loss", c.RealizedLossUsdt).
			Float64("limit", profile.DailyLossLimitUsdt).
			Msg("daily loss limit reached, trading halted for the day")
		return true, nil
	}
	return false, nil
}

// Trip manually halts the account for today. Used by the ops API.
func (b *Breaker) Trip(accountID string, profile domain.RiskProfile) error {
	return b.store.SetBreakerTripped(accountID, b.TradingDate(profile), true)
}

// Reset clears the tripped flag for today. The accumulated counter is left
// alone: if losses are already past the limit the next check trips again,
// so a reset only matters together with a raised limit.
func (b *Breaker) Reset(accountID string, profile domain.RiskProfile) error {
	return b.store.SetBreakerTripped(accountID, b.TradingDate(profile), false)
}

// Today returns the current counter row, zero-valued if none exists yet.
func (b *Breaker) Today(accountID string, profile domain.RiskProfile) (domain.DailyLossCounter, error) {
	date := b.TradingDate(profile)
	c, err := b.store.DailyLoss(accountID, date)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.DailyLossCounter{AccountID: accountID, TradingDate: date}, nil
	}
	return c, err
}
