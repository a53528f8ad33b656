package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
)

const cleanupThreshold = 500

// Deduper rejects repeated signals inside a time window. The hash covers
// only the trade-relevant fields, so formatting or whitespace variations of
// the same instruction collapse to one digest. CANCEL signals use a shorter
// window keyed on symbol alone.
type Deduper struct {
	enabled      bool
	window       time.Duration
	cancelWindow time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

func NewDeduper(enabled bool, window, cancelWindow time.Duration) *Deduper {
	return &Deduper{
		enabled:      enabled,
		window:       window,
		cancelWindow: cancelWindow,
		logger:       log.With().Str("component", "signal_dedup").Logger(),
		seen:         make(map[string]time.Time),
		now:          time.Now,
	}
}

// Hash returns the deterministic dedup digest of a signal. The receive time
// is bucketed by the dedup window so the identical instruction re-delivered
// inside the window hashes identically.
func (d *Deduper) Hash(sig domain.TradeSignal) string {
	bucket := int64(0)
	if d.window > 0 && !sig.ReceivedAt.IsZero() {
		bucket = sig.ReceivedAt.UTC().Truncate(d.window).Unix()
	}
	targets := make([]string, 0, len(sig.TakeProfits))
	for _, tp := range sig.TakeProfits {
		targets = append(targets, strconv.FormatFloat(tp, 'f', -1, 64))
	}
	raw := strings.Join([]string{
		sig.Symbol,
		string(sig.Action),
		string(sig.Side),
		strconv.FormatFloat(sig.EntryPriceLow, 'f', -1, 64),
		strconv.FormatFloat(sig.EntryPriceHigh, 'f', -1, 64),
		strconv.FormatFloat(sig.StopLoss, 'f', -1, 64),
		strings.Join(targets, "/"),
		strconv.FormatInt(bucket, 10),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether sig was already seen inside its window. It
// does not record the signal; use Remember or CheckAndRemember for that.
func (d *Deduper) IsDuplicate(sig domain.TradeSignal) bool {
	if !d.enabled {
		return false
	}
	key, window := d.keyFor(sig)
	d.mu.Lock()
	defer d.mu.Unlock()
	first, ok := d.seen[key]
	return ok && d.now().Sub(first) < window
}

// Remember records sig as seen now.
func (d *Deduper) Remember(sig domain.TradeSignal) {
	if !d.enabled {
		return
	}
	key, _ := d.keyFor(sig)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.now()
	d.cleanupLocked()
}

// CheckAndRemember atomically checks the window and records the signal,
// so two concurrent deliveries of the same payload cannot both pass.
func (d *Deduper) CheckAndRemember(sig domain.TradeSignal) bool {
	if !d.enabled {
		return false
	}
	key, window := d.keyFor(sig)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.seen[key]; ok && now.Sub(first) < window {
		d.logger.Warn().
			Str("hash", shortHash(key)).
			Str("symbol", sig.Symbol).
			Dur("elapsed", now.Sub(first)).
			Msg("duplicate signal rejected")
		return true
	}
	d.seen[key] = now
	d.cleanupLocked()
	return false
}

func (d *Deduper) keyFor(sig domain.TradeSignal) (string, time.Duration) {
	if sig.Action == domain.ActionCancel {
		return "CANCEL|" + sig.Symbol, d.cancelWindow
	}
	return d.Hash(sig), d.window
}

// cleanupLocked drops expired entries once the map grows past the threshold.
func (d *Deduper) cleanupLocked() {
	if len(d.seen) <= cleanupThreshold {
		return
	}
	now := d.now()
	removed := 0
	for k, t := range d.seen {
		if now.Sub(t) > d.window && now.Sub(t) > d.cancelWindow {
			delete(d.seen, k)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Debug().Int("removed", removed).Int("remaining", len(d.seen)).Msg("dedup cache cleaned")
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
