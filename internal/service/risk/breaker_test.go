package risk

import (
	"testing"
	"time"

	"signaltrader/internal/ledger/memory"
)

func TestBreakerRatchetsOnLossesOnly(t *testing.T) {
	b := NewBreaker(memory.NewStore())
	profile := testProfile()

	if tripped, err := b.RecordRealizedPnl("acct-1", profile, -800); err != nil || tripped {
		t.Fatalf("tripped=%v err=%v after 800 loss with 2000 limit", tripped, err)
	}
	// a win does not pay the counter back down
	if tripped, err := b.RecordRealizedPnl("acct-1", profile, 5000); err != nil || tripped {
		t.Fatalf("tripped=%v err=%v on profit", tripped, err)
	}
	c, err := b.Today("acct-1", profile)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if c.RealizedLossUsdt != 800 {
		t.Fatalf("counter = %v, want 800 (profits ignored)", c.RealizedLossUsdt)
	}

	tripped, err := b.RecordRealizedPnl("acct-1", profile, -1300)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !tripped {
		t.Fatalf("2100 total loss should trip a 2000 limit")
	}
	if got, _ := b.IsTripped("acct-1", profile); !got {
		t.Fatalf("breaker should report tripped")
	}
}

func TestBreakerResetsAtLocalMidnight(t *testing.T) {
	b := NewBreaker(memory.NewStore())
	profile := testProfile()
	profile.Timezone = "America/New_York"

	// 23:30 in New York on June 1st
	now := time.Date(2025, 6, 2, 3, 30, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	if _, err := b.RecordRealizedPnl("acct-1", profile, -2500); err != nil {
		t.Fatalf("record: %v", err)
	}
	if tripped, _ := b.IsTripped("acct-1", profile); !tripped {
		t.Fatalf("should be tripped before midnight")
	}

	// one hour later it is June 2nd locally; a fresh counter applies
	now = now.Add(time.Hour)
	if tripped, _ := b.IsTripped("acct-1", profile); tripped {
		t.Fatalf("new local day should clear the breaker")
	}
}

func TestBreakerCounterAtLimitTripsAfterRestart(t *testing.T) {
	store := memory.NewStore()
	profile := testProfile()

	// simulate accumulated losses persisted without the tripped flag
	date := NewBreaker(store).TradingDate(profile)
	if _, err := store.AddRealizedLoss("acct-1", date, 2000); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	b := NewBreaker(store)
	if tripped, err := b.IsTripped("acct-1", profile); err != nil || !tripped {
		t.Fatalf("tripped=%v err=%v, counter at limit must trip", tripped, err)
	}
}

func TestBreakerManualTripAndReset(t *testing.T) {
	b := NewBreaker(memory.NewStore())
	profile := testProfile()

	if err := b.Trip("acct-1", profile); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if tripped, _ := b.IsTripped("acct-1", profile); !tripped {
		t.Fatalf("manual trip ignored")
	}
	if err := b.Reset("acct-1", profile); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if tripped, _ := b.IsTripped("acct-1", profile); tripped {
		t.Fatalf("manual reset ignored")
	}
}

func TestBreakerDisabledWithoutLimit(t *testing.T) {
	b := NewBreaker(memory.NewStore())
	profile := testProfile()
	profile.DailyLossLimitUsdt = 0

	if _, err := b.RecordRealizedPnl("acct-1", profile, -1e9); err != nil {
		t.Fatalf("record: %v", err)
	}
	if tripped, _ := b.IsTripped("acct-1", profile); tripped {
		t.Fatalf("zero limit disables the breaker")
	}
}
