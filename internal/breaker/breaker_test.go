package breaker

import (
	"testing"
	"time"

	"tradeguard/internal/events"
	"tradeguard/pkg/config"
)

func testLimits() config.BreakerLimits {
	return config.BreakerLimits{
		RapidLoss: config.BreakerWindow{MaxEvents: 3, WindowMinutes: 30, PauseMinutes: 60},
		ErrorRate: config.BreakerWindow{MaxEvents: 5, WindowMinutes: 15, PauseMinutes: 30},
		Drawdown:  config.DrawdownLimit{MaxDrawdownPct: 0.05, PauseMinutes: 120},
	}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBank(clock *fakeClock) *Bank {
	b := NewBank(testLimits(), nil)
	b.Now = clock.now
	return b
}

func TestRapidLossTripAndLazyRearm(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)

	bank.RecordLoss()
	clock.advance(5 * time.Minute)
	bank.RecordLoss()
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("tripped after 2 losses, threshold is 3")
	}

	clock.advance(5 * time.Minute)
	bank.RecordLoss()
	kind, tripped := bank.Tripped()
	if !tripped || kind != RapidLoss {
		t.Fatalf("want rapid_loss tripped, got %v %v", kind, tripped)
	}

	// Still inside the pause.
	clock.advance(19 * time.Minute) // minute 29 from trip
	if _, tripped := bank.Tripped(); !tripped {
		t.Fatal("breaker cleared before pause elapsed")
	}

	// Past the pause the next check re-arms.
	clock.advance(32 * time.Minute) // minute 61 from trip
	if kind, tripped := bank.Tripped(); tripped {
		t.Fatalf("breaker %v still tripped after pause", kind)
	}
}

func TestRearmClearsEventWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)

	for i := 0; i < 3; i++ {
		bank.RecordLoss()
	}
	if _, tripped := bank.Tripped(); !tripped {
		t.Fatal("want tripped after 3 losses")
	}

	clock.advance(61 * time.Minute)
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("want re-armed after pause")
	}

	// The pre-trip events must not count toward a new trip: two fresh
	// losses stay below the threshold of 3.
	bank.RecordLoss()
	bank.RecordLoss()
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("stale pre-trip events counted after re-arm")
	}
	bank.RecordLoss()
	if _, tripped := bank.Tripped(); !tripped {
		t.Fatal("want tripped on third fresh loss")
	}
}

func TestEventsOutsideWindowDoNotTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)

	bank.RecordLoss()
	clock.advance(31 * time.Minute)
	bank.RecordLoss()
	clock.advance(31 * time.Minute)
	bank.RecordLoss()
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("losses spaced wider than the window must not trip")
	}
}

func TestErrorRateBreakerIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)

	for i := 0; i < 5; i++ {
		bank.RecordError()
	}
	kind, tripped := bank.Tripped()
	if !tripped || kind != ErrorRate {
		t.Fatalf("want error_rate tripped, got %v %v", kind, tripped)
	}

	// Rapid-loss still accepts events and trips on its own schedule.
	for i := 0; i < 3; i++ {
		bank.RecordLoss()
	}
	states := bank.States()
	if states[0].Status != Tripped {
		t.Fatal("rapid_loss should trip independently of error_rate")
	}
}

func TestDrawdownTripsOnBalanceUpdate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)

	bank.UpdateBalance(100000, 96000) // 4%, below 5% limit
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("4% drawdown must not trip a 5% breaker")
	}

	bank.UpdateBalance(100000, 94900) // 5.1%
	kind, tripped := bank.Tripped()
	if !tripped || kind != Drawdown {
		t.Fatalf("want drawdown tripped, got %v %v", kind, tripped)
	}

	// Re-arms after its pause, then trips again if the balance is still
	// below the threshold on the next update.
	clock.advance(121 * time.Minute)
	if _, tripped := bank.Tripped(); tripped {
		t.Fatal("drawdown breaker still tripped after pause")
	}
	bank.UpdateBalance(100000, 94900)
	if _, tripped := bank.Tripped(); !tripped {
		t.Fatal("persisting drawdown must re-trip on the next balance update")
	}
}

func TestTripPublishesEvent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(events.TopicBreakerTrip, 4)
	defer cancel()

	bank := NewBank(testLimits(), bus)
	bank.Now = clock.now
	for i := 0; i < 3; i++ {
		bank.RecordLoss()
	}

	select {
	case env := <-ch:
		if env.Message != string(RapidLoss) {
			t.Fatalf("want rapid_loss trip event, got %q", env.Message)
		}
	default:
		t.Fatal("no trip event published")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bank := newTestBank(clock)
	for i := 0; i < 3; i++ {
		bank.RecordLoss()
	}
	bank.UpdateBalance(100000, 90000)

	restored := newTestBank(clock)
	restored.Restore(bank.States())

	kind, tripped := restored.Tripped()
	if !tripped || kind != RapidLoss {
		t.Fatalf("want rapid_loss tripped after restore, got %v %v", kind, tripped)
	}
	states := restored.States()
	if states[2].Status != Tripped {
		t.Fatal("drawdown state lost across restore")
	}

	// The restored trip time still governs the pause.
	clock.advance(61 * time.Minute)
	if kind, tripped := restored.Tripped(); tripped && kind == RapidLoss {
		t.Fatal("restored rapid_loss breaker did not honor pause expiry")
	}
}
