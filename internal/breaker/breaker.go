package breaker

import (
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/events"
	"tradeguard/pkg/config"
)

// Status of a single breaker.
type Status string

const (
	Armed   Status = "ARMED"
	Tripped Status = "TRIPPED"
)

// Kind names the three breakers in the bank.
type Kind string

const (
	RapidLoss Kind = "rapid_loss"
	ErrorRate Kind = "error_rate"
	Drawdown  Kind = "drawdown"
)

// StateSnapshot is the persistable part of one breaker. Thresholds and
// windows come from configuration at startup; only the dynamic state is
// saved and restored.
type StateSnapshot struct {
	Kind      Kind        `json:"kind"`
	Status    Status      `json:"status"`
	Events    []time.Time `json:"events,omitempty"`
	TrippedAt time.Time   `json:"tripped_at,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// windowBreaker counts qualifying events in a sliding window. Transitions are
// ARMED -> TRIPPED on the threshold-th event inside the window, and TRIPPED ->
// ARMED only lazily, the first time it is checked at or after trip+pause.
// There is no timer: resets happen on the validate path so they are
// deterministic under a fake clock.
type windowBreaker struct {
	kind      Kind
	threshold int
	window    time.Duration
	pause     time.Duration

	status    Status
	events    []time.Time
	trippedAt time.Time
	reason    string
}

func newWindowBreaker(kind Kind, w config.BreakerWindow) *windowBreaker {
	return &windowBreaker{
		kind:      kind,
		threshold: w.MaxEvents,
		window:    time.Duration(w.WindowMinutes) * time.Minute,
		pause:     time.Duration(w.PauseMinutes) * time.Minute,
		status:    Armed,
	}
}

// record appends an event and trips if the window fills. Returns true on a
// fresh trip.
func (b *windowBreaker) record(now time.Time) bool {
	b.maybeRearm(now)
	if b.status == Tripped {
		return false
	}

	b.events = append(b.events, now)
	b.prune(now)
	if len(b.events) >= b.threshold {
		b.status = Tripped
		b.trippedAt = now
		b.reason = fmt.Sprintf("%d events in %v", len(b.events), b.window)
		return true
	}
	return false
}

// check returns the current status after applying the lazy re-arm rule.
// Returns true as the second value when this call performed the re-arm.
func (b *windowBreaker) check(now time.Time) (Status, bool) {
	rearmed := b.maybeRearm(now)
	return b.status, rearmed
}

func (b *windowBreaker) maybeRearm(now time.Time) bool {
	if b.status == Tripped && !now.Before(b.trippedAt.Add(b.pause)) {
		b.status = Armed
		b.events = nil
		b.trippedAt = time.Time{}
		b.reason = ""
		return true
	}
	return false
}

func (b *windowBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	b.events = b.events[i:]
}

func (b *windowBreaker) snapshot() StateSnapshot {
	return StateSnapshot{
		Kind:      b.kind,
		Status:    b.status,
		Events:    append([]time.Time(nil), b.events...),
		TrippedAt: b.trippedAt,
		Reason:    b.reason,
	}
}

func (b *windowBreaker) restore(s StateSnapshot) {
	b.status = s.Status
	b.events = append([]time.Time(nil), s.Events...)
	b.trippedAt = s.TrippedAt
	b.reason = s.Reason
}

// drawdownBreaker trips on peak-to-current balance drop. Unlike the window
// breakers it re-evaluates its condition on every balance update, not only on
// discrete events, but shares the same lazy re-arm rule.
type drawdownBreaker struct {
	maxPct float64
	pause  time.Duration

	status    Status
	trippedAt time.Time
	reason    string
}

func (b *drawdownBreaker) update(peak, current float64, now time.Time) bool {
	b.maybeRearm(now)
	if b.status == Tripped || peak <= 0 {
		return false
	}
	dd := (peak - current) / peak
	if dd >= b.maxPct {
		b.status = Tripped
		b.trippedAt = now
		b.reason = fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", dd*100, b.maxPct*100)
		return true
	}
	return false
}

func (b *drawdownBreaker) check(now time.Time) (Status, bool) {
	rearmed := b.maybeRearm(now)
	return b.status, rearmed
}

func (b *drawdownBreaker) maybeRearm(now time.Time) bool {
	if b.status == Tripped && !now.Before(b.trippedAt.Add(b.pause)) {
		b.status = Armed
		b.trippedAt = time.Time{}
		b.reason = ""
		return true
	}
	return false
}

func (b *drawdownBreaker) snapshot() StateSnapshot {
	return StateSnapshot{Kind: Drawdown, Status: b.status, TrippedAt: b.trippedAt, Reason: b.reason}
}

func (b *drawdownBreaker) restore(s StateSnapshot) {
	b.status = s.Status
	b.trippedAt = s.TrippedAt
	b.reason = s.Reason
}

// Bank owns the three breakers behind one mutex so recorded events are
// totally ordered and threshold evaluation is deterministic.
type Bank struct {
	mu        sync.Mutex
	rapidLoss *windowBreaker
	errorRate *windowBreaker
	drawdown  *drawdownBreaker
	bus       *events.Bus

	// Now is swappable for tests.
	Now func() time.Time
}

func NewBank(cfg config.BreakerLimits, bus *events.Bus) *Bank {
	return &Bank{
		rapidLoss: newWindowBreaker(RapidLoss, cfg.RapidLoss),
		errorRate: newWindowBreaker(ErrorRate, cfg.ErrorRate),
		drawdown: &drawdownBreaker{
			maxPct: cfg.Drawdown.MaxDrawdownPct,
			pause:  time.Duration(cfg.Drawdown.PauseMinutes) * time.Minute,
			status: Armed,
		},
		bus: bus,
		Now: time.Now,
	}
}

// RecordLoss feeds a losing fill into the rapid-loss breaker.
func (b *Bank) RecordLoss() {
	b.mu.Lock()
	now := b.Now()
	tripped := b.rapidLoss.record(now)
	reason := b.rapidLoss.reason
	b.mu.Unlock()
	if tripped {
		b.publishTrip(RapidLoss, reason)
	}
}

// RecordError feeds a recorded error into the error-rate breaker.
func (b *Bank) RecordError() {
	b.mu.Lock()
	now := b.Now()
	tripped := b.errorRate.record(now)
	reason := b.errorRate.reason
	b.mu.Unlock()
	if tripped {
		b.publishTrip(ErrorRate, reason)
	}
}

// UpdateBalance re-evaluates the drawdown breaker against the new balance.
func (b *Bank) UpdateBalance(peak, current float64) {
	b.mu.Lock()
	now := b.Now()
	tripped := b.drawdown.update(peak, current, now)
	reason := b.drawdown.reason
	b.mu.Unlock()
	if tripped {
		b.publishTrip(Drawdown, reason)
	}
}

// Tripped applies the lazy re-arm rule to every breaker and reports the first
// one still tripped. Called at the start of each validation.
func (b *Bank) Tripped() (Kind, bool) {
	b.mu.Lock()
	now := b.Now()

	var rearmed []Kind
	var tripped Kind
	var found bool

	if st, re := b.rapidLoss.check(now); re {
		rearmed = append(rearmed, RapidLoss)
	} else if st == Tripped && !found {
		tripped, found = RapidLoss, true
	}
	if st, re := b.errorRate.check(now); re {
		rearmed = append(rearmed, ErrorRate)
	} else if st == Tripped && !found {
		tripped, found = ErrorRate, true
	}
	if st, re := b.drawdown.check(now); re {
		rearmed = append(rearmed, Drawdown)
	} else if st == Tripped && !found {
		tripped, found = Drawdown, true
	}
	b.mu.Unlock()

	for _, k := range rearmed {
		if b.bus != nil {
			b.bus.Publish(events.TopicBreakerReset, string(k), nil)
		}
	}
	return tripped, found
}

// States snapshots all three breakers for persistence and the status API.
func (b *Bank) States() []StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []StateSnapshot{
		b.rapidLoss.snapshot(),
		b.errorRate.snapshot(),
		b.drawdown.snapshot(),
	}
}

// Restore seeds breaker state from a persisted snapshot on recovery.
func (b *Bank) Restore(states []StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range states {
		switch s.Kind {
		case RapidLoss:
			b.rapidLoss.restore(s)
		case ErrorRate:
			b.errorRate.restore(s)
		case Drawdown:
			b.drawdown.restore(s)
		}
	}
}

func (b *Bank) publishTrip(kind Kind, reason string) {
	if b.bus != nil {
		b.bus.Publish(events.TopicBreakerTrip, string(kind), map[string]any{"reason": reason})
	}
}
