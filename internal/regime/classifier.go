package regime

import (
	"math"
	"sync"
	"time"

	"tradeguard/internal/events"
	"tradeguard/internal/market"
)

// Regime is the discrete volatility-derived operating mode.
type Regime string

const (
	NormalVol        Regime = "NORMAL_VOL"
	UltraLowVol      Regime = "ULTRA_LOW_VOL"
	ExtremeCalmPause Regime = "EXTREME_CALM_PAUSE"
	HighVol          Regime = "HIGH_VOL"
)

// Overrides are the two limits a regime may replace; everything else stays
// global. ExtremeCalmPause zeroes both, which downstream blocks all new
// entries while still permitting closes.
type Overrides struct {
	MaxConcurrentPositions int `json:"max_concurrent_positions"`
	MaxTradesPerDay        int `json:"max_trades_per_day"`
}

// Thresholds hold the regime boundaries. Extreme-calm floors are checked
// first, then ultra-low, then the high-vol ceiling.
type Thresholds struct {
	VIXHigh  float64 // above: HIGH_VOL
	VIXLow   float64 // below (or ATR below ATRLow): ULTRA_LOW_VOL
	ATRLow   float64 // ATR% boundary for ultra-low
	VIXFloor float64 // below (or ATR below ATRFloor): EXTREME_CALM_PAUSE
	ATRFloor float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{VIXHigh: 30, VIXLow: 13, ATRLow: 0.5, VIXFloor: 8, ATRFloor: 0.05}
}

// DefaultOverrides mirrors the per-regime limits the strategies were
// validated with.
func DefaultOverrides() map[Regime]Overrides {
	return map[Regime]Overrides{
		NormalVol:        {MaxConcurrentPositions: 3, MaxTradesPerDay: 10},
		UltraLowVol:      {MaxConcurrentPositions: 4, MaxTradesPerDay: 12},
		HighVol:          {MaxConcurrentPositions: 2, MaxTradesPerDay: 5},
		ExtremeCalmPause: {MaxConcurrentPositions: 0, MaxTradesPerDay: 0},
	}
}

// State is the current classification plus the inputs that produced it.
type State struct {
	Regime    Regime    `json:"regime"`
	VIXProxy  float64   `json:"vix_proxy"`
	ATRPct    float64   `json:"atr_pct"`
	Overrides Overrides `json:"overrides"`
	UpdatedAt time.Time `json:"updated_at"`
	Degraded  bool      `json:"degraded"` // inputs were missing/stale; regime held
}

// Classifier maps volatility inputs to a regime each tick. Classification is
// a pure function of the inputs; the only memory is the previous state, held
// when inputs are missing or stale rather than guessed over.
type Classifier struct {
	mu         sync.RWMutex
	thresholds Thresholds
	overrides  map[Regime]Overrides
	state      State
	bus        *events.Bus

	VIXLookback int // daily bars for the realized-vol proxy
	ATRPeriod   int // bars for the true-range average
	MaxBarAge   time.Duration
}

func NewClassifier(th Thresholds, ov map[Regime]Overrides, bus *events.Bus) *Classifier {
	if ov == nil {
		ov = DefaultOverrides()
	}
	return &Classifier{
		thresholds:  th,
		overrides:   ov,
		bus:         bus,
		VIXLookback: 20,
		ATRPeriod:   14,
		MaxBarAge:   48 * time.Hour,
		state: State{
			Regime:    NormalVol,
			Overrides: ov[NormalVol],
		},
	}
}

// Classify is the ordered threshold check. Extreme calm wins over everything,
// including a simultaneously elevated proxy, because zero-limit pause is the
// most conservative outcome.
func (c *Classifier) Classify(vixProxy, atrPct float64) Regime {
	t := c.thresholds
	if vixProxy < t.VIXFloor || atrPct < t.ATRFloor {
		return ExtremeCalmPause
	}
	if vixProxy < t.VIXLow || atrPct < t.ATRLow {
		return UltraLowVol
	}
	if vixProxy > t.VIXHigh {
		return HighVol
	}
	return NormalVol
}

// Update recomputes the regime from a fresh snapshot. Bars newer than the
// snapshot time are discarded so a half-built bar can never leak in. On
// missing or stale inputs the previous regime is held and the state is marked
// degraded for the health monitor.
func (c *Classifier) Update(snap market.Snapshot) State {
	daily := completedBefore(snap.Daily, snap.Time)
	intraday := completedBefore(snap.Intraday, snap.Time)

	vix, vixOK := VIXProxy(daily, c.VIXLookback)
	atr, atrOK := ATRPercent(intraday, c.ATRPeriod)

	stale := len(daily) > 0 && snap.Time.Sub(daily[len(daily)-1].Time) > c.MaxBarAge

	c.mu.Lock()
	prev := c.state
	if !vixOK || !atrOK || stale {
		c.state.Degraded = true
		c.state.UpdatedAt = snap.Time
		st := c.state
		c.mu.Unlock()
		return st
	}

	r := c.Classify(vix, atr)
	c.state = State{
		Regime:    r,
		VIXProxy:  vix,
		ATRPct:    atr,
		Overrides: c.overrides[r],
		UpdatedAt: snap.Time,
	}
	st := c.state
	c.mu.Unlock()

	if r != prev.Regime && c.bus != nil {
		c.bus.Publish(events.TopicRegimeChange, string(r), map[string]any{
			"from":      string(prev.Regime),
			"to":        string(r),
			"vix_proxy": vix,
			"atr_pct":   atr,
		})
	}
	return st
}

// State returns the latest classification.
func (c *Classifier) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Restore seeds the classifier from a persisted snapshot on recovery.
func (c *Classifier) Restore(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.Overrides = c.overrides[st.Regime]
	c.state = st
}

// OverridesFor returns the limit overrides for a regime.
func (c *Classifier) OverridesFor(r Regime) Overrides {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overrides[r]
}

// Table returns a copy of the full per-regime override table.
func (c *Classifier) Table() map[Regime]Overrides {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Regime]Overrides, len(c.overrides))
	for r, o := range c.overrides {
		out[r] = o
	}
	return out
}

// VIXProxy approximates VIX from daily closes: annualized standard deviation
// of returns over the lookback, scaled to percent. Returns false when there
// are too few bars to compute it.
func VIXProxy(daily []market.Bar, lookback int) (float64, bool) {
	if len(daily) < lookback+1 {
		return 0, false
	}
	bars := daily[len(daily)-lookback-1:]
	returns := make([]float64, 0, lookback)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close == 0 {
			return 0, false
		}
		returns = append(returns, bars[i].Close/bars[i-1].Close-1)
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	// Sample std dev, annualized over 252 trading days.
	std := math.Sqrt(ss / float64(len(returns)-1))
	return std * math.Sqrt(252) * 100, true
}

// ATRPercent computes the average true range over the period as a percentage
// of the latest close.
func ATRPercent(bars []market.Bar, period int) (float64, bool) {
	if len(bars) < period+1 || period <= 0 {
		return 0, false
	}
	window := bars[len(bars)-period:]
	prevClose := bars[len(bars)-period-1].Close

	var sum float64
	for _, b := range window {
		tr := b.High - b.Low
		if d := math.Abs(b.High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(b.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
		prevClose = b.Close
	}

	last := window[len(window)-1].Close
	if last == 0 {
		return 0, false
	}
	return (sum / float64(period)) / last * 100, true
}

func completedBefore(bars []market.Bar, cutoff time.Time) []market.Bar {
	out := bars
	for len(out) > 0 && !out[len(out)-1].Time.Before(cutoff) {
		out = out[:len(out)-1]
	}
	return out
}
