package recovery

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/regime"
	"tradeguard/internal/safety"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
)

var baseTime = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func position(id string, mut func(*safety.Position)) safety.Position {
	p := safety.Position{
		ID:           id,
		Strategy:     "vwap_bounce",
		Symbol:       "SPY",
		Direction:    "LONG",
		EntryPrice:   500,
		TargetPrice:  510,
		Premium:      1000,
		NumContracts: 2,
		OpenedAt:     baseTime.Add(-10 * time.Minute),
		MaxHold:      safety.Duration(60 * time.Minute),
	}
	if mut != nil {
		mut(&p)
	}
	return p
}

func TestEvaluateResumesHealthyPosition(t *testing.T) {
	out := Evaluate(position("p1", nil), 505, true, baseTime)
	if out.Decision != DecisionResume {
		t.Fatalf("want RESUME, got %s (%s)", out.Decision, out.Reason)
	}
}

func TestEvaluateClosesOnTarget(t *testing.T) {
	out := Evaluate(position("p1", nil), 511, true, baseTime)
	if out.Decision != DecisionClose || out.Reason != "target reached" {
		t.Fatalf("want close on target, got %+v", out)
	}
	// Intrinsic move: (511-500) * 100 * 2 contracts.
	if out.Fill.PnL != 2200 {
		t.Fatalf("want pnl 2200, got %v", out.Fill.PnL)
	}
}

func TestEvaluateClosesShortOnTarget(t *testing.T) {
	pos := position("p1", func(p *safety.Position) {
		p.Direction = "SHORT"
		p.TargetPrice = 490
	})
	out := Evaluate(pos, 489, true, baseTime)
	if out.Decision != DecisionClose {
		t.Fatalf("want close, got %+v", out)
	}
	if out.Fill.PnL != 2200 {
		t.Fatalf("want pnl 2200 for short move, got %v", out.Fill.PnL)
	}
}

func TestEvaluateClosesOnMaxHold(t *testing.T) {
	pos := position("p1", func(p *safety.Position) {
		p.OpenedAt = baseTime.Add(-2 * time.Hour)
	})
	out := Evaluate(pos, 505, true, baseTime)
	if out.Decision != DecisionClose || out.Reason != "max hold time elapsed" {
		t.Fatalf("want close on max hold, got %+v", out)
	}
	// Residual value close: 30% of premium retained.
	if out.Fill.PnL != -700 {
		t.Fatalf("want pnl -700, got %v", out.Fill.PnL)
	}
}

func TestEvaluateClosesOnExpiry(t *testing.T) {
	pos := position("p1", func(p *safety.Position) {
		p.ExpiresAt = baseTime.Add(-time.Minute)
	})
	out := Evaluate(pos, 505, true, baseTime)
	if out.Decision != DecisionClose || out.Reason != "position expired" {
		t.Fatalf("want close on expiry, got %+v", out)
	}
}

func TestEvaluateFlagsWhenPriceUnavailable(t *testing.T) {
	out := Evaluate(position("p1", nil), 0, false, baseTime)
	if out.Decision != DecisionFlag {
		t.Fatalf("want FLAG without price data, got %+v", out)
	}
}

func savedStore(t *testing.T, positions ...safety.Position) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	acct := safety.NewAccountState(50000, baseTime)
	for _, p := range positions {
		acct.OpenPositions[p.ID] = p
	}
	payload := state.Payload{
		Gate:   safety.GateState{Account: acct},
		Regime: regime.State{Regime: regime.NormalVol},
	}
	if err := store.Save(payload); err != nil {
		t.Fatal(err)
	}
	return store
}

func decisions(rep Report) map[string]Decision {
	m := make(map[string]Decision)
	for _, o := range rep.Outcomes {
		m[o.Position.ID] = o.Decision
	}
	return m
}

func TestRunMixedDecisions(t *testing.T) {
	store := savedStore(t,
		position("resume", nil),
		position("hit", func(p *safety.Position) { p.TargetPrice = 504 }),
		position("stale", func(p *safety.Position) { p.Symbol = "IWM" }),
	)
	lookup := func(symbol string) (float64, bool) {
		if symbol == "SPY" {
			return 505, true
		}
		return 0, false
	}

	rep, err := Run(store, lookup, nil, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.FromSnapshot {
		t.Fatal("want snapshot-based recovery")
	}
	want := map[string]Decision{"resume": DecisionResume, "hit": DecisionClose, "stale": DecisionFlag}
	if got := decisions(rep); !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := savedStore(t,
		position("a", nil),
		position("b", func(p *safety.Position) { p.OpenedAt = baseTime.Add(-3 * time.Hour) }),
	)
	lookup := func(string) (float64, bool) { return 505, true }

	rep1, err := Run(store, lookup, nil, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	rep2, err := Run(store, lookup, nil, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	d1, d2 := decisions(rep1), decisions(rep2)
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("recovery not idempotent: %v vs %v", d1, d2)
	}

	var pnl1, pnl2 []float64
	for _, o := range rep1.Outcomes {
		if o.Fill != nil {
			pnl1 = append(pnl1, o.Fill.PnL)
		}
	}
	for _, o := range rep2.Outcomes {
		if o.Fill != nil {
			pnl2 = append(pnl2, o.Fill.PnL)
		}
	}
	sort.Float64s(pnl1)
	sort.Float64s(pnl2)
	if !reflect.DeepEqual(pnl1, pnl2) {
		t.Fatalf("close fills differ across runs: %v vs %v", pnl1, pnl2)
	}
}

func TestRunNoSnapshotStartsConservative(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Only garbage on disk.
	if err := os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := Run(store, func(string) (float64, bool) { return 0, false }, nil, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if rep.FromSnapshot || len(rep.Outcomes) != 0 {
		t.Fatalf("want empty conservative report, got %+v", rep)
	}
}

func newGate(limits config.Limits) *safety.Gate {
	bank := breaker.NewBank(limits.Breakers, nil)
	rs := stubRegimes{st: regime.State{
		Regime:    regime.NormalVol,
		Overrides: regime.Overrides{MaxConcurrentPositions: 3, MaxTradesPerDay: 10},
	}}
	return safety.NewGate(limits, safety.NewAccountState(0, baseTime), bank, rs, nil, nil)
}

type stubRegimes struct{ st regime.State }

func (s stubRegimes) State() regime.State { return s.st }

func applyLimits() config.Limits {
	l := config.Defaults()
	l.Account = config.AccountLimits{MaxDailyLossPct: 0.02, MaxDailyLossAbs: 2000}
	l.Position = config.PositionLimits{
		MaxConcurrentPositions: 3, MaxPremiumPerTrade: 5000,
		MaxPositionSizePct: 0.10, MaxTotalExposurePct: 0.30,
	}
	l.Validation.MaxTradesPerDay = 10
	l.Validation.MaxTradesPerStrategyPerDay = 5
	l.Breakers = config.BreakerLimits{
		RapidLoss: config.BreakerWindow{MaxEvents: 3, WindowMinutes: 30, PauseMinutes: 60},
		ErrorRate: config.BreakerWindow{MaxEvents: 5, WindowMinutes: 15, PauseMinutes: 30},
		Drawdown:  config.DrawdownLimit{MaxDrawdownPct: 0.20, PauseMinutes: 120},
	}
	return l
}

func TestApplyRestoresClosesAndFlags(t *testing.T) {
	store := savedStore(t,
		position("keep", nil),
		position("done", func(p *safety.Position) { p.TargetPrice = 504 }),
		position("odd", func(p *safety.Position) { p.Symbol = "IWM" }),
	)
	lookup := func(symbol string) (float64, bool) {
		if symbol == "SPY" {
			return 505, true
		}
		return 0, false
	}
	rep, err := Run(store, lookup, nil, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	gate := newGate(applyLimits())
	Apply(rep, gate, 25000)

	st := gate.Export()
	if st.Account.Balance == 0 {
		t.Fatal("restored account lost its balance")
	}
	if _, ok := st.Account.OpenPositions["done"]; ok {
		t.Fatal("closed position still open after apply")
	}
	if _, ok := st.Account.OpenPositions["keep"]; !ok {
		t.Fatal("resumed position missing after apply")
	}
	odd, ok := st.Account.OpenPositions["odd"]
	if !ok || !odd.Flagged {
		t.Fatalf("ambiguous position not flagged: %+v", odd)
	}
	// The target-hit close realized (505-500)*100*2 contracts.
	if st.Account.DailyPnL != 1000 {
		t.Fatalf("want realized pnl 1000, got %v", st.Account.DailyPnL)
	}
}

func TestApplyWithoutSnapshotSeedsSafeMode(t *testing.T) {
	gate := newGate(applyLimits())
	Apply(Report{FromSnapshot: false}, gate, 25000)

	st := gate.Export()
	if !st.SafeMode {
		t.Fatal("want safe mode after unrecoverable state")
	}
	if st.Account.Balance != 25000 {
		t.Fatalf("want fallback balance 25000, got %v", st.Account.Balance)
	}
	if len(st.Account.OpenPositions) != 0 {
		t.Fatal("want empty position set")
	}
}
