package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validLimitsYAML() string {
	return `
account:
  max_daily_loss_pct: 0.02
  max_daily_loss_abs: 2000
  max_weekly_loss_pct: 0.05
  max_monthly_loss_pct: 0.10
position:
  max_concurrent_positions: 3
  max_premium_per_trade: 1000
  max_position_size_pct: 0.05
  max_total_exposure_pct: 0.15
validation:
  max_trades_per_day: 10
  max_trades_per_strategy_per_day: 5
  min_seconds_between_trades: 300
  min_reward_risk_ratio: 1.5
  manual_approval_threshold: 5000
circuit_breakers:
  rapid_loss:
    max_events: 3
    window_minutes: 30
    pause_minutes: 60
  error_rate:
    max_events: 5
    window_minutes: 15
    pause_minutes: 30
  drawdown:
    max_drawdown_pct: 0.05
    pause_minutes: 120
health_checks:
  market_open: "09:30"
  market_close: "16:00"
  max_data_staleness_seconds: 120
regime_overrides:
  EXTREME_CALM_PAUSE:
    max_concurrent_positions: 0
    max_trades_per_day: 0
  HIGH_VOL:
    max_concurrent_positions: 2
    max_trades_per_day: 5
`
}

func writeLimits(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write limits: %v", err)
	}
	return path
}

func TestLoadLimits(t *testing.T) {
	l, err := LoadLimits(writeLimits(t, validLimitsYAML()))
	if err != nil {
		t.Fatalf("LoadLimits: %v", err)
	}
	if l.Account.MaxDailyLossPct != 0.02 {
		t.Errorf("MaxDailyLossPct = %v, want 0.02", l.Account.MaxDailyLossPct)
	}
	if l.Position.MaxConcurrentPositions != 3 {
		t.Errorf("MaxConcurrentPositions = %d, want 3", l.Position.MaxConcurrentPositions)
	}
	if got := l.RegimeOverrides["EXTREME_CALM_PAUSE"].MaxConcurrentPositions; got != 0 {
		t.Errorf("EXTREME_CALM_PAUSE override = %d, want 0", got)
	}
	// Defaults fill the fields the file omitted.
	if l.Health.MaxCPUPct != 90 {
		t.Errorf("MaxCPUPct default = %v, want 90", l.Health.MaxCPUPct)
	}
	if l.Health.CheckBudgetMs != 50 {
		t.Errorf("CheckBudgetMs default = %v, want 50", l.Health.CheckBudgetMs)
	}
}

// Safety-critical values must never be silently defaulted: a file missing or
// corrupting any of them aborts startup.
func TestValidateRejectsBadLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"zero daily loss pct", func(l *Limits) { l.Account.MaxDailyLossPct = 0 }},
		{"daily loss pct over 1", func(l *Limits) { l.Account.MaxDailyLossPct = 1.5 }},
		{"zero daily loss abs", func(l *Limits) { l.Account.MaxDailyLossAbs = 0 }},
		{"zero max positions", func(l *Limits) { l.Position.MaxConcurrentPositions = 0 }},
		{"zero premium cap", func(l *Limits) { l.Position.MaxPremiumPerTrade = 0 }},
		{"zero trades per day", func(l *Limits) { l.Validation.MaxTradesPerDay = 0 }},
		{"negative spacing", func(l *Limits) { l.Validation.MinSecondsBetweenTrades = -1 }},
		{"zero breaker threshold", func(l *Limits) { l.Breakers.RapidLoss.MaxEvents = 0 }},
		{"zero breaker window", func(l *Limits) { l.Breakers.ErrorRate.WindowMinutes = 0 }},
		{"zero drawdown pct", func(l *Limits) { l.Breakers.Drawdown.MaxDrawdownPct = 0 }},
		{"bad market open", func(l *Limits) { l.Health.MarketOpen = "25:99" }},
		{"negative regime override", func(l *Limits) {
			l.RegimeOverrides = map[string]RegimeOverride{"HIGH_VOL": {MaxConcurrentPositions: -1}}
		}},
	}

	base, err := LoadLimits(writeLimits(t, validLimitsYAML()))
	if err != nil {
		t.Fatalf("LoadLimits: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base
			tt.mutate(&l)
			if err := l.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid limit")
			}
		})
	}
}

func TestLoadLimitsMissingFile(t *testing.T) {
	if _, err := LoadLimits(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing limits file")
	}
}

// Hot reload may only touch advisory and health-check values.
func TestReloadNonCritical(t *testing.T) {
	base, err := LoadLimits(writeLimits(t, validLimitsYAML()))
	if err != nil {
		t.Fatalf("LoadLimits: %v", err)
	}

	changed := validLimitsYAML()
	path := writeLimits(t, changed)
	fresh, err := LoadLimits(path)
	if err != nil {
		t.Fatalf("LoadLimits: %v", err)
	}
	fresh.Validation.MinRewardRisk = 2.0

	// Write a file that tries to loosen a safety-critical cap.
	loosened := `
account:
  max_daily_loss_pct: 0.50
  max_daily_loss_abs: 999999
position:
  max_concurrent_positions: 100
  max_premium_per_trade: 999999
  max_position_size_pct: 0.9
  max_total_exposure_pct: 1.0
validation:
  max_trades_per_day: 1000
  max_trades_per_strategy_per_day: 1000
  min_seconds_between_trades: 0
  min_reward_risk_ratio: 2.0
circuit_breakers:
  rapid_loss: {max_events: 3, window_minutes: 30, pause_minutes: 60}
  error_rate: {max_events: 5, window_minutes: 15, pause_minutes: 30}
  drawdown: {max_drawdown_pct: 0.05, pause_minutes: 120}
`
	reloaded, err := base.ReloadNonCritical(writeLimits(t, loosened))
	if err != nil {
		t.Fatalf("ReloadNonCritical: %v", err)
	}
	if reloaded.Account.MaxDailyLossPct != 0.02 {
		t.Errorf("daily loss cap changed on hot reload: %v", reloaded.Account.MaxDailyLossPct)
	}
	if reloaded.Validation.MaxTradesPerDay != 10 {
		t.Errorf("trade cap changed on hot reload: %d", reloaded.Validation.MaxTradesPerDay)
	}
	if reloaded.Validation.MinRewardRisk != 2.0 {
		t.Errorf("advisory reward:risk not reloaded: %v", reloaded.Validation.MinRewardRisk)
	}
}
