package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits is the full safety-limit surface, loaded once at startup from YAML.
// Safety-critical fields have no silent defaults: Validate rejects startup on
// anything missing or out of range so a half-written file can never weaken the
// gate. Non-critical fields fall back to Defaults and may be hot-reloaded.
type Limits struct {
	Account    AccountLimits    `yaml:"account"`
	Position   PositionLimits   `yaml:"position"`
	Validation ValidationLimits `yaml:"validation"`
	Breakers   BreakerLimits    `yaml:"circuit_breakers"`
	Health     HealthLimits     `yaml:"health_checks"`

	// Per-regime overrides keyed by regime name (NORMAL_VOL, ULTRA_LOW_VOL,
	// EXTREME_CALM_PAUSE, HIGH_VOL). Only the two fields below may be
	// overridden; all other limits stay global.
	RegimeOverrides map[string]RegimeOverride `yaml:"regime_overrides"`
}

type AccountLimits struct {
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"`   // fraction, e.g. 0.02
	MaxDailyLossAbs   float64 `yaml:"max_daily_loss_abs"`   // dollars
	MaxWeeklyLossPct  float64 `yaml:"max_weekly_loss_pct"`  // fraction
	MaxMonthlyLossPct float64 `yaml:"max_monthly_loss_pct"` // fraction
}

type PositionLimits struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxPremiumPerTrade     float64 `yaml:"max_premium_per_trade"`
	MaxPositionSizePct     float64 `yaml:"max_position_size_pct"` // premium / balance
	MaxTotalExposurePct    float64 `yaml:"max_total_exposure_pct"`
}

type ValidationLimits struct {
	MaxTradesPerDay            int     `yaml:"max_trades_per_day"`
	MaxTradesPerStrategyPerDay int     `yaml:"max_trades_per_strategy_per_day"`
	MinSecondsBetweenTrades    int     `yaml:"min_seconds_between_trades"`
	MinRewardRisk              float64 `yaml:"min_reward_risk_ratio"` // advisory, warning only
	ManualApprovalThreshold    float64 `yaml:"manual_approval_threshold"`
}

type BreakerLimits struct {
	RapidLoss BreakerWindow `yaml:"rapid_loss"`
	ErrorRate BreakerWindow `yaml:"error_rate"`
	Drawdown  DrawdownLimit `yaml:"drawdown"`
}

type BreakerWindow struct {
	MaxEvents     int `yaml:"max_events"`
	WindowMinutes int `yaml:"window_minutes"`
	PauseMinutes  int `yaml:"pause_minutes"`
}

type DrawdownLimit struct {
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"` // fraction of peak balance
	PauseMinutes   int     `yaml:"pause_minutes"`
}

type HealthLimits struct {
	MarketOpen            string  `yaml:"market_open"`  // HH:MM, exchange local time
	MarketClose           string  `yaml:"market_close"` // HH:MM
	MaxDataStalenessSec   int     `yaml:"max_data_staleness_seconds"`
	MaxCPUPct             float64 `yaml:"max_cpu_usage_pct"`
	MaxMemoryPct          float64 `yaml:"max_memory_usage_pct"`
	MaxConnectivityAgeSec int     `yaml:"max_connectivity_age_seconds"`
	CheckBudgetMs         int     `yaml:"check_budget_ms"`
}

type RegimeOverride struct {
	MaxConcurrentPositions int `yaml:"max_concurrent_positions"`
	MaxTradesPerDay        int `yaml:"max_trades_per_day"`
}

// Defaults returns the non-safety-critical fallback values. Safety-critical
// limits (loss caps, breaker thresholds) are deliberately absent: they must
// come from the file.
func Defaults() Limits {
	return Limits{
		Validation: ValidationLimits{
			MinRewardRisk:           1.5,
			ManualApprovalThreshold: 5000,
		},
		Health: HealthLimits{
			MarketOpen:            "09:30",
			MarketClose:           "16:00",
			MaxDataStalenessSec:   120,
			MaxCPUPct:             90,
			MaxMemoryPct:          90,
			MaxConnectivityAgeSec: 120,
			CheckBudgetMs:         50,
		},
	}
}

// LoadLimits reads and validates the YAML limits file.
func LoadLimits(path string) (Limits, error) {
	l := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read limits file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return Limits{}, fmt.Errorf("parse limits file: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// Validate refuses any configuration that would weaken or disable the gate.
func (l Limits) Validate() error {
	if l.Account.MaxDailyLossPct <= 0 || l.Account.MaxDailyLossPct >= 1 {
		return fmt.Errorf("account.max_daily_loss_pct must be in (0,1), got %v", l.Account.MaxDailyLossPct)
	}
	if l.Account.MaxDailyLossAbs <= 0 {
		return fmt.Errorf("account.max_daily_loss_abs must be positive, got %v", l.Account.MaxDailyLossAbs)
	}
	if l.Position.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("position.max_concurrent_positions must be positive, got %d", l.Position.MaxConcurrentPositions)
	}
	if l.Position.MaxPremiumPerTrade <= 0 {
		return fmt.Errorf("position.max_premium_per_trade must be positive, got %v", l.Position.MaxPremiumPerTrade)
	}
	if l.Position.MaxPositionSizePct <= 0 || l.Position.MaxPositionSizePct >= 1 {
		return fmt.Errorf("position.max_position_size_pct must be in (0,1), got %v", l.Position.MaxPositionSizePct)
	}
	if l.Position.MaxTotalExposurePct <= 0 || l.Position.MaxTotalExposurePct > 1 {
		return fmt.Errorf("position.max_total_exposure_pct must be in (0,1], got %v", l.Position.MaxTotalExposurePct)
	}
	if l.Validation.MaxTradesPerDay <= 0 {
		return fmt.Errorf("validation.max_trades_per_day must be positive, got %d", l.Validation.MaxTradesPerDay)
	}
	if l.Validation.MaxTradesPerStrategyPerDay <= 0 {
		return fmt.Errorf("validation.max_trades_per_strategy_per_day must be positive, got %d", l.Validation.MaxTradesPerStrategyPerDay)
	}
	if l.Validation.MinSecondsBetweenTrades < 0 {
		return fmt.Errorf("validation.min_seconds_between_trades must not be negative, got %d", l.Validation.MinSecondsBetweenTrades)
	}
	for name, w := range map[string]BreakerWindow{
		"circuit_breakers.rapid_loss": l.Breakers.RapidLoss,
		"circuit_breakers.error_rate": l.Breakers.ErrorRate,
	} {
		if w.MaxEvents <= 0 {
			return fmt.Errorf("%s.max_events must be positive, got %d", name, w.MaxEvents)
		}
		if w.WindowMinutes <= 0 {
			return fmt.Errorf("%s.window_minutes must be positive, got %d", name, w.WindowMinutes)
		}
		if w.PauseMinutes <= 0 {
			return fmt.Errorf("%s.pause_minutes must be positive, got %d", name, w.PauseMinutes)
		}
	}
	if l.Breakers.Drawdown.MaxDrawdownPct <= 0 || l.Breakers.Drawdown.MaxDrawdownPct >= 1 {
		return fmt.Errorf("circuit_breakers.drawdown.max_drawdown_pct must be in (0,1), got %v", l.Breakers.Drawdown.MaxDrawdownPct)
	}
	if l.Breakers.Drawdown.PauseMinutes <= 0 {
		return fmt.Errorf("circuit_breakers.drawdown.pause_minutes must be positive, got %d", l.Breakers.Drawdown.PauseMinutes)
	}
	if _, err := parseClock(l.Health.MarketOpen); err != nil {
		return fmt.Errorf("health_checks.market_open: %w", err)
	}
	if _, err := parseClock(l.Health.MarketClose); err != nil {
		return fmt.Errorf("health_checks.market_close: %w", err)
	}
	for name, o := range l.RegimeOverrides {
		if o.MaxConcurrentPositions < 0 || o.MaxTradesPerDay < 0 {
			return fmt.Errorf("regime_overrides.%s values must not be negative", name)
		}
	}
	return nil
}

// ReloadNonCritical re-reads the limits file and applies only the fields that
// are safe to change at runtime (advisory thresholds, health-check tuning).
// Loss caps, position caps and breaker parameters keep their startup values.
func (l Limits) ReloadNonCritical(path string) (Limits, error) {
	fresh, err := LoadLimits(path)
	if err != nil {
		return l, err
	}
	l.Validation.MinRewardRisk = fresh.Validation.MinRewardRisk
	l.Validation.ManualApprovalThreshold = fresh.Validation.ManualApprovalThreshold
	l.Health = fresh.Health
	return l, nil
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM time %q", s)
	}
	return t, nil
}
