package safety

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/events"
	"tradeguard/internal/regime"
	"tradeguard/pkg/config"
)

// The stable check names, in evaluation order. Rejection reasons reference
// these names in logs and audit records.
const (
	CheckKillSwitch    = "kill_switch"
	CheckSafeMode      = "safe_mode"
	CheckBreakers      = "circuit_breakers"
	CheckDailyLoss     = "daily_loss"
	CheckPositionLimit = "position_limit"
	CheckTradeLimit    = "trade_limit"
	CheckStrategyLimit = "strategy_trade_limit"
	CheckTradeSpacing  = "trade_spacing"
	CheckPremiumLimit  = "premium_limit"
	CheckExposureLimit = "exposure_limit"
	CheckRewardRisk    = "reward_risk"
	CheckBalanceSane   = "balance_sane"
)

// RegimeSource yields the current regime classification. Satisfied by
// *regime.Classifier.
type RegimeSource interface {
	State() regime.State
}

// GateState is the persistable part of the gate: the account aggregate plus
// the two emergency flags.
type GateState struct {
	Account        AccountState `json:"account"`
	KillSwitch     bool         `json:"kill_switch"`
	SafeMode       bool         `json:"safe_mode"`
	SafeModeReason string       `json:"safe_mode_reason,omitempty"`
}

// Gate is the pre-trade validator and post-trade recorder. All mutable safety
// state lives behind its mutex; collaborators only reach it through Validate,
// RecordFill, RecordError and the operator controls.
type Gate struct {
	mu      sync.Mutex
	limits  config.Limits
	account AccountState

	killSwitch     bool
	safeMode       bool
	safeModeReason string

	bank    *breaker.Bank
	regimes RegimeSource
	health  *HealthMonitor
	bus     *events.Bus

	// onChange is invoked after every state mutation, outside the mutex, so
	// the persistence layer can snapshot without creating a lock cycle.
	onChange func()

	Now func() time.Time
}

func NewGate(limits config.Limits, account AccountState, bank *breaker.Bank, regimes RegimeSource, health *HealthMonitor, bus *events.Bus) *Gate {
	return &Gate{
		limits:  limits,
		account: account,
		bank:    bank,
		regimes: regimes,
		health:  health,
		bus:     bus,
		Now:     time.Now,
	}
}

// OnChange registers the persistence callback. Must be set before the gate is
// shared across goroutines.
func (g *Gate) OnChange(fn func()) { g.onChange = fn }

// SetLimits swaps in a hot-reloaded limit set. The caller is responsible for
// merging only the fields that may change at runtime.
func (g *Gate) SetLimits(limits config.Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
	if g.health != nil {
		g.health.SetLimits(limits.Health)
	}
}

// Validate runs the ordered check chain against one request. The first
// failure decides the rejection reason; later checks still run so the result
// carries a full diagnostic picture. Close requests are exempt from every
// check except the kill switch so open risk can always be flattened.
func (g *Gate) Validate(req TradeRequest) ValidationResult {
	g.mu.Lock()
	res := g.validateLocked(req)
	g.mu.Unlock()

	// Publish after releasing the mutex, like every other publish site.
	g.publishValidation(req, res)
	return res
}

func (g *Gate) validateLocked(req TradeRequest) ValidationResult {
	now := g.Now()
	rs := g.regimes.State()
	ov := rs.Overrides

	eff := EffectiveLimits{
		MaxConcurrentPositions: ov.MaxConcurrentPositions,
		MaxTradesPerDay:        ov.MaxTradesPerDay,
		MaxPremiumPerTrade:     g.limits.Position.MaxPremiumPerTrade,
		MaxTotalExposurePct:    g.limits.Position.MaxTotalExposurePct,
		Regime:                 string(rs.Regime),
	}

	res := ValidationResult{
		RequestID:   req.ID,
		Approved:    true,
		Limits:      eff,
		EvaluatedAt: now,
	}

	fail := func(name, reason string) {
		res.Checks = append(res.Checks, CheckResult{Name: name, Passed: false, Reason: reason})
		if res.Approved {
			res.Approved = false
			res.Reason = reason
		}
	}
	pass := func(name string) {
		res.Checks = append(res.Checks, CheckResult{Name: name, Passed: true})
	}
	skip := func(name string) {
		res.Checks = append(res.Checks, CheckResult{Name: name, Passed: true, Reason: "skipped for close"})
	}

	// 1. Kill switch rejects everything, closes included.
	if g.killSwitch {
		fail(CheckKillSwitch, "Kill switch activated - all trading suspended")
	} else {
		pass(CheckKillSwitch)
	}

	isClose := req.Kind == KindClose

	// 2. Safe mode blocks new entries only.
	switch {
	case isClose:
		skip(CheckSafeMode)
	case g.safeMode:
		fail(CheckSafeMode, "Safe mode active - only position closes allowed")
	default:
		pass(CheckSafeMode)
	}

	// 3. Circuit breakers. Checking also performs the lazy re-arm.
	if isClose {
		skip(CheckBreakers)
	} else if kind, tripped := g.bank.Tripped(); tripped {
		fail(CheckBreakers, fmt.Sprintf("Circuit breaker active (%s)", kind))
	} else {
		pass(CheckBreakers)
	}

	// 4. Realized loss caps: daily percentage and absolute, then the longer
	// weekly/monthly percentage caps.
	if isClose {
		skip(CheckDailyLoss)
	} else if reason := g.lossLimitBreach(); reason != "" {
		fail(CheckDailyLoss, reason)
	} else {
		pass(CheckDailyLoss)
	}

	// 5. Concurrent positions, regime-adjusted.
	if isClose {
		skip(CheckPositionLimit)
	} else if len(g.account.OpenPositions) >= ov.MaxConcurrentPositions {
		fail(CheckPositionLimit, fmt.Sprintf("Max concurrent positions reached (%d/%d)",
			len(g.account.OpenPositions), ov.MaxConcurrentPositions))
	} else {
		pass(CheckPositionLimit)
	}

	// 6a. Daily trade count, regime-adjusted.
	if isClose {
		skip(CheckTradeLimit)
	} else if len(g.account.TradesToday) >= ov.MaxTradesPerDay {
		fail(CheckTradeLimit, fmt.Sprintf("Max trades per day reached (%d/%d)",
			len(g.account.TradesToday), ov.MaxTradesPerDay))
	} else {
		pass(CheckTradeLimit)
	}

	// 6b. Per-strategy daily trade count, global limit.
	if isClose {
		skip(CheckStrategyLimit)
	} else if n := g.account.TradesTodayFor(req.Strategy); n >= g.limits.Validation.MaxTradesPerStrategyPerDay {
		fail(CheckStrategyLimit, fmt.Sprintf("Max trades for %s reached (%d/%d)",
			req.Strategy, n, g.limits.Validation.MaxTradesPerStrategyPerDay))
	} else {
		pass(CheckStrategyLimit)
	}

	// 7. Minimum spacing between entries.
	minGap := time.Duration(g.limits.Validation.MinSecondsBetweenTrades) * time.Second
	if isClose {
		skip(CheckTradeSpacing)
	} else if !g.account.LastTradeTime.IsZero() && now.Sub(g.account.LastTradeTime) < minGap {
		fail(CheckTradeSpacing, "Minimum time between trades not elapsed")
	} else {
		pass(CheckTradeSpacing)
	}

	// 8. Premium: absolute cap and percentage of balance.
	if isClose {
		skip(CheckPremiumLimit)
	} else if req.Premium > g.limits.Position.MaxPremiumPerTrade {
		fail(CheckPremiumLimit, fmt.Sprintf("Premium ($%.2f) exceeds limit ($%.2f)",
			req.Premium, g.limits.Position.MaxPremiumPerTrade))
	} else if g.account.Balance > 0 && req.Premium/g.account.Balance > g.limits.Position.MaxPositionSizePct {
		fail(CheckPremiumLimit, fmt.Sprintf("Position size (%.2f%%) exceeds limit (%.2f%%)",
			req.Premium/g.account.Balance*100, g.limits.Position.MaxPositionSizePct*100))
	} else {
		pass(CheckPremiumLimit)
	}

	// 9. Total exposure including the proposed position.
	maxExposure := g.account.Balance * g.limits.Position.MaxTotalExposurePct
	if isClose {
		skip(CheckExposureLimit)
	} else if total := g.account.TotalExposure() + req.Premium; total > maxExposure {
		fail(CheckExposureLimit, fmt.Sprintf("Total exposure ($%.2f) would exceed limit ($%.2f)",
			total, maxExposure))
	} else {
		pass(CheckExposureLimit)
	}

	// 10. Reward:risk is advisory only.
	if isClose {
		skip(CheckRewardRisk)
	} else if rr, ok := rewardRisk(req); ok && rr < g.limits.Validation.MinRewardRisk {
		res.Checks = append(res.Checks, CheckResult{Name: CheckRewardRisk, Passed: true,
			Reason: fmt.Sprintf("reward:risk %.2f below recommended %.2f", rr, g.limits.Validation.MinRewardRisk)})
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Reward:risk ratio %.2f below recommended minimum %.2f", rr, g.limits.Validation.MinRewardRisk))
	} else {
		pass(CheckRewardRisk)
	}

	// 11. Balance sanity. Applies to entries; a broken balance is no reason
	// to hold on to open risk.
	if isClose {
		skip(CheckBalanceSane)
	} else if g.account.Balance <= 0 {
		fail(CheckBalanceSane, fmt.Sprintf("Account balance not sane ($%.2f)", g.account.Balance))
	} else {
		pass(CheckBalanceSane)
	}

	if !isClose && req.Premium > g.limits.Validation.ManualApprovalThreshold {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Premium $%.2f above manual approval threshold $%.2f",
				req.Premium, g.limits.Validation.ManualApprovalThreshold))
	}

	return res
}

func (g *Gate) lossLimitBreach() string {
	bal := g.account.Balance
	if loss := -g.account.DailyPnL; loss > 0 {
		// The absolute cap floors the percentage cap so a small account is
		// not choked purely by percentage on normal-sized losses.
		pctBreached := bal > 0 && loss >= bal*g.limits.Account.MaxDailyLossPct
		absBreached := loss >= g.limits.Account.MaxDailyLossAbs
		if pctBreached && absBreached {
			return fmt.Sprintf("Daily loss limit exceeded (%.2f)", g.account.DailyPnL)
		}
	}
	if g.limits.Account.MaxWeeklyLossPct > 0 && bal > 0 {
		if loss := -g.account.WeeklyPnL; loss > 0 && loss >= bal*g.limits.Account.MaxWeeklyLossPct {
			return fmt.Sprintf("Weekly loss limit exceeded (%.2f)", g.account.WeeklyPnL)
		}
	}
	if g.limits.Account.MaxMonthlyLossPct > 0 && bal > 0 {
		if loss := -g.account.MonthlyPnL; loss > 0 && loss >= bal*g.limits.Account.MaxMonthlyLossPct {
			return fmt.Sprintf("Monthly loss limit exceeded (%.2f)", g.account.MonthlyPnL)
		}
	}
	return ""
}

func rewardRisk(req TradeRequest) (float64, bool) {
	risk := req.EntryPrice - req.StopPrice
	reward := req.Target - req.EntryPrice
	if req.Direction == "SHORT" {
		risk, reward = -risk, -reward
	}
	if risk <= 0 || req.Target == 0 || req.StopPrice == 0 {
		return 0, false
	}
	return reward / risk, true
}

// RecordFill applies an executed trade to the account aggregate, feeds the
// breakers and triggers persistence.
func (g *Gate) RecordFill(fill Fill) {
	g.mu.Lock()
	now := fill.Time
	if now.IsZero() {
		now = g.Now()
	}

	switch fill.Kind {
	case FillOpen:
		pos := Position{
			ID:           fill.PositionID,
			Strategy:     fill.Strategy,
			Symbol:       fill.Symbol,
			Direction:    fill.Direction,
			EntryPrice:   fill.Price,
			TargetPrice:  fill.Target,
			StopPrice:    fill.StopPrice,
			Premium:      fill.Premium,
			NumContracts: fill.Contracts,
			OpenedAt:     now,
			MaxHold:      fill.MaxHold,
			ExpiresAt:    fill.ExpiresAt,
		}
		if pos.ID == "" {
			pos.ID = fill.RequestID
		}
		g.account.OpenPositions[pos.ID] = pos
		g.account.TradesToday = append(g.account.TradesToday, TradeStamp{Strategy: fill.Strategy, Time: now})
		g.account.LastTradeTime = now

	case FillClose:
		delete(g.account.OpenPositions, fill.PositionID)
		g.account.ApplyPnL(fill.PnL)
	}

	peak, bal := g.account.PeakBalance, g.account.Balance
	isLoss := fill.Kind == FillClose && fill.PnL < 0
	g.mu.Unlock()

	g.bank.UpdateBalance(peak, bal)
	if isLoss {
		g.bank.RecordLoss()
	}
	if g.bus != nil && fill.Kind == FillClose {
		g.bus.Publish(events.TopicPositionClose, fill.PositionID, map[string]any{
			"pnl": fill.PnL, "symbol": fill.Symbol,
		})
	}
	g.notifyChange()
}

// RecordError feeds the error-rate breaker. It never returns an error:
// reporting a failure must not itself be able to take the loop down.
func (g *Gate) RecordError(kind, detail string) {
	g.bank.RecordError()
	log.Printf("[SAFETY] recorded error kind=%s detail=%s", kind, detail)
	if g.bus != nil {
		g.bus.Publish(events.TopicAlert, "error recorded", map[string]any{
			"kind": kind, "detail": detail,
		})
	}
	g.notifyChange()
}

// CheckHealth runs the health monitor. Any failure flips safe mode on; safe
// mode is never cleared automatically.
func (g *Gate) CheckHealth(ctx context.Context) (bool, []string) {
	ok, reasons := g.health.Check(ctx)
	if !ok {
		g.EnterSafeMode("health check failed: "+reasons[0], true)
	}
	return ok, reasons
}

// SetKillSwitch flips the kill switch. Manual operator action only; no
// automated path calls this.
func (g *Gate) SetKillSwitch(on bool, operator string) {
	g.mu.Lock()
	changed := g.killSwitch != on
	g.killSwitch = on
	g.mu.Unlock()
	if !changed {
		return
	}
	log.Printf("[SAFETY] kill switch %v by %s", on, operator)
	if g.bus != nil {
		g.bus.Publish(events.TopicKillSwitch, fmt.Sprintf("kill switch set to %v", on),
			map[string]any{"operator": operator})
	}
	g.notifyChange()
}

// EnterSafeMode turns safe mode on. Idempotent; the first reason wins until
// the mode is cleared.
func (g *Gate) EnterSafeMode(reason string, auto bool) {
	g.mu.Lock()
	if g.safeMode {
		g.mu.Unlock()
		return
	}
	g.safeMode = true
	g.safeModeReason = reason
	g.mu.Unlock()

	log.Printf("[SAFETY] safe mode entered (auto=%v): %s", auto, reason)
	if g.bus != nil {
		g.bus.Publish(events.TopicSafeMode, "safe mode entered", map[string]any{
			"reason": reason, "automatic": auto,
		})
	}
	g.notifyChange()
}

// ClearSafeMode lifts safe mode. Only the operator path calls this, after
// confirming the clearance secret.
func (g *Gate) ClearSafeMode(operator string) {
	g.mu.Lock()
	if !g.safeMode {
		g.mu.Unlock()
		return
	}
	g.safeMode = false
	g.safeModeReason = ""
	g.mu.Unlock()

	log.Printf("[SAFETY] safe mode cleared by %s", operator)
	if g.bus != nil {
		g.bus.Publish(events.TopicSafeMode, "safe mode cleared", map[string]any{"operator": operator})
	}
	g.notifyChange()
}

// UpdateBalance reconciles the account balance from an external source and
// re-evaluates the drawdown breaker.
func (g *Gate) UpdateBalance(balance float64) {
	g.mu.Lock()
	g.account.Balance = balance
	if balance > g.account.PeakBalance {
		g.account.PeakBalance = balance
	}
	peak := g.account.PeakBalance
	g.mu.Unlock()

	g.bank.UpdateBalance(peak, balance)
	g.notifyChange()
}

// Rollover applies day/week/month boundary resets. Called once per tick.
func (g *Gate) Rollover(now time.Time) {
	g.mu.Lock()
	before := g.account.Day
	g.account.Rollover(now)
	changed := before != g.account.Day
	g.mu.Unlock()
	if changed {
		g.notifyChange()
	}
}

// Status is the dashboard view of the safety core.
type StatusReport struct {
	Regime        regime.State            `json:"regime"`
	KillSwitch    bool                    `json:"kill_switch"`
	SafeMode      bool                    `json:"safe_mode"`
	SafeModeCause string                  `json:"safe_mode_reason,omitempty"`
	Breakers      []breaker.StateSnapshot `json:"breakers"`
	Account       AccountState            `json:"account"`
}

func (g *Gate) Status() StatusReport {
	g.mu.Lock()
	st := StatusReport{
		KillSwitch:    g.killSwitch,
		SafeMode:      g.safeMode,
		SafeModeCause: g.safeModeReason,
		Account:       g.account.Clone(),
	}
	g.mu.Unlock()
	st.Regime = g.regimes.State()
	st.Breakers = g.bank.States()
	return st
}

// Export snapshots the gate's persistable state.
func (g *Gate) Export() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateState{
		Account:        g.account.Clone(),
		KillSwitch:     g.killSwitch,
		SafeMode:       g.safeMode,
		SafeModeReason: g.safeModeReason,
	}
}

// Restore seeds the gate from a recovered snapshot.
func (g *Gate) Restore(st GateState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = st.Account.Clone()
	if g.account.OpenPositions == nil {
		g.account.OpenPositions = make(map[string]Position)
	}
	g.killSwitch = st.KillSwitch
	g.safeMode = st.SafeMode
	g.safeModeReason = st.SafeModeReason
}

func (g *Gate) publishValidation(req TradeRequest, res ValidationResult) {
	if g.bus == nil {
		return
	}
	topic := events.TopicTradeApproved
	msg := fmt.Sprintf("%s %s approved", req.Strategy, req.Symbol)
	if !res.Approved {
		topic = events.TopicTradeRejected
		msg = fmt.Sprintf("%s %s rejected: %s", req.Strategy, req.Symbol, res.Reason)
	}
	g.bus.Publish(topic, msg, map[string]any{
		"request_id": req.ID, "kind": string(req.Kind), "regime": res.Limits.Regime,
	})
}

func (g *Gate) notifyChange() {
	if g.onChange != nil {
		g.onChange()
	}
}
