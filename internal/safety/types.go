package safety

import (
	"time"

	"github.com/google/uuid"
)

// RequestKind distinguishes opening a new position from closing an existing
// one. Closes bypass most entry checks so a paused or degraded system can
// always flatten risk.
type RequestKind string

const (
	KindEntry RequestKind = "ENTRY"
	KindClose RequestKind = "CLOSE"
)

// TradeRequest is a proposed action from a strategy. Immutable once created
// and consumed exactly once by the gate.
type TradeRequest struct {
	ID         string      `json:"id"`
	Kind       RequestKind `json:"kind"`
	Strategy   string      `json:"strategy"`
	Symbol     string      `json:"symbol"`
	Direction  string      `json:"direction"` // LONG or SHORT
	Regime     string      `json:"regime"`    // regime at proposal time
	EntryPrice float64     `json:"entry_price"`
	StopPrice  float64     `json:"stop_price"`
	Target     float64     `json:"target_price"`
	Premium    float64     `json:"premium"`
	Contracts  int         `json:"contracts"`
	Balance    float64     `json:"balance"` // caller's balance snapshot
	PositionID string      `json:"position_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewTradeRequest stamps id and creation time; everything else comes from the
// caller.
func NewTradeRequest(kind RequestKind, strategy, symbol string) TradeRequest {
	return TradeRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Strategy:  strategy,
		Symbol:    symbol,
		CreatedAt: time.Now().UTC(),
	}
}

// CheckResult is one step of the validation chain.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// EffectiveLimits records the limits that actually applied to one validation,
// after regime overrides. Kept on the result for audit.
type EffectiveLimits struct {
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	MaxTradesPerDay        int     `json:"max_trades_per_day"`
	MaxPremiumPerTrade     float64 `json:"max_premium_per_trade"`
	MaxTotalExposurePct    float64 `json:"max_total_exposure_pct"`
	Regime                 string  `json:"regime"`
}

// ValidationResult is the outcome of one gate evaluation. Never mutated after
// creation.
type ValidationResult struct {
	RequestID   string          `json:"request_id"`
	Approved    bool            `json:"approved"`
	Reason      string          `json:"reason,omitempty"` // first failing check's reason
	Checks      []CheckResult   `json:"checks"`
	Warnings    []string        `json:"warnings,omitempty"`
	Limits      EffectiveLimits `json:"effective_limits"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// FillKind marks whether a fill opened or closed a position.
type FillKind string

const (
	FillOpen  FillKind = "OPEN"
	FillClose FillKind = "CLOSE"
)

// Fill is an executed trade reported back to the gate. Open fills carry the
// exit parameters of the order that produced them; without those the resulting
// position could never be auto-closed on target, max hold or expiry.
type Fill struct {
	RequestID  string    `json:"request_id"`
	PositionID string    `json:"position_id"`
	Kind       FillKind  `json:"kind"`
	Strategy   string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction,omitempty"` // LONG or SHORT, open fills
	Price      float64   `json:"price"`
	Target     float64   `json:"target_price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	Premium    float64   `json:"premium"`
	Contracts  int       `json:"contracts"`
	MaxHold    Duration  `json:"max_hold,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	PnL        float64   `json:"pnl"` // realized, close fills only
	Time       time.Time `json:"time"`
}

// Position is one open position tracked by the account state.
type Position struct {
	ID           string    `json:"id"`
	Strategy     string    `json:"strategy"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	TargetPrice  float64   `json:"target_price"`
	StopPrice    float64   `json:"stop_price"`
	Premium      float64   `json:"premium"`
	NumContracts int       `json:"num_contracts"`
	OpenedAt     time.Time `json:"opened_at"`
	MaxHold      Duration  `json:"max_hold"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// Flagged marks a position recovery could not evaluate; it stays open
	// until an operator resolves it.
	Flagged    bool   `json:"flagged,omitempty"`
	FlagReason string `json:"flag_reason,omitempty"`
}

// Duration wraps time.Duration with JSON round-tripping as a duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
