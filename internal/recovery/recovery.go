package recovery

import (
	"errors"
	"fmt"
	"log"
	"time"

	"tradeguard/internal/events"
	"tradeguard/internal/safety"
	"tradeguard/internal/state"
)

// Decision is what recovery decided for one open position.
type Decision string

const (
	DecisionClose  Decision = "CLOSE"
	DecisionResume Decision = "RESUME"
	DecisionFlag   Decision = "FLAG"
)

// Outcome pairs a position with its recovery decision.
type Outcome struct {
	Position safety.Position
	Decision Decision
	Reason   string
	Fill     *safety.Fill // set for CLOSE decisions
}

// Report summarizes one recovery run.
type Report struct {
	FromSnapshot bool
	SnapshotSeq  uint64
	Payload      state.Payload
	Outcomes     []Outcome
}

// PriceLookup resolves the current price for a symbol. A false return means
// the price is unavailable and the position cannot be evaluated.
type PriceLookup func(symbol string) (float64, bool)

// residualFactor approximates the remaining value of a position closed
// without reaching its target.
const residualFactor = 0.3

// Evaluate decides what to do with one open position given current market
// data. Pure function of its inputs so running it twice yields the same
// decision; both the recovery path and the live loop's exit sweep use it.
func Evaluate(pos safety.Position, price float64, priceOK bool, now time.Time) Outcome {
	if pos.Flagged {
		return Outcome{Position: pos, Decision: DecisionFlag, Reason: pos.FlagReason}
	}
	if !priceOK {
		return Outcome{Position: pos, Decision: DecisionFlag, Reason: "price unavailable for " + pos.Symbol}
	}

	targetHit := pos.TargetPrice > 0 && func() bool {
		if pos.Direction == "SHORT" {
			return price <= pos.TargetPrice
		}
		return price >= pos.TargetPrice
	}()

	expired := !pos.ExpiresAt.IsZero() && !now.Before(pos.ExpiresAt)
	overHeld := pos.MaxHold > 0 && now.Sub(pos.OpenedAt) >= time.Duration(pos.MaxHold)

	var reason string
	switch {
	case targetHit:
		reason = "target reached"
	case expired:
		reason = "position expired"
	case overHeld:
		reason = "max hold time elapsed"
	default:
		return Outcome{Position: pos, Decision: DecisionResume}
	}

	fill := safety.Fill{
		PositionID: pos.ID,
		Kind:       safety.FillClose,
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Price:      price,
		Contracts:  pos.NumContracts,
		PnL:        closePnL(pos, price, targetHit),
		Time:       now,
	}
	return Outcome{Position: pos, Decision: DecisionClose, Reason: reason, Fill: &fill}
}

// closePnL estimates realized P&L for a forced close: full intrinsic move
// when the target was reached, otherwise the residual premium value minus
// cost.
func closePnL(pos safety.Position, price float64, targetHit bool) float64 {
	if targetHit {
		move := price - pos.EntryPrice
		if pos.Direction == "SHORT" {
			move = -move
		}
		return move * 100 * float64(pos.NumContracts)
	}
	return pos.Premium*residualFactor - pos.Premium
}

// Run executes the startup recovery procedure: load the newest valid
// snapshot, evaluate every open position, and return what the caller must
// apply (restores, fills, flags). It never mutates the store.
func Run(store *state.Store, lookup PriceLookup, bus *events.Bus, now time.Time) (Report, error) {
	payload, seq, err := store.Load()
	if errors.Is(err, state.ErrNoValidSnapshot) {
		// Most conservative available start: no positions, safe mode on,
		// and a loud alert. Never invent state.
		log.Printf("[RECOVERY] no valid snapshot: starting in safe mode with empty state")
		if bus != nil {
			bus.Publish(events.TopicAlert, "recovery found no valid snapshot", map[string]any{
				"severity": "critical",
			})
		}
		return Report{FromSnapshot: false}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("load snapshot: %w", err)
	}

	rep := Report{FromSnapshot: true, SnapshotSeq: seq, Payload: payload}
	for _, pos := range payload.Gate.Account.OpenPositions {
		price, ok := lookup(pos.Symbol)
		out := Evaluate(pos, price, ok, now)
		rep.Outcomes = append(rep.Outcomes, out)

		switch out.Decision {
		case DecisionClose:
			log.Printf("[RECOVERY] closing %s (%s): %s pnl=%.2f", pos.ID, pos.Symbol, out.Reason, out.Fill.PnL)
		case DecisionFlag:
			log.Printf("[RECOVERY] flagging %s (%s): %s", pos.ID, pos.Symbol, out.Reason)
			if bus != nil {
				bus.Publish(events.TopicAlert, "position needs operator review", map[string]any{
					"position_id": pos.ID, "symbol": pos.Symbol, "reason": out.Reason,
				})
			}
		}
	}
	return rep, nil
}

// Apply folds a recovery report into the gate: restore the snapshot state,
// then record the forced closes and flag the ambiguous positions. The
// fallback balance seeds a fresh account when nothing could be recovered.
func Apply(rep Report, gate *safety.Gate, fallbackBalance float64) {
	if !rep.FromSnapshot {
		gate.Restore(safety.GateState{Account: safety.NewAccountState(fallbackBalance, time.Now().UTC())})
		gate.EnterSafeMode("recovery found no valid snapshot", true)
		return
	}

	gst := rep.Payload.Gate
	for _, out := range rep.Outcomes {
		switch out.Decision {
		case DecisionFlag:
			pos := gst.Account.OpenPositions[out.Position.ID]
			pos.Flagged = true
			pos.FlagReason = out.Reason
			gst.Account.OpenPositions[out.Position.ID] = pos
		}
	}
	gate.Restore(gst)

	for _, out := range rep.Outcomes {
		if out.Decision == DecisionClose {
			gate.RecordFill(*out.Fill)
		}
	}
}
