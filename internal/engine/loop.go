package engine

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/market"
	"tradeguard/internal/recovery"
	"tradeguard/internal/regime"
	"tradeguard/internal/safety"
	"tradeguard/internal/state"
)

// Auditor receives decisions and fills for durable audit. Calls run on the
// loop goroutine, so implementations must hand slow writes off rather than
// block the tick; nil disables auditing.
type Auditor interface {
	RecordValidation(req safety.TradeRequest, res safety.ValidationResult)
	RecordTrade(fill safety.Fill)
}

// Loop is the single-threaded decision core: one tick pulls market data,
// reclassifies the regime, sweeps open positions for exits, validates queued
// proposals and persists state. Everything that mutates the safety aggregate
// happens here or behind the gate's own serialization.
type Loop struct {
	Interval time.Duration

	provider   market.Provider
	classifier *regime.Classifier
	gate       *safety.Gate
	health     *safety.HealthMonitor
	bank       *breaker.Bank
	store      *state.Store
	inbox      *Inbox
	audit      Auditor

	lastTick atomic.Int64

	Now func() time.Time
}

func NewLoop(interval time.Duration, provider market.Provider, classifier *regime.Classifier,
	gate *safety.Gate, health *safety.HealthMonitor, bank *breaker.Bank,
	store *state.Store, inbox *Inbox, audit Auditor) *Loop {

	l := &Loop{
		Interval:   interval,
		provider:   provider,
		classifier: classifier,
		gate:       gate,
		health:     health,
		bank:       bank,
		store:      store,
		inbox:      inbox,
		audit:      audit,
		Now:        time.Now,
	}
	gate.OnChange(l.persist)
	return l
}

// LastTick reports the completion time of the most recent tick. The
// heartbeat emitter and in-process watchdog poll this.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run ticks until the context ends.
func (l *Loop) Run(ctx context.Context) {
	log.Printf("[ENGINE] decision loop started, tick interval %v", l.Interval)
	defer l.inbox.close()

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[ENGINE] decision loop stopping")
			l.persist()
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation pass.
func (l *Loop) Tick(ctx context.Context) {
	now := l.Now()

	snap, err := l.provider.Snapshot(ctx)
	if err != nil {
		l.gate.RecordError("market_data", err.Error())
	} else {
		l.health.MarkData(snap.Time)
		l.health.MarkConnectivity(now)
		l.classifier.Update(snap)
	}

	l.gate.Rollover(now)
	l.gate.CheckHealth(ctx)

	if err == nil {
		l.sweepExits(snap, now)
	}

	for _, p := range l.inbox.drain() {
		res := l.gate.Validate(p.req)
		if l.audit != nil {
			l.audit.RecordValidation(p.req, res)
		}
		p.reply <- res
	}

	l.persist()
	l.lastTick.Store(l.Now().UnixNano())
}

// sweepExits closes open positions whose target, max hold or expiry has been
// reached, using the same evaluator the startup recovery uses.
func (l *Loop) sweepExits(snap market.Snapshot, now time.Time) {
	st := l.gate.Export()
	for _, pos := range st.Account.OpenPositions {
		price, ok := snap.Price, pos.Symbol == snap.Symbol
		out := recovery.Evaluate(pos, price, ok, now)
		if out.Decision != recovery.DecisionClose {
			continue
		}
		log.Printf("[ENGINE] closing %s (%s): %s pnl=%.2f", pos.ID, pos.Symbol, out.Reason, out.Fill.PnL)
		l.gate.RecordFill(*out.Fill)
		if l.audit != nil {
			l.audit.RecordTrade(*out.Fill)
		}
	}
}

// persist snapshots the whole safety aggregate. Called after every mutation
// and at the end of every tick; the store serializes concurrent calls.
func (l *Loop) persist() {
	payload := state.Payload{
		Gate:     l.gate.Export(),
		Breakers: l.bank.States(),
		Regime:   l.classifier.State(),
	}
	if err := l.store.Save(payload); err != nil {
		log.Printf("[ENGINE] snapshot save failed: %v", err)
	}
}
