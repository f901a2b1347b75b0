package monitor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tradeguard/internal/events"
	"tradeguard/internal/safety"
	"tradeguard/pkg/db"
)

// alert-worthy topics get pushed to the sink as well as journaled.
var alertTopics = map[events.Topic]string{
	events.TopicAlert:       "CRITICAL",
	events.TopicKillSwitch:  "CRITICAL",
	events.TopicSafeMode:    "WARN",
	events.TopicBreakerTrip: "WARN",
	events.TopicRestart:     "WARN",
}

// Monitor drains the event bus into the audit journal and the alert sink.
// Everything here is best effort: a dead journal or sink never propagates
// back into the safety core.
type Monitor struct {
	Bus     *events.Bus
	Journal *db.Journal
	Sink    AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}
	stream, unsub := m.Bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(env)
			}
		}
	}()
}

func (m *Monitor) handle(env events.Envelope) {
	severity, alerting := alertTopics[env.Topic]
	if !alerting {
		severity = "INFO"
	}

	if m.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.Journal.AppendEvent(ctx, string(env.Topic), severity, env.Message, env.Details); err != nil {
			log.Printf("[MONITOR] journal append failed: %v", err)
		}
		cancel()
	}

	if alerting {
		if err := m.Sink.Send("[" + env.Time.Format(time.RFC3339) + "] " + env.Message); err != nil {
			log.Printf("[MONITOR] alert delivery failed: %v", err)
		}
	}
}

// Auditor persists gate decisions and fills. It satisfies the decision
// loop's audit interface. Start moves journal writes onto a background
// goroutine so records never block the loop; without Start, writes happen
// inline, which short-lived callers and tests rely on.
type Auditor struct {
	Journal *db.Journal
	Metrics *SystemMetrics

	queue chan func(context.Context)
}

// Start launches the background journal writer. A full queue drops the
// record rather than stall the caller.
func (a *Auditor) Start(ctx context.Context) {
	a.queue = make(chan func(context.Context), 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case write := <-a.queue:
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				write(wctx)
				cancel()
			}
		}
	}()
}

func (a *Auditor) submit(write func(context.Context)) {
	if a.queue == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		write(ctx)
		return
	}
	select {
	case a.queue <- write:
	default:
		log.Println("[MONITOR] audit queue full, record dropped")
	}
}

func (a *Auditor) RecordValidation(req safety.TradeRequest, res safety.ValidationResult) {
	if a.Metrics != nil {
		a.Metrics.IncrementValidation(res.Approved)
	}
	if a.Journal == nil {
		return
	}
	checks, _ := json.Marshal(res.Checks)
	rec := db.ValidationRecord{
		RequestID: req.ID,
		Kind:      string(req.Kind),
		Strategy:  req.Strategy,
		Symbol:    req.Symbol,
		Regime:    res.Limits.Regime,
		Approved:  res.Approved,
		Reason:    res.Reason,
		Checks:    string(checks),
	}
	a.submit(func(ctx context.Context) {
		if err := a.Journal.AppendValidation(ctx, rec); err != nil {
			log.Printf("[MONITOR] validation journal failed: %v", err)
		}
	})
}

func (a *Auditor) RecordTrade(fill safety.Fill) {
	if a.Journal == nil {
		return
	}
	rec := db.TradeRecord{
		PositionID: fill.PositionID,
		Kind:       string(fill.Kind),
		Strategy:   fill.Strategy,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Premium:    fill.Premium,
		Contracts:  fill.Contracts,
		PnL:        fill.PnL,
	}
	a.submit(func(ctx context.Context) {
		if err := a.Journal.AppendTrade(ctx, rec); err != nil {
			log.Printf("[MONITOR] trade journal failed: %v", err)
		}
	})
}
