package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradeguard/internal/events"
	"tradeguard/internal/safety"
	"tradeguard/pkg/db"
)

type captureSink struct {
	messages []string
}

func (s *captureSink) Send(message string) error {
	s.messages = append(s.messages, message)
	return nil
}

func newTestJournal(t *testing.T) *db.Journal {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return database.Journal()
}

func TestMonitorJournalsAndAlerts(t *testing.T) {
	journal := newTestJournal(t)
	sink := &captureSink{}
	m := &Monitor{Journal: journal, Sink: sink}

	m.handle(events.Envelope{
		Topic:   events.TopicKillSwitch,
		Time:    time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
		Message: "kill switch activated",
		Details: map[string]any{"reason": "operator"},
	})
	m.handle(events.Envelope{
		Topic:   events.TopicRegimeChange,
		Time:    time.Now().UTC(),
		Message: "regime LOW_VOL -> HIGH_VOL",
	})

	rows, err := journal.ListEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 journaled events, got %d", len(rows))
	}
	// Newest first.
	if rows[0].Topic != string(events.TopicRegimeChange) || rows[0].Severity != "INFO" {
		t.Errorf("regime event journaled as %s/%s", rows[0].Topic, rows[0].Severity)
	}
	if rows[1].Topic != string(events.TopicKillSwitch) || rows[1].Severity != "CRITICAL" {
		t.Errorf("kill switch event journaled as %s/%s", rows[1].Topic, rows[1].Severity)
	}

	// Only the kill switch should reach the sink.
	if len(sink.messages) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(sink.messages))
	}
	if !strings.Contains(sink.messages[0], "kill switch activated") {
		t.Errorf("alert message = %q", sink.messages[0])
	}
}

func TestMonitorDrainsBus(t *testing.T) {
	journal := newTestJournal(t)
	bus := events.NewBus()
	sink := &captureSink{}
	m := &Monitor{Bus: bus, Journal: journal, Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.TopicBreakerTrip, "breaker rapid_loss tripped", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := journal.ListEvents(context.Background(), string(events.TopicBreakerTrip), 5)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].Severity != "WARN" {
				t.Errorf("breaker trip severity = %s, want WARN", rows[0].Severity)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("breaker trip event never reached the journal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuditorRecordsValidation(t *testing.T) {
	journal := newTestJournal(t)
	metrics := NewSystemMetrics()
	a := &Auditor{Journal: journal, Metrics: metrics}

	req := safety.NewTradeRequest(safety.KindEntry, "iron_condor", "SPX")
	a.RecordValidation(req, safety.ValidationResult{
		RequestID: req.ID,
		Approved:  true,
		Checks: []safety.CheckResult{
			{Name: "kill_switch", Passed: true},
			{Name: "daily_loss", Passed: true},
		},
		Limits: safety.EffectiveLimits{Regime: "LOW_VOL"},
	})
	a.RecordValidation(req, safety.ValidationResult{
		RequestID: req.ID,
		Approved:  false,
		Reason:    "Kill switch activated - all trading suspended",
	})

	snap := metrics.GetSnapshot()
	if snap.Validations != 2 || snap.Approvals != 1 || snap.Rejections != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1", snap.Validations, snap.Approvals, snap.Rejections)
	}

	rows, err := journal.ListValidations(context.Background(), 10)
	if err != nil {
		t.Fatalf("list validations: %v", err)
	}
	// Same request id twice uses INSERT OR REPLACE; one row survives.
	if len(rows) != 1 {
		t.Fatalf("expected 1 validation row, got %d", len(rows))
	}
	if rows[0].Approved {
		t.Error("latest decision should have replaced the approval")
	}
	if rows[0].Strategy != "iron_condor" || rows[0].Symbol != "SPX" {
		t.Errorf("row identity = %s/%s", rows[0].Strategy, rows[0].Symbol)
	}
}

func TestAuditorQueuesWritesWhenStarted(t *testing.T) {
	journal := newTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &Auditor{Journal: journal, Metrics: NewSystemMetrics()}
	a.Start(ctx)

	req := safety.NewTradeRequest(safety.KindEntry, "vwap_bounce", "SPY")
	a.RecordValidation(req, safety.ValidationResult{RequestID: req.ID, Approved: true})
	a.RecordTrade(safety.Fill{PositionID: "pos-9", Kind: safety.FillOpen, Strategy: "vwap_bounce", Symbol: "SPY"})

	// Writes land on the background goroutine; the caller never waits.
	deadline := time.Now().Add(2 * time.Second)
	for {
		vals, err := journal.ListValidations(context.Background(), 5)
		if err != nil {
			t.Fatalf("list validations: %v", err)
		}
		trades, err := journal.ListTrades(context.Background(), 5)
		if err != nil {
			t.Fatalf("list trades: %v", err)
		}
		if len(vals) == 1 && len(trades) == 1 {
			if vals[0].RequestID != req.ID || trades[0].PositionID != "pos-9" {
				t.Fatalf("queued rows = %+v / %+v", vals[0], trades[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued audit writes never reached the journal (%d/%d rows)", len(vals), len(trades))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuditorRecordsTrade(t *testing.T) {
	journal := newTestJournal(t)
	a := &Auditor{Journal: journal}

	a.RecordTrade(safety.Fill{
		PositionID: "pos-1",
		Kind:       safety.FillClose,
		Strategy:   "iron_condor",
		Symbol:     "SPX",
		Price:      5015.0,
		Premium:    1200,
		Contracts:  2,
		PnL:        360,
	})

	rows, err := journal.ListTrades(context.Background(), 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 trade row, got %d", len(rows))
	}
	if rows[0].PnL != 360 || rows[0].Kind != string(safety.FillClose) {
		t.Errorf("trade row = %+v", rows[0])
	}
}
