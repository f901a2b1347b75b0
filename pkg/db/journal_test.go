package db

import (
	"context"
	"testing"
	"time"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Journal()
}

func TestEventRoundTrip(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	err := j.AppendEvent(ctx, "breaker.trip", "WARN", "rapid_loss", map[string]any{"reason": "3 events"})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.AppendEvent(ctx, "regime.change", "INFO", "NORMAL_VOL -> HIGH_VOL", nil); err != nil {
		t.Fatal(err)
	}

	events, err := j.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Topic != "regime.change" {
		t.Fatalf("want newest first, got %s", events[0].Topic)
	}

	filtered, err := j.ListEvents(ctx, "breaker.trip", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Message != "rapid_loss" {
		t.Fatalf("topic filter failed: %+v", filtered)
	}
}

func TestValidationRoundTrip(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	err := j.AppendValidation(ctx, ValidationRecord{
		RequestID: "req-1",
		Kind:      "ENTRY",
		Strategy:  "vwap_bounce",
		Symbol:    "SPY",
		Regime:    "NORMAL_VOL",
		Approved:  false,
		Reason:    "Daily loss limit exceeded (-2100.00)",
		Checks:    `[{"name":"kill_switch","passed":true}]`,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := j.ListValidations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 validation, got %d", len(got))
	}
	if got[0].Approved || got[0].Reason == "" || got[0].Regime != "NORMAL_VOL" {
		t.Fatalf("validation fields lost: %+v", got[0])
	}
}

func TestTradeRoundTrip(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	err := j.AppendTrade(ctx, TradeRecord{
		PositionID: "p1", Kind: "CLOSE", Strategy: "s", Symbol: "SPY",
		Price: 505, Premium: 1000, Contracts: 2, PnL: -700,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := j.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PnL != -700 {
		t.Fatalf("trade lost: %+v", got)
	}
}

func TestRestartRoundTrip(t *testing.T) {
	j := testJournal(t)

	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if err := j.AppendRestart(at, "heartbeat stale", 1); err != nil {
		t.Fatal(err)
	}

	got, err := j.ListRestarts(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Attempt != 1 || got[0].Reason != "heartbeat stale" {
		t.Fatalf("restart lost: %+v", got)
	}
}
