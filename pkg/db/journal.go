package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SafetyEvent is one audit row from the event stream.
type SafetyEvent struct {
	ID        int64
	Topic     string
	Severity  string
	Message   string
	Details   string
	CreatedAt time.Time
}

// ValidationRecord is one persisted gate decision.
type ValidationRecord struct {
	RequestID string
	Kind      string
	Strategy  string
	Symbol    string
	Regime    string
	Approved  bool
	Reason    string
	Checks    string // JSON array of check results
	CreatedAt time.Time
}

// TradeRecord is one executed fill.
type TradeRecord struct {
	ID         int64
	PositionID string
	Kind       string
	Strategy   string
	Symbol     string
	Price      float64
	Premium    float64
	Contracts  int
	PnL        float64
	CreatedAt  time.Time
}

// RestartRecord is one supervisor restart.
type RestartRecord struct {
	ID        int64
	Reason    string
	Attempt   int
	CreatedAt time.Time
}

// Journal appends and lists audit rows. All writes are best-effort from the
// caller's point of view: the safety core keeps running when the journal is
// down, it just loses history.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// AppendEvent stores one bus envelope. Details are serialized to JSON.
func (j *Journal) AppendEvent(ctx context.Context, topic, severity, message string, details map[string]any) error {
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO safety_events (topic, severity, message, details) VALUES (?, ?, ?, ?)`,
		topic, severity, message, string(payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendValidation stores one gate decision.
func (j *Journal) AppendValidation(ctx context.Context, v ValidationRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO validations (request_id, kind, strategy, symbol, regime, approved, reason, checks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.RequestID, v.Kind, v.Strategy, v.Symbol, v.Regime, boolToInt(v.Approved), v.Reason, v.Checks)
	if err != nil {
		return fmt.Errorf("append validation: %w", err)
	}
	return nil
}

// AppendTrade stores one fill.
func (j *Journal) AppendTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trades (position_id, kind, strategy, symbol, price, premium, contracts, pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PositionID, t.Kind, t.Strategy, t.Symbol, t.Price, t.Premium, t.Contracts, t.PnL)
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

// AppendRestart stores one supervisor restart. Satisfies the supervisor's
// recorder interface.
func (j *Journal) AppendRestart(at time.Time, reason string, attempt int) error {
	_, err := j.db.Exec(
		`INSERT INTO restarts (reason, attempt, created_at) VALUES (?, ?, ?)`,
		reason, attempt, at.UTC())
	if err != nil {
		return fmt.Errorf("append restart: %w", err)
	}
	return nil
}

// ListEvents returns the newest events, optionally filtered by topic.
func (j *Journal) ListEvents(ctx context.Context, topic string, limit int) ([]SafetyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, topic, severity, message, COALESCE(details,''), created_at FROM safety_events`
	args := []any{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		if err := rows.Scan(&e.ID, &e.Topic, &e.Severity, &e.Message, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListValidations returns the newest gate decisions.
func (j *Journal) ListValidations(ctx context.Context, limit int) ([]ValidationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT request_id, kind, strategy, symbol, regime, approved, COALESCE(reason,''), COALESCE(checks,''), created_at
		 FROM validations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	defer rows.Close()

	var out []ValidationRecord
	for rows.Next() {
		var v ValidationRecord
		var approved int
		if err := rows.Scan(&v.RequestID, &v.Kind, &v.Strategy, &v.Symbol, &v.Regime, &approved, &v.Reason, &v.Checks, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation: %w", err)
		}
		v.Approved = approved != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListTrades returns the newest fills.
func (j *Journal) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, position_id, kind, strategy, symbol, price, premium, contracts, pnl, created_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Kind, &t.Strategy, &t.Symbol, &t.Price, &t.Premium, &t.Contracts, &t.PnL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRestarts returns the newest supervisor restarts.
func (j *Journal) ListRestarts(ctx context.Context, limit int) ([]RestartRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, reason, attempt, created_at FROM restarts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list restarts: %w", err)
	}
	defer rows.Close()

	var out []RestartRecord
	for rows.Next() {
		var r RestartRecord
		if err := rows.Scan(&r.ID, &r.Reason, &r.Attempt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan restart: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
