package safety

import (
	"fmt"
	"time"
)

// TradeStamp records one executed entry for daily counting and spacing.
type TradeStamp struct {
	Strategy string    `json:"strategy"`
	Time     time.Time `json:"time"`
}

// AccountState is the running account aggregate. It is owned by the Gate and
// mutated only on its recording path; everything handed out is a copy.
type AccountState struct {
	Balance     float64 `json:"balance"`
	PeakBalance float64 `json:"peak_balance"`

	DailyPnL   float64 `json:"daily_pnl"`
	WeeklyPnL  float64 `json:"weekly_pnl"`
	MonthlyPnL float64 `json:"monthly_pnl"`

	// Boundary markers for rollover detection, in exchange-local time.
	Day   string `json:"day"`   // 2006-01-02
	Week  string `json:"week"`  // ISO year-week, 2006-W02
	Month string `json:"month"` // 2006-01

	TradesToday   []TradeStamp `json:"trades_today"`
	LastTradeTime time.Time    `json:"last_trade_time,omitempty"`

	OpenPositions map[string]Position `json:"open_positions"`
}

func NewAccountState(balance float64, now time.Time) AccountState {
	a := AccountState{
		Balance:       balance,
		PeakBalance:   balance,
		OpenPositions: make(map[string]Position),
	}
	a.stampBoundaries(now)
	return a
}

func (a *AccountState) stampBoundaries(now time.Time) {
	a.Day = now.Format("2006-01-02")
	y, w := now.ISOWeek()
	a.Week = isoWeekKey(y, w)
	a.Month = now.Format("2006-01")
}

// Rollover resets the periodic counters whose boundary has passed. Daily
// trade counts and spacing reset with the day; P&L accumulators reset with
// their own period. Balance, peak and open positions always carry over.
func (a *AccountState) Rollover(now time.Time) {
	day := now.Format("2006-01-02")
	if day != a.Day {
		a.DailyPnL = 0
		a.TradesToday = nil
		a.LastTradeTime = time.Time{}
		a.Day = day
	}
	y, w := now.ISOWeek()
	if wk := isoWeekKey(y, w); wk != a.Week {
		a.WeeklyPnL = 0
		a.Week = wk
	}
	if m := now.Format("2006-01"); m != a.Month {
		a.MonthlyPnL = 0
		a.Month = m
	}
}

// ApplyPnL folds a realized P&L into every accumulator and tracks the peak.
func (a *AccountState) ApplyPnL(pnl float64) {
	a.Balance += pnl
	a.DailyPnL += pnl
	a.WeeklyPnL += pnl
	a.MonthlyPnL += pnl
	if a.Balance > a.PeakBalance {
		a.PeakBalance = a.Balance
	}
}

// TradesTodayFor counts today's entries for one strategy.
func (a *AccountState) TradesTodayFor(strategy string) int {
	n := 0
	for _, t := range a.TradesToday {
		if t.Strategy == strategy {
			n++
		}
	}
	return n
}

// TotalExposure sums the premium of all open positions.
func (a *AccountState) TotalExposure() float64 {
	total := 0.0
	for _, p := range a.OpenPositions {
		total += p.Premium
	}
	return total
}

// Clone deep-copies the aggregate for safe hand-out.
func (a AccountState) Clone() AccountState {
	c := a
	c.TradesToday = append([]TradeStamp(nil), a.TradesToday...)
	c.OpenPositions = make(map[string]Position, len(a.OpenPositions))
	for id, p := range a.OpenPositions {
		c.OpenPositions[id] = p
	}
	return c
}

func isoWeekKey(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}
