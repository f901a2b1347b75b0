package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"tradeguard/internal/events"
)

// MockProvider generates a synthetic random-walk series for local development
// and tests. Each Snapshot call advances the walk by one step and returns a
// rolling window of completed bars.
type MockProvider struct {
	Symbol     string
	StartPrice float64
	Step       float64

	mu       sync.Mutex
	price    float64
	daily    []Bar
	intraday []Bar
	now      func() time.Time
}

func NewMockProvider(symbol string, startPrice, step float64) *MockProvider {
	if startPrice == 0 {
		startPrice = 100
	}
	if step == 0 {
		step = 0.5
	}
	m := &MockProvider{
		Symbol:     symbol,
		StartPrice: startPrice,
		Step:       step,
		price:      startPrice,
		now:        time.Now,
	}
	m.seed()
	return m
}

// seed pre-fills enough completed bars for volatility lookbacks.
func (m *MockProvider) seed() {
	now := m.now()
	price := m.StartPrice
	for i := 40; i > 0; i-- {
		next := price + (rand.Float64()*2-1)*m.Step
		m.daily = append(m.daily, bar(now.AddDate(0, 0, -i), price, next))
		price = next
	}
	for i := 30; i > 0; i-- {
		next := price + (rand.Float64()*2-1)*m.Step*0.2
		m.intraday = append(m.intraday, bar(now.Add(-time.Duration(i)*time.Minute), price, next))
		price = next
	}
	m.price = price
}

func (m *MockProvider) Snapshot(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.price + (rand.Float64()*2-1)*m.Step*0.2
	now := m.now()
	m.intraday = append(m.intraday[1:], bar(now.Add(-time.Minute), m.price, next))
	m.price = next

	// Roll the daily window when the walk crosses a calendar day.
	if last := m.daily[len(m.daily)-1]; now.Sub(last.Time) >= 48*time.Hour {
		m.daily = append(m.daily[1:], bar(now.AddDate(0, 0, -1), last.Close, next))
	}

	return Snapshot{
		Symbol:   m.Symbol,
		Time:     now,
		Price:    m.price,
		Daily:    append([]Bar(nil), m.daily...),
		Intraday: append([]Bar(nil), m.intraday...),
	}, nil
}

func bar(t time.Time, open, close float64) Bar {
	hi, lo := open, close
	if close > open {
		hi, lo = close, open
	}
	return Bar{Time: t, Open: open, High: hi * 1.001, Low: lo * 0.999, Close: close, Volume: 1000}
}

// TickPublisher streams the provider's price onto the bus for dashboard
// consumers. Runs independently of the decision loop.
type TickPublisher struct {
	Provider Provider
	Bus      *events.Bus
	Interval time.Duration
}

func (p *TickPublisher) Start(ctx context.Context) {
	if p.Provider == nil || p.Bus == nil {
		return
	}
	interval := p.Interval
	if interval == 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				snap, err := p.Provider.Snapshot(ctx)
				if err != nil {
					continue
				}
				p.Bus.Publish(events.TopicPriceTick, snap.Symbol, map[string]any{
					"price": snap.Price,
					"time":  snap.Time,
				})
			}
		}
	}()
}
