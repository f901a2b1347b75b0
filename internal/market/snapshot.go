package market

import (
	"context"
	"time"
)

// Bar is one completed OHLCV bar. Providers must only return bars whose
// interval ended strictly before the snapshot time: the classifier depends on
// never seeing a partial or future bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Snapshot is the pull-based market view consumed by one decision tick.
type Snapshot struct {
	Symbol   string    `json:"symbol"`
	Time     time.Time `json:"time"`
	Price    float64   `json:"price"`
	Daily    []Bar     `json:"daily"`    // completed daily bars, oldest first
	Intraday []Bar     `json:"intraday"` // completed short-window bars, oldest first
}

// Provider supplies market snapshots on demand. The decision loop pulls one
// snapshot per tick so regime classification stays synchronous with the tick.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}
