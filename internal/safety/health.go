package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"tradeguard/pkg/config"
)

// HealthMonitor runs the four operational checks: market hours, data
// freshness, resource pressure and upstream connectivity. Resource probes can
// block, so each run is bounded by the configured budget and a timed-out probe
// counts as unhealthy rather than stalling the caller.
type HealthMonitor struct {
	mu       sync.Mutex
	limits   config.HealthLimits
	loc      *time.Location
	lastData time.Time
	lastConn time.Time

	Now      func() time.Time
	CPUProbe func(ctx context.Context) (float64, error)
	MemProbe func(ctx context.Context) (float64, error)
}

func NewHealthMonitor(limits config.HealthLimits) (*HealthMonitor, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	return &HealthMonitor{
		limits:   limits,
		loc:      loc,
		Now:      time.Now,
		CPUProbe: systemCPUPercent,
		MemProbe: systemMemoryPercent,
	}, nil
}

// SetLimits applies hot-reloaded health thresholds.
func (h *HealthMonitor) SetLimits(limits config.HealthLimits) {
	h.mu.Lock()
	h.limits = limits
	h.mu.Unlock()
}

// MarkData records a successful market-data update.
func (h *HealthMonitor) MarkData(t time.Time) {
	h.mu.Lock()
	h.lastData = t
	h.mu.Unlock()
}

// MarkConnectivity records a successful upstream round-trip.
func (h *HealthMonitor) MarkConnectivity(t time.Time) {
	h.mu.Lock()
	h.lastConn = t
	h.mu.Unlock()
}

// Check runs all four checks and returns overall health plus the reasons for
// every failure. Never blocks past the configured budget.
func (h *HealthMonitor) Check(ctx context.Context) (bool, []string) {
	h.mu.Lock()
	limits := h.limits
	lastData := h.lastData
	lastConn := h.lastConn
	h.mu.Unlock()

	now := h.Now()
	var reasons []string

	if ok, why := h.marketOpen(now, limits); !ok {
		reasons = append(reasons, why)
	}

	if lastData.IsZero() {
		reasons = append(reasons, "no market data received yet")
	} else if age := now.Sub(lastData); age > time.Duration(limits.MaxDataStalenessSec)*time.Second {
		reasons = append(reasons, fmt.Sprintf("market data stale: last update %v ago", age.Round(time.Second)))
	}

	if lastConn.IsZero() {
		reasons = append(reasons, "no upstream connectivity confirmed yet")
	} else if age := now.Sub(lastConn); age > time.Duration(limits.MaxConnectivityAgeSec)*time.Second {
		reasons = append(reasons, fmt.Sprintf("upstream connectivity stale: last round-trip %v ago", age.Round(time.Second)))
	}

	reasons = append(reasons, h.resourceCheck(ctx, limits)...)

	return len(reasons) == 0, reasons
}

func (h *HealthMonitor) marketOpen(now time.Time, limits config.HealthLimits) (bool, string) {
	local := now.In(h.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "market closed: weekend"
	}
	open, _ := time.Parse("15:04", limits.MarketOpen)
	close_, _ := time.Parse("15:04", limits.MarketClose)
	minutes := local.Hour()*60 + local.Minute()
	if minutes < open.Hour()*60+open.Minute() || minutes >= close_.Hour()*60+close_.Minute() {
		return false, fmt.Sprintf("market closed: outside %s-%s %s", limits.MarketOpen, limits.MarketClose, h.loc)
	}
	return true, ""
}

// resourceCheck probes CPU and memory inside the time budget. A probe that
// does not return in time is reported as a failure.
func (h *HealthMonitor) resourceCheck(ctx context.Context, limits config.HealthLimits) []string {
	budget := time.Duration(limits.CheckBudgetMs) * time.Millisecond
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type probe struct {
		reasons []string
	}
	done := make(chan probe, 1)
	go func() {
		var r probe
		if pct, err := h.CPUProbe(ctx); err != nil {
			r.reasons = append(r.reasons, fmt.Sprintf("cpu probe failed: %v", err))
		} else if pct > limits.MaxCPUPct {
			r.reasons = append(r.reasons, fmt.Sprintf("cpu usage %.1f%% exceeds %.1f%%", pct, limits.MaxCPUPct))
		}
		if pct, err := h.MemProbe(ctx); err != nil {
			r.reasons = append(r.reasons, fmt.Sprintf("memory probe failed: %v", err))
		} else if pct > limits.MaxMemoryPct {
			r.reasons = append(r.reasons, fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", pct, limits.MaxMemoryPct))
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r.reasons
	case <-ctx.Done():
		return []string{fmt.Sprintf("resource probe exceeded %v budget", budget)}
	}
}

func systemCPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return pcts[0], nil
}

func systemMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
