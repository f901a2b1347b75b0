package safety

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradeguard/pkg/config"
)

func newTestMonitor(t *testing.T, now time.Time) *HealthMonitor {
	t.Helper()
	hm, err := NewHealthMonitor(config.Defaults().Health)
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	hm.Now = func() time.Time { return now }
	hm.CPUProbe = func(context.Context) (float64, error) { return 20, nil }
	hm.MemProbe = func(context.Context) (float64, error) { return 30, nil }
	hm.MarkData(now)
	hm.MarkConnectivity(now)
	return hm
}

func TestCheckHealthyDuringMarketHours(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) // Monday 10:00 New York
	hm := newTestMonitor(t, now)
	if ok, reasons := hm.Check(context.Background()); !ok {
		t.Fatalf("want healthy, got %v", reasons)
	}
}

func TestCheckFailsOutsideMarketHours(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
	}{
		{"weekend", time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC)},     // Saturday
		{"pre-open", time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)},    // 08:00 New York
		{"post-close", time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC)}, // 16:30 New York
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hm := newTestMonitor(t, tc.now)
			ok, reasons := hm.Check(context.Background())
			if ok {
				t.Fatal("want unhealthy outside market hours")
			}
			if !strings.Contains(strings.Join(reasons, ";"), "market closed") {
				t.Fatalf("missing market-closed reason: %v", reasons)
			}
		})
	}
}

func TestCheckFlagsStaleData(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	hm := newTestMonitor(t, now)
	hm.MarkData(now.Add(-5 * time.Minute)) // limit is 120s

	ok, reasons := hm.Check(context.Background())
	if ok || !strings.Contains(strings.Join(reasons, ";"), "market data stale") {
		t.Fatalf("want stale-data failure, got ok=%v %v", ok, reasons)
	}
}

func TestCheckFlagsResourcePressure(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	hm := newTestMonitor(t, now)
	hm.CPUProbe = func(context.Context) (float64, error) { return 97, nil }

	ok, reasons := hm.Check(context.Background())
	if ok || !strings.Contains(strings.Join(reasons, ";"), "cpu usage") {
		t.Fatalf("want cpu failure, got ok=%v %v", ok, reasons)
	}
}

func TestSlowProbeDegradesWithinBudget(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	hm := newTestMonitor(t, now)
	hm.CPUProbe = func(ctx context.Context) (float64, error) {
		<-ctx.Done() // never returns inside the budget
		return 0, ctx.Err()
	}

	start := time.Now()
	ok, reasons := hm.Check(context.Background())
	elapsed := time.Since(start)

	if ok {
		t.Fatal("timed-out probe must count as unhealthy")
	}
	if !strings.Contains(strings.Join(reasons, ";"), "budget") {
		t.Fatalf("missing budget reason: %v", reasons)
	}
	if elapsed > time.Second {
		t.Fatalf("check blocked past budget: %v", elapsed)
	}
}
