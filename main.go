package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeguard/internal/api"
	"tradeguard/internal/breaker"
	"tradeguard/internal/engine"
	"tradeguard/internal/events"
	"tradeguard/internal/market"
	"tradeguard/internal/monitor"
	"tradeguard/internal/recovery"
	"tradeguard/internal/regime"
	"tradeguard/internal/safety"
	"tradeguard/internal/state"
	"tradeguard/internal/supervise"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MAIN] config load failed: %v", err)
	}

	limits, err := config.LoadLimits(cfg.LimitsPath)
	if err != nil {
		// Refuse to trade with an invalid or missing limits file.
		log.Fatalf("[MAIN] limits load failed: %v", err)
	}
	log.Printf("[MAIN] starting tradeguard, port %s, limits from %s", cfg.Port, cfg.LimitsPath)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[MAIN] db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[MAIN] db migrations failed: %v", err)
	}
	journal := database.Journal()

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("[MAIN] state store init failed: %v", err)
	}

	// Market data. Only the synthetic feed ships with the control plane; a
	// live provider plugs in behind the same interface.
	if !cfg.UseMockFeed {
		log.Printf("[MAIN] no live feed configured for %s, falling back to mock provider", cfg.Symbol)
	}
	provider := market.NewMockProvider(cfg.Symbol, 500, 2)

	classifier := regime.NewClassifier(regime.DefaultThresholds(), regimeOverrides(limits), bus)
	bank := breaker.NewBank(limits.Breakers, bus)

	hm, err := safety.NewHealthMonitor(limits.Health)
	if err != nil {
		log.Fatalf("[MAIN] health monitor init failed: %v", err)
	}

	now := time.Now().UTC()
	gate := safety.NewGate(limits, safety.NewAccountState(cfg.InitialBalance, now), bank, classifier, hm, bus)

	// Crash recovery before anything can trade: restore the newest valid
	// snapshot and resolve every position that was open when we died.
	snap, snapErr := provider.Snapshot(ctx)
	lookup := func(symbol string) (float64, bool) {
		if snapErr == nil && symbol == snap.Symbol {
			return snap.Price, true
		}
		return 0, false
	}
	rep, err := recovery.Run(store, lookup, bus, now)
	if err != nil {
		log.Fatalf("[MAIN] recovery failed: %v", err)
	}
	recovery.Apply(rep, gate, cfg.InitialBalance)
	if rep.FromSnapshot {
		bank.Restore(rep.Payload.Breakers)
		classifier.Restore(rep.Payload.Regime)
		log.Printf("[MAIN] recovered from snapshot seq %d (%d positions reviewed)",
			rep.SnapshotSeq, len(rep.Outcomes))
	}

	// Observability
	metrics := monitor.NewSystemMetrics()
	audit := &monitor.Auditor{Journal: journal, Metrics: metrics}
	audit.Start(ctx)
	mon := &monitor.Monitor{Bus: bus, Journal: journal, Sink: monitor.LogSink{}}
	mon.Start(ctx)

	// Decision loop
	inbox := engine.NewInbox(64)
	loop := engine.NewLoop(cfg.TickInterval, provider, classifier, gate, hm, bank, store, inbox, audit)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	// Liveness: heartbeat file for the external supervisor, plus the
	// in-process watchdog that kills us when the loop itself stalls.
	emitter := supervise.NewEmitter(state.HeartbeatPath(cfg.StateDir), cfg.HeartbeatInterval, loop.LastTick)
	go emitter.Run(ctx)
	watchdog := supervise.NewWatchdog(loop.LastTick, cfg.WatchdogPoll, cfg.WatchdogStallAfter)
	go watchdog.Run(ctx)

	// Dashboard price stream
	ticks := &market.TickPublisher{Provider: provider, Bus: bus, Interval: time.Second}
	ticks.Start(ctx)

	// API
	server := api.NewServer(bus, gate, classifier, inbox, journal, metrics, audit, limits, cfg.LimitsPath, cfg,
		api.SystemMeta{
			Symbol:      cfg.Symbol,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion,
			StartedAt:   now,
		})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[MAIN] api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("[MAIN] shutting down")

	// Let the loop finish its final persist before the process exits.
	cancel()
	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		log.Println("[MAIN] decision loop did not stop in time")
	}
}

// regimeOverrides maps the YAML per-regime limits onto the classifier's
// override table. Regimes absent from the file keep the defaults.
func regimeOverrides(l config.Limits) map[regime.Regime]regime.Overrides {
	ov := regime.DefaultOverrides()
	for name, o := range l.RegimeOverrides {
		ov[regime.Regime(name)] = regime.Overrides{
			MaxConcurrentPositions: o.MaxConcurrentPositions,
			MaxTradesPerDay:        o.MaxTradesPerDay,
		}
	}
	return ov
}
