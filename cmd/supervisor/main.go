package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tradeguard/internal/state"
	"tradeguard/internal/supervise"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
)

// The supervisor runs as its own process so it survives anything that kills
// the trading core, including the watchdog's own exit. It shares only the
// heartbeat file and the restart journal with the supervised process.
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[SUPERVISOR] config load failed: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[SUPERVISOR] db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[SUPERVISOR] db migrations failed: %v", err)
	}

	sup := supervise.NewSupervisor(supervise.SupervisorConfig{
		HeartbeatPath: state.HeartbeatPath(cfg.StateDir),
		Poll:          cfg.SupervisorPoll,
		StallAfter:    cfg.SupervisorStallAfter,
		Cooldown:      cfg.RestartCooldown,
		Command:       strings.Fields(cfg.SupervisedCommand),
	}, database.Journal())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("[SUPERVISOR] shutting down")
		cancel()
	}()

	sup.Run(ctx)
}
