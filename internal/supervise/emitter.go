package supervise

import (
	"context"
	"log"
	"os"
	"time"

	"tradeguard/internal/state"
)

// Emitter publishes the heartbeat record on a fixed interval. It runs apart
// from the decision loop and only forwards the loop's last successful tick,
// so a stalled loop shows up as a stale heartbeat even though the emitter
// itself keeps writing.
type Emitter struct {
	Path     string
	Interval time.Duration
	LastTick func() time.Time

	Now func() time.Time
	PID int
}

func NewEmitter(path string, interval time.Duration, lastTick func() time.Time) *Emitter {
	return &Emitter{
		Path:     path,
		Interval: interval,
		LastTick: lastTick,
		Now:      time.Now,
		PID:      os.Getpid(),
	}
}

// Run writes until the context ends. Write failures are logged and retried
// next interval; a transient disk hiccup should not kill liveness reporting.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	e.write()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.write()
		}
	}
}

func (e *Emitter) write() {
	hb := state.Heartbeat{
		PID:       e.PID,
		LastTick:  e.LastTick(),
		WrittenAt: e.Now(),
	}
	if err := state.WriteHeartbeat(e.Path, hb); err != nil {
		log.Printf("[HEARTBEAT] write failed: %v", err)
	}
}
