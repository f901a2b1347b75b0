package supervise

import (
	"context"
	"log"
	"os"
	"time"
)

// Watchdog polls the decision loop's last-tick timestamp in process and
// force-terminates when it goes stale. A stalled loop cannot be trusted to
// shut down cleanly, so this is a hard exit: the external supervisor and the
// recovery procedure handle what comes next.
type Watchdog struct {
	LastTick   func() time.Time
	Poll       time.Duration
	StallAfter time.Duration

	Now  func() time.Time
	Exit func(code int)
}

func NewWatchdog(lastTick func() time.Time, poll, stallAfter time.Duration) *Watchdog {
	return &Watchdog{
		LastTick:   lastTick,
		Poll:       poll,
		StallAfter: stallAfter,
		Now:        time.Now,
		Exit: func(code int) {
			os.Exit(code)
		},
	}
}

// Run polls until the context ends or the stall threshold is crossed.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.checkOnce() {
				return
			}
		}
	}
}

// checkOnce returns true when it fired the exit path.
func (w *Watchdog) checkOnce() bool {
	last := w.LastTick()
	if last.IsZero() {
		// Loop has not completed a first tick yet; the stall clock starts
		// after that.
		return false
	}
	if age := w.Now().Sub(last); age > w.StallAfter {
		log.Printf("[WATCHDOG] decision loop stalled: last tick %v ago (threshold %v), terminating",
			age.Round(time.Second), w.StallAfter)
		w.Exit(1)
		return true
	}
	return false
}
