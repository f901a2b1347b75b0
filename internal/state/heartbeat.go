package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Heartbeat is the liveness record shared with the external supervisor. It
// carries the decision loop's last successful tick, not the writer's clock,
// so a stuck loop goes stale even while the writer keeps running.
type Heartbeat struct {
	PID       int       `json:"pid"`
	LastTick  time.Time `json:"last_tick"`
	WrittenAt time.Time `json:"written_at"`
}

// HeartbeatPath is the conventional location inside a state directory.
func HeartbeatPath(dir string) string { return filepath.Join(dir, "heartbeat.json") }

// WriteHeartbeat publishes the record atomically. Heartbeats are written far
// more often than snapshots, so no fsync: a lost heartbeat only makes the
// process look slightly older than it is.
func WriteHeartbeat(path string, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat loads the record. A missing file is an error the caller
// treats as "never started".
func ReadHeartbeat(path string) (Heartbeat, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Heartbeat{}, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, nil
}
