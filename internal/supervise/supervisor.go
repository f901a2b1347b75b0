package supervise

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"tradeguard/internal/state"
)

// RestartRecorder journals supervisor restarts for audit. Satisfied by the
// sqlite journal; nil disables recording.
type RestartRecorder interface {
	AppendRestart(at time.Time, reason string, attempt int) error
}

// ProcessHandle is the supervisor's view of the supervised process.
type ProcessHandle interface {
	Alive() bool
	Kill() error
}

// SupervisorConfig tunes the out-of-process watcher.
type SupervisorConfig struct {
	HeartbeatPath string
	Poll          time.Duration
	StallAfter    time.Duration
	Cooldown      time.Duration

	// EscalateAfter consecutive failed restarts pause the supervisor for
	// EscalateBackoff before it tries again.
	EscalateAfter   int
	EscalateBackoff time.Duration

	Command []string
}

// Supervisor polls the heartbeat file from outside the trading process and
// restarts it on staleness. It shares no memory with the supervised process:
// the heartbeat and snapshot files are the whole protocol.
type Supervisor struct {
	cfg      SupervisorConfig
	recorder RestartRecorder

	launch func() (ProcessHandle, error)
	Now    func() time.Time
	sleep  func(time.Duration)

	proc                ProcessHandle
	lastRestart         time.Time
	restartCount        int
	consecutiveFailures int
}

func NewSupervisor(cfg SupervisorConfig, recorder RestartRecorder) *Supervisor {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	if cfg.EscalateBackoff <= 0 {
		cfg.EscalateBackoff = 5 * time.Minute
	}
	s := &Supervisor{
		cfg:      cfg,
		recorder: recorder,
		Now:      time.Now,
		sleep:    time.Sleep,
	}
	s.launch = s.launchCommand
	return s
}

// Run polls until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	log.Printf("[SUPERVISOR] watching %s every %v, stall threshold %v",
		s.cfg.HeartbeatPath, s.cfg.Poll, s.cfg.StallAfter)

	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce()
		}
	}
}

// checkOnce evaluates one poll. Exported through tests only.
func (s *Supervisor) checkOnce() {
	stale, reason := s.heartbeatStale()
	if !stale {
		s.consecutiveFailures = 0
		return
	}

	now := s.Now()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) < s.cfg.Cooldown {
		log.Printf("[SUPERVISOR] %s, but inside %v restart cooldown", reason, s.cfg.Cooldown)
		return
	}

	s.restart(reason)
}

func (s *Supervisor) heartbeatStale() (bool, string) {
	hb, err := state.ReadHeartbeat(s.cfg.HeartbeatPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "no heartbeat record found"
		}
		return true, fmt.Sprintf("heartbeat unreadable: %v", err)
	}
	// A freshly launched process writes heartbeats before its first tick
	// completes; judge it by the write time until LastTick is set.
	ref := hb.LastTick
	if ref.IsZero() {
		ref = hb.WrittenAt
	}
	age := s.Now().Sub(ref)
	if age > s.cfg.StallAfter {
		return true, fmt.Sprintf("heartbeat stale: last tick %v ago (pid %d)", age.Round(time.Second), hb.PID)
	}
	return false, ""
}

func (s *Supervisor) restart(reason string) {
	now := s.Now()
	s.restartCount++
	log.Printf("[SUPERVISOR] restart #%d: %s", s.restartCount, reason)

	if s.proc != nil && s.proc.Alive() {
		if err := s.proc.Kill(); err != nil {
			log.Printf("[SUPERVISOR] kill failed: %v", err)
		}
	}

	proc, err := s.launch()
	if err != nil {
		s.consecutiveFailures++
		log.Printf("[SUPERVISOR] restart failed (%d consecutive): %v", s.consecutiveFailures, err)
		if s.consecutiveFailures >= s.cfg.EscalateAfter {
			log.Printf("[SUPERVISOR] CRITICAL: %d restart failures in a row, backing off %v",
				s.consecutiveFailures, s.cfg.EscalateBackoff)
			s.record(now, fmt.Sprintf("escalation: %d consecutive restart failures", s.consecutiveFailures))
			s.sleep(s.cfg.EscalateBackoff)
			s.consecutiveFailures = 0
		}
		return
	}

	s.proc = proc
	s.lastRestart = now
	s.consecutiveFailures = 0
	s.record(now, reason)
}

func (s *Supervisor) record(at time.Time, reason string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendRestart(at, reason, s.restartCount); err != nil {
		log.Printf("[SUPERVISOR] restart journal write failed: %v", err)
	}
}

func (s *Supervisor) launchCommand() (ProcessHandle, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("no supervised command configured")
	}
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command[0], err)
	}
	h := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}
