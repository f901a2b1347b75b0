package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the control plane.
// Safety limits live in a separate YAML file (see limits.go); everything here
// is process wiring: paths, ports, intervals, secrets.
type Config struct {
	Port string

	// Paths
	StateDir   string // snapshot ring + heartbeat record
	DBPath     string // sqlite audit journal
	LimitsPath string // YAML safety limits

	// Market data
	Symbol      string
	UseMockFeed bool

	// Account seed used only when no snapshot survives recovery.
	InitialBalance float64

	// Decision loop
	TickInterval time.Duration

	// Liveness
	HeartbeatInterval  time.Duration
	WatchdogPoll       time.Duration
	WatchdogStallAfter time.Duration

	// External supervisor
	SupervisorPoll       time.Duration
	SupervisorStallAfter time.Duration
	RestartCooldown      time.Duration
	SupervisedCommand    string

	// Operator auth
	JWTSecret          string
	OperatorSecretHash string // bcrypt hash of the operator login secret
	SafeModeSecretHash string // bcrypt hash of the safe-mode clear confirmation

	// Browser origin allowed to call the API. "*" keeps local dashboards
	// working out of the box; deployments pin it to the real origin.
	DashboardOrigin string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StateDir:             getEnv("STATE_DIR", "./state"),
		DBPath:               getEnv("DB_PATH", "./data/tradeguard.db"),
		LimitsPath:           getEnv("LIMITS_PATH", "./configs/limits.yaml"),
		Symbol:               getEnv("SYMBOL", "QQQ"),
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		InitialBalance:       getEnvFloat("INITIAL_BALANCE", 0),
		TickInterval:         getEnvDuration("TICK_INTERVAL", 5*time.Second),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		WatchdogPoll:         getEnvDuration("WATCHDOG_POLL", 10*time.Second),
		WatchdogStallAfter:   getEnvDuration("WATCHDOG_STALL_AFTER", 60*time.Second),
		SupervisorPoll:       getEnvDuration("SUPERVISOR_POLL", 15*time.Second),
		SupervisorStallAfter: getEnvDuration("SUPERVISOR_STALL_AFTER", 60*time.Second),
		RestartCooldown:      getEnvDuration("RESTART_COOLDOWN", 2*time.Minute),
		SupervisedCommand:    getEnv("SUPERVISED_COMMAND", "./tradeguard"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		OperatorSecretHash:   os.Getenv("OPERATOR_SECRET_HASH"),
		SafeModeSecretHash:   os.Getenv("SAFE_MODE_SECRET_HASH"),
		DashboardOrigin:      getEnv("DASHBOARD_ORIGIN", "*"),
	}

	if cfg.HeartbeatInterval >= cfg.WatchdogStallAfter {
		return nil, fmt.Errorf("heartbeat interval %v must be shorter than watchdog stall threshold %v",
			cfg.HeartbeatInterval, cfg.WatchdogStallAfter)
	}
	if cfg.SupervisorPoll >= cfg.SupervisorStallAfter {
		return nil, fmt.Errorf("supervisor poll %v must be shorter than its stall threshold %v",
			cfg.SupervisorPoll, cfg.SupervisorStallAfter)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are treated as seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
