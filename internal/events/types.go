package events

import "time"

// Topic enumerates the control-plane event stream consumed by dashboards and
// alerting. These are outputs for observers; nothing inside the core reacts to
// its own events.
type Topic string

const (
	TopicRegimeChange  Topic = "regime.change"
	TopicBreakerTrip   Topic = "breaker.trip"
	TopicBreakerReset  Topic = "breaker.reset"
	TopicKillSwitch    Topic = "emergency.kill_switch"
	TopicSafeMode      Topic = "emergency.safe_mode"
	TopicTradeApproved Topic = "trade.approved"
	TopicTradeRejected Topic = "trade.rejected"
	TopicPositionClose Topic = "position.close"
	TopicHealth        Topic = "health.degraded"
	TopicRestart       Topic = "process.restart"
	TopicAlert         Topic = "alert"
	TopicPriceTick     Topic = "price.tick"
)

// Envelope is the uniform payload published on every topic.
type Envelope struct {
	Topic   Topic          `json:"topic"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
