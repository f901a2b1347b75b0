package monitor

import "log"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts to the process log. The default sink when no
// external notifier is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("[ALERT] %s", message)
	return nil
}
