package delivery

import "time"

// Metrics receives delivery measurements. observability's Prometheus
// provider implements it.
type Metrics interface {
	// RecordDelivered counts a message handed to the message handler. mode
	// is the state name it arrived in.
	RecordDelivered(mode string)
	// RecordDuplicate counts a message dropped by the dedup window.
	RecordDuplicate(mode string)
	// RecordReconnect counts a reconnect attempt; outcome is "success" or "failure".
	RecordReconnect(outcome string)
	// RecordBackoff observes a reconnect delay.
	RecordBackoff(delay time.Duration)
	// RecordConnectionState marks state as the current one.
	RecordConnectionState(state string)
	// RecordDeliveryError counts an error reported to the error handler.
	RecordDeliveryError(category string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivered(string)       {}
func (nopMetrics) RecordDuplicate(string)       {}
func (nopMetrics) RecordReconnect(string)       {}
func (nopMetrics) RecordBackoff(time.Duration)  {}
func (nopMetrics) RecordConnectionState(string) {}
func (nopMetrics) RecordDeliveryError(string)   {}
