package ports

import "time"

// PresenceMetrics receives presence manager observations.
type PresenceMetrics interface {
	RecordCacheRead(result string)
	RecordAdapterAvailability(adapter string, available bool)
	RecordReconnectAttempt(adapter string, success bool)
	RecordPresenceOperation(op string, duration time.Duration, err error)
}

// SignalMetrics receives signaling server observations.
type SignalMetrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordMessage(messageType string)
	RecordProtocolError()
}
