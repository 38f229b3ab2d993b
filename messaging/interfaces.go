package messaging

import (
	"time"
)

// CallOutcome is the terminal state of an RPC call
type CallOutcome string

const (
	CallResolved  CallOutcome = "resolved"
	CallRejected  CallOutcome = "rejected"
	CallTimedOut  CallOutcome = "timeout"
	CallCancelled CallOutcome = "cancelled"
	CallFailed    CallOutcome = "failed"
)

// DeliveryOutcome describes how an inbound delivery was handled
type DeliveryOutcome string

const (
	DeliveryProcessed DeliveryOutcome = "processed"
	DeliveryFailed    DeliveryOutcome = "failed"
	DeliveryMalformed DeliveryOutcome = "malformed"
	DeliveryStale     DeliveryOutcome = "stale"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordSend records one broker write
	RecordSend(destination string, kind string, success bool)

	// RecordFlush records a pack queue flush
	RecordFlush(destination string, items int, duration time.Duration, err error)

	// RecordCall records the end of an RPC call
	RecordCall(destination string, outcome CallOutcome, duration time.Duration)

	// RecordDelivery records an inbound delivery
	RecordDelivery(destination string, outcome DeliveryOutcome)

	// SetPendingCalls reports the number of calls awaiting a reply
	SetPendingCalls(destination string, count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (NoOpMetricsCollector) RecordSend(destination string, kind string, success bool) {}

// RecordFlush does nothing
func (NoOpMetricsCollector) RecordFlush(destination string, items int, duration time.Duration, err error) {
}

// RecordCall does nothing
func (NoOpMetricsCollector) RecordCall(destination string, outcome CallOutcome, duration time.Duration) {
}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(destination string, outcome DeliveryOutcome) {}

// SetPendingCalls does nothing
func (NoOpMetricsCollector) SetPendingCalls(destination string, count int) {}
