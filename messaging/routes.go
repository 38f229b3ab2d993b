package messaging

import (
	"time"
)

const (
	// DefaultPackSize is the batch size used when a push asks for packing without a size
	DefaultPackSize = 1

	// DefaultPackInterval is how long buffered pushes wait before a timed flush
	DefaultPackInterval = 10 * time.Second
)

// RouteOptions holds per-destination settings
type RouteOptions struct {
	// TimeToLive bounds RPC calls and the lifetime of messages in the worker queue
	TimeToLive time.Duration

	// ReplyExpires deletes an idle reply queue after this long
	ReplyExpires time.Duration

	// QueueSize and Interval configure push batching
	QueueSize int
	Interval  time.Duration
}

// Routes resolves options for a destination. Destination entries override
// non-zero fields of Defaults.
type Routes struct {
	Defaults     RouteOptions
	Destinations map[string]RouteOptions
}

// Lookup returns the effective options for destination
func (r Routes) Lookup(destination string) RouteOptions {
	opts := r.Defaults
	override, ok := r.Destinations[destination]
	if !ok {
		return opts
	}
	if override.TimeToLive > 0 {
		opts.TimeToLive = override.TimeToLive
	}
	if override.ReplyExpires > 0 {
		opts.ReplyExpires = override.ReplyExpires
	}
	if override.QueueSize > 0 {
		opts.QueueSize = override.QueueSize
	}
	if override.Interval > 0 {
		opts.Interval = override.Interval
	}
	return opts
}

// WorkerQueueOptions returns the declaration used for a destination's worker queue
func WorkerQueueOptions(route RouteOptions) QueueOptions {
	return QueueOptions{
		Durable:    true,
		MessageTTL: route.TimeToLive,
	}
}

// ReplyQueueOptions returns the declaration used for a destination's reply queue
func ReplyQueueOptions(route RouteOptions) QueueOptions {
	return QueueOptions{
		Durable:    false,
		Exclusive:  true,
		AutoDelete: true,
		MessageTTL: route.TimeToLive,
		Expires:    route.ReplyExpires,
	}
}

func workerQueueKey(destination string) string {
	return "worker:" + destination
}

func replyQueueKey(destination string) string {
	return "reply:" + destination
}

func exchangeKey(exchange string) string {
	return "exchange:" + exchange
}
