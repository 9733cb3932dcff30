package brighter

import (
	"fmt"
	"time"
)

// OnMissingChannel tells a channel factory what to do when the underlying
// topic or queue does not exist.
type OnMissingChannel int

const (
	// OnMissingChannelAssume assumes the topology exists and fails at
	// first use if it does not.
	OnMissingChannelAssume OnMissingChannel = iota
	// OnMissingChannelCreate creates missing topics and queues, including
	// the derived defer and dead-letter destinations.
	OnMissingChannelCreate
	// OnMissingChannelValidate checks the topology and fails channel
	// creation if anything is missing.
	OnMissingChannelValidate
)

// DeriveDeferKey derives the defer routing key for a primary routing key
// and requeue delay. Pure and deterministic, so producers and consumers
// configured independently agree on the destination.
func DeriveDeferKey(routingKey string, delay time.Duration) string {
	return fmt.Sprintf("%s_Defer_%d", routingKey, delay.Milliseconds())
}

// DeriveDeadLetterKey derives the dead-letter routing key for a primary
// routing key.
func DeriveDeadLetterKey(routingKey string) string {
	return routingKey + "_DLQ"
}

// Subscription is the per-channel consumption policy. Broker-specific
// tuning lives in the broker packages' own config structs, composed with
// the subscription by the factory rather than by a type hierarchy.
type Subscription struct {
	// Name identifies the subscription; it doubles as the inbox context
	// key and as the consumer-group or durable name where brokers have one.
	Name string

	// ChannelName is the broker-side queue name where queues and topics
	// are distinct concepts; brokers without queues ignore it.
	ChannelName string

	// RoutingKey is the primary topic the subscription consumes.
	RoutingKey string

	// Performers is the number of concurrent consumer workers, each
	// owning its own channel. Default 1.
	Performers int

	// BufferSize bounds the number of messages a single Receive returns.
	// Default 10.
	BufferSize int

	// ReceiveTimeout bounds how long Receive blocks waiting for messages.
	// Default 1 second.
	ReceiveTimeout time.Duration

	// RequeueCount is the number of requeues allowed before a failing
	// message is dead-lettered. -1 means unlimited. Default 3.
	RequeueCount int

	// RequeueDelay is the redelivery delay applied on requeue.
	// Default 500 milliseconds.
	RequeueDelay time.Duration

	// UnacceptableMessageLimit stops the performer once more than this
	// many poison messages have been seen. 0 means unlimited. Default 0.
	UnacceptableMessageLimit int

	// NoWorkPause is the pause after an empty receive, bounding busy-spin
	// on idle channels. Default 500 milliseconds.
	NoWorkPause time.Duration

	// DeferKey is the delay-queue routing key. Derived from RoutingKey
	// and RequeueDelay at construction when not set explicitly.
	DeferKey string

	// DeadLetterKey is the dead-letter routing key. Derived from
	// RoutingKey at construction when not set explicitly.
	DeadLetterKey string

	// MakeChannels controls topology creation. Default assume.
	MakeChannels OnMissingChannel
}

// SubscriptionOption is a function that configures a Subscription instance.
type SubscriptionOption func(*Subscription)

// WithPerformers sets the number of concurrent consumer workers.
// Must be positive.
func WithPerformers(n int) SubscriptionOption {
	return func(s *Subscription) {
		if n > 0 {
			s.Performers = n
		}
	}
}

// WithBufferSize sets the maximum batch size returned by a single receive.
// Must be positive.
func WithBufferSize(n int) SubscriptionOption {
	return func(s *Subscription) {
		if n > 0 {
			s.BufferSize = n
		}
	}
}

// WithReceiveTimeout bounds how long a receive blocks.
func WithReceiveTimeout(d time.Duration) SubscriptionOption {
	return func(s *Subscription) {
		s.ReceiveTimeout = d
	}
}

// WithRequeueCount sets how many times a transiently failing message is
// requeued before dead-lettering. -1 means unlimited; unlimited requeues
// are paced by the requeue delay alone.
func WithRequeueCount(n int) SubscriptionOption {
	return func(s *Subscription) {
		s.RequeueCount = n
	}
}

// WithRequeueDelay sets the redelivery delay applied on requeue.
func WithRequeueDelay(d time.Duration) SubscriptionOption {
	return func(s *Subscription) {
		s.RequeueDelay = d
	}
}

// WithUnacceptableMessageLimit sets the poison-message budget after which
// the performer stops. 0 means unlimited.
func WithUnacceptableMessageLimit(n int) SubscriptionOption {
	return func(s *Subscription) {
		s.UnacceptableMessageLimit = n
	}
}

// WithNoWorkPause sets the pause after an empty receive.
func WithNoWorkPause(d time.Duration) SubscriptionOption {
	return func(s *Subscription) {
		s.NoWorkPause = d
	}
}

// WithDeferKey overrides the derived defer routing key.
func WithDeferKey(key string) SubscriptionOption {
	return func(s *Subscription) {
		s.DeferKey = key
	}
}

// WithDeadLetterKey overrides the derived dead-letter routing key.
func WithDeadLetterKey(key string) SubscriptionOption {
	return func(s *Subscription) {
		s.DeadLetterKey = key
	}
}

// WithMakeChannels controls broker topology creation.
func WithMakeChannels(mode OnMissingChannel) SubscriptionOption {
	return func(s *Subscription) {
		s.MakeChannels = mode
	}
}

// NewSubscription creates a subscription consuming routingKey. Defer and
// dead-letter keys not set by options are derived here, once, as plain
// fields; nothing recomputes them later.
func NewSubscription(name string, routingKey string, opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		Name:           name,
		ChannelName:    name,
		RoutingKey:     routingKey,
		Performers:     1,
		BufferSize:     10,
		ReceiveTimeout: time.Second,
		RequeueCount:   3,
		RequeueDelay:   500 * time.Millisecond,
		NoWorkPause:    500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.DeferKey == "" {
		s.DeferKey = DeriveDeferKey(s.RoutingKey, s.RequeueDelay)
	}
	if s.DeadLetterKey == "" {
		s.DeadLetterKey = DeriveDeadLetterKey(s.RoutingKey)
	}

	return s
}
