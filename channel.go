package brighter

import (
	"context"
	"fmt"
	"time"
)

// Channel is the broker-agnostic binding of a subscription to a live
// consumer. A channel is owned exclusively by one performer at a time;
// implementations are not required to be safe for concurrent use.
//
// Brokers without native per-message acknowledgement or delay semantics
// emulate these primitives: acknowledgement may become a batched offset
// commit, and requeue-with-delay may become a republish to a derived defer
// topic. Those emulations trade strict ordering and duplicate-freedom for
// progress; that trade-off is accepted, not a bug.
type Channel interface {
	// Receive blocks up to the subscription's receive timeout and returns
	// the next batch of messages. An empty batch is a normal outcome.
	Receive(ctx context.Context) ([]*Message, error)

	// Acknowledge records the message as durably handled. On offset-based
	// brokers the commit may be deferred into a batch, but offsets are
	// never committed out of order on one channel.
	Acknowledge(ctx context.Context, msg *Message) error

	// Reject routes the message to the dead-letter destination without
	// requeueing, then acknowledges the original.
	Reject(ctx context.Context, msg *Message) error

	// Requeue redelivers the message after the given delay with its
	// handled count incremented, then acknowledges the original.
	Requeue(ctx context.Context, msg *Message, delay time.Duration) error

	// Purge discards all pending messages on the channel.
	Purge(ctx context.Context) error

	// Close releases the channel's broker resources, flushing any
	// buffered acknowledgements first.
	Close() error
}

// ChannelFactory resolves broker-specific details for a subscription once
// and produces channels bound to it. Factories are explicit objects passed
// into the dispatcher; there is no process-wide factory registry.
type ChannelFactory interface {
	CreateChannel(ctx context.Context, sub *Subscription) (Channel, error)
}

// ChannelFailure indicates a broker connectivity fault on a channel.
// Receive failures are retried; a persistent failure stops the performer.
type ChannelFailure struct {
	ChannelName string
	Err         error
}

func (e *ChannelFailure) Error() string {
	return fmt.Sprintf("channel %s: %v", e.ChannelName, e.Err)
}
func (e *ChannelFailure) Unwrap() error { return e.Err }
