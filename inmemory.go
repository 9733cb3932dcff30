package brighter

import (
	"context"
	"sync"
	"time"
)

const memoryQueueCapacity = 1024

// InMemoryBus is a process-local broker. It implements MessagePublisher on
// the producing side and ChannelFactory on the consuming side, with real
// delayed redelivery, so the full produce-sweep-consume path can run inside
// one process. Intended for tests and examples.
type InMemoryBus struct {
	mu     sync.Mutex
	queues map[string]chan *Message
	timers []*time.Timer
	closed bool
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{queues: make(map[string]chan *Message)}
}

func (b *InMemoryBus) queue(topic string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[topic]
	if !ok {
		q = make(chan *Message, memoryQueueCapacity)
		b.queues[topic] = q
	}
	return q
}

// Publish enqueues the message on its topic's queue.
func (b *InMemoryBus) Publish(_ context.Context, msg *Message) error {
	select {
	case b.queue(msg.Header.Topic) <- msg:
		return nil
	default:
		return &ChannelFailure{ChannelName: msg.Header.Topic, Err: context.DeadlineExceeded}
	}
}

// PublishAfter enqueues the message once the delay elapses.
func (b *InMemoryBus) PublishAfter(msg *Message, delay time.Duration) {
	if delay <= 0 {
		_ = b.Publish(context.Background(), msg)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	t := time.AfterFunc(delay, func() {
		_ = b.Publish(context.Background(), msg)
	})
	b.timers = append(b.timers, t)
}

// Depth reports the number of messages waiting on a topic. Test helper.
func (b *InMemoryBus) Depth(topic string) int {
	return len(b.queue(topic))
}

// Close stops pending delayed redeliveries.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
}

// CreateChannel binds a subscription to the bus.
func (b *InMemoryBus) CreateChannel(_ context.Context, sub *Subscription) (Channel, error) {
	// Topics materialize on first use; OnMissingChannel modes all behave
	// like create for an in-memory broker.
	return &inMemoryChannel{
		bus:     b,
		sub:     sub,
		primary: b.queue(sub.RoutingKey),
	}, nil
}

type inMemoryChannel struct {
	bus     *InMemoryBus
	sub     *Subscription
	primary chan *Message
}

func (c *inMemoryChannel) Receive(ctx context.Context) ([]*Message, error) {
	timer := time.NewTimer(c.sub.ReceiveTimeout)
	defer timer.Stop()

	var batch []*Message
	select {
	case msg := <-c.primary:
		batch = append(batch, msg)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drain whatever else is immediately available, up to the buffer size.
	for len(batch) < c.sub.BufferSize {
		select {
		case msg := <-c.primary:
			batch = append(batch, msg)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (c *inMemoryChannel) Acknowledge(context.Context, *Message) error {
	return nil // receive already removed the message from the queue
}

func (c *inMemoryChannel) Reject(ctx context.Context, msg *Message) error {
	dead := msg.Copy()
	dead.Header.Topic = c.sub.DeadLetterKey
	return c.bus.Publish(ctx, dead)
}

func (c *inMemoryChannel) Requeue(_ context.Context, msg *Message, delay time.Duration) error {
	again := msg.Copy()
	again.Header.HandledCount++
	c.bus.PublishAfter(again, delay)
	return nil
}

func (c *inMemoryChannel) Purge(context.Context) error {
	for {
		select {
		case <-c.primary:
		default:
			return nil
		}
	}
}

func (c *inMemoryChannel) Close() error {
	return nil
}
