// Package rabbitmq binds the messaging core to RabbitMQ through
// rabbitmq/amqp091-go.
//
// RabbitMQ has per-message acknowledgement, so Acknowledge and Reject map
// directly onto the protocol. Requeue-with-delay is emulated with a defer
// queue: the message is republished there with a per-message TTL and the
// queue dead-letters expired messages back to the primary routing key.
// Per-message TTL expires at the queue head only, so a long delay parked in
// front of a short one holds it back; defer queues are per-delay to keep
// that from happening in practice.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	brighter "github.com/lukashovancik/Brighter"
)

const (
	headerHandledCount = "x-brighter-handled-count"
)

// Config is the rabbitmq-specific tuning composed with a subscription by
// the factory.
type Config struct {
	// URL is the AMQP connection string.
	URL string

	// Exchange is the direct exchange messages are routed through.
	// Default "brighter".
	Exchange string

	// Prefetch bounds unacknowledged deliveries per channel. Default 10.
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "brighter"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	return c
}

// Factory creates rabbitmq channels over one shared connection.
// It implements brighter.ChannelFactory.
type Factory struct {
	cfg  Config
	conn *amqp.Connection
}

// NewFactory dials the broker and returns a channel factory.
func NewFactory(cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}
	return &Factory{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying connection and every channel created from it.
func (f *Factory) Close() error {
	return f.conn.Close()
}

// CreateChannel binds a subscription to a consumer on its queue. With
// OnMissingChannelCreate the exchange, primary, defer and dead-letter
// queues are declared; with OnMissingChannelValidate they are checked
// passively.
func (f *Factory) CreateChannel(_ context.Context, sub *brighter.Subscription) (brighter.Channel, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
	}

	if err := ch.Qos(f.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
	}

	switch sub.MakeChannels {
	case brighter.OnMissingChannelCreate:
		err = f.declareTopology(ch, sub)
	case brighter.OnMissingChannelValidate:
		err = f.validateTopology(ch, sub)
	}
	if err != nil {
		_ = ch.Close()
		return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
	}

	deliveries, err := ch.Consume(sub.ChannelName, sub.Name, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
	}

	return &channel{
		cfg:        f.cfg,
		sub:        sub,
		ch:         ch,
		deliveries: deliveries,
		inFlight:   make(map[uuid.UUID]amqp.Delivery),
	}, nil
}

func (f *Factory) declareTopology(ch *amqp.Channel, sub *brighter.Subscription) error {
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}

	// Primary queue.
	if _, err := ch.QueueDeclare(sub.ChannelName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", sub.ChannelName, err)
	}
	if err := ch.QueueBind(sub.ChannelName, sub.RoutingKey, f.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", sub.ChannelName, err)
	}

	// Dead-letter queue.
	if _, err := ch.QueueDeclare(sub.DeadLetterKey, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", sub.DeadLetterKey, err)
	}
	if err := ch.QueueBind(sub.DeadLetterKey, sub.DeadLetterKey, f.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", sub.DeadLetterKey, err)
	}

	// Defer queue: expired messages dead-letter back to the primary key.
	args := amqp.Table{
		"x-dead-letter-exchange":    f.cfg.Exchange,
		"x-dead-letter-routing-key": sub.RoutingKey,
	}
	if _, err := ch.QueueDeclare(sub.DeferKey, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", sub.DeferKey, err)
	}
	if err := ch.QueueBind(sub.DeferKey, sub.DeferKey, f.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", sub.DeferKey, err)
	}

	return nil
}

func (f *Factory) validateTopology(ch *amqp.Channel, sub *brighter.Subscription) error {
	for _, q := range []string{sub.ChannelName, sub.DeferKey, sub.DeadLetterKey} {
		if _, err := ch.QueueDeclarePassive(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue %s does not exist: %w", q, err)
		}
	}
	return nil
}

type channel struct {
	cfg        Config
	sub        *brighter.Subscription
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu       sync.Mutex
	inFlight map[uuid.UUID]amqp.Delivery
}

// Receive collects up to the subscription's buffer size within its receive
// timeout.
func (c *channel) Receive(ctx context.Context) ([]*brighter.Message, error) {
	timer := time.NewTimer(c.sub.ReceiveTimeout)
	defer timer.Stop()

	var batch []*brighter.Message

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: errors.New("consumer channel closed")}
		}
		batch = append(batch, c.track(d))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < c.sub.BufferSize {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, c.track(d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (c *channel) track(d amqp.Delivery) *brighter.Message {
	msg := fromDelivery(d)
	c.mu.Lock()
	c.inFlight[msg.ID] = d
	c.mu.Unlock()
	return msg
}

func (c *channel) take(msg *brighter.Message) (amqp.Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.inFlight[msg.ID]
	if ok {
		delete(c.inFlight, msg.ID)
	}
	return d, ok
}

func (c *channel) Acknowledge(_ context.Context, msg *brighter.Message) error {
	d, ok := c.take(msg)
	if !ok {
		return nil
	}
	if err := d.Ack(false); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

// Reject publishes the message to the dead-letter queue, then acknowledges
// the original.
func (c *channel) Reject(ctx context.Context, msg *brighter.Message) error {
	dead := msg.Copy()
	dead.Header.Topic = c.sub.DeadLetterKey
	if err := c.publish(ctx, dead, ""); err != nil {
		return err
	}
	return c.Acknowledge(ctx, msg)
}

// Requeue republishes the message to the defer queue with a per-message
// TTL, then acknowledges the original. On expiry the defer queue
// dead-letters it back to the primary routing key.
func (c *channel) Requeue(ctx context.Context, msg *brighter.Message, delay time.Duration) error {
	again := msg.Copy()
	again.Header.Topic = c.sub.DeferKey
	again.Header.HandledCount++

	expiration := strconv.FormatInt(delay.Milliseconds(), 10)
	if err := c.publish(ctx, again, expiration); err != nil {
		return err
	}
	return c.Acknowledge(ctx, msg)
}

func (c *channel) publish(ctx context.Context, msg *brighter.Message, expiration string) error {
	pub := toPublishing(msg)
	pub.Expiration = expiration

	err := c.ch.PublishWithContext(ctx, c.cfg.Exchange, msg.Header.Topic, false, false, pub)
	if err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

func (c *channel) Purge(_ context.Context) error {
	if _, err := c.ch.QueuePurge(c.sub.ChannelName, false); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

func (c *channel) Close() error {
	return c.ch.Close()
}

// Publisher publishes messages through the exchange using the topic in
// their header as routing key. It implements brighter.MessagePublisher for
// the sweeper.
type Publisher struct {
	cfg Config
	ch  *amqp.Channel
}

// NewPublisher opens a publishing channel on the factory's connection.
func (f *Factory) NewPublisher() (*Publisher, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening publisher channel: %w", err)
	}
	return &Publisher{cfg: f.cfg, ch: ch}, nil
}

// Publish routes the message through the exchange.
func (p *Publisher) Publish(ctx context.Context, msg *brighter.Message) error {
	err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, msg.Header.Topic, false, false, toPublishing(msg))
	if err != nil {
		return fmt.Errorf("publishing message %s: %w", msg.ID, err)
	}
	return nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

func toPublishing(msg *brighter.Message) amqp.Publishing {
	return amqp.Publishing{
		MessageId:     msg.ID.String(),
		CorrelationId: msg.Header.CorrelationID.String(),
		ContentType:   msg.Header.ContentType,
		Timestamp:     msg.Header.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Headers: amqp.Table{
			headerHandledCount: int32(msg.Header.HandledCount),
		},
		Body: msg.Body,
	}
}

func fromDelivery(d amqp.Delivery) *brighter.Message {
	var opts []brighter.MessageOption

	if id, err := uuid.Parse(d.MessageId); err == nil {
		opts = append(opts, brighter.WithMessageID(id))
	}
	if id, err := uuid.Parse(d.CorrelationId); err == nil {
		opts = append(opts, brighter.WithCorrelationID(id))
	}
	if d.ContentType != "" {
		opts = append(opts, brighter.WithContentType(d.ContentType))
	}
	if !d.Timestamp.IsZero() {
		opts = append(opts, brighter.WithTimestamp(d.Timestamp))
	}
	if raw, ok := d.Headers[headerHandledCount]; ok {
		switch v := raw.(type) {
		case int32:
			opts = append(opts, brighter.WithHandledCount(v))
		case int64:
			opts = append(opts, brighter.WithHandledCount(int32(v)))
		}
	}

	return brighter.NewMessage(d.RoutingKey, d.Body, opts...)
}
