// Package nats binds the messaging core to NATS JetStream through
// nats-io/nats.go.
//
// JetStream has native per-message acknowledgement and delayed redelivery
// (NakWithDelay), so requeue needs no defer-topic emulation here. The
// delivery-attempt count comes from the server's own NumDelivered metadata
// rather than a header.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	brighter "github.com/lukashovancik/Brighter"
)

const (
	headerMessageID     = "Brighter-Id"
	headerCorrelationID = "Brighter-Correlation-Id"
	headerContentType   = "Brighter-Content-Type"
)

// Config is the nats-specific tuning composed with a subscription by the
// factory.
type Config struct {
	// URL is the NATS server address. Default nats://127.0.0.1:4222.
	URL string

	// Stream is the JetStream stream holding the subscription's primary,
	// defer and dead-letter subjects. Default "BRIGHTER".
	Stream string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = natsgo.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "BRIGHTER"
	}
	return c
}

// Factory creates JetStream channels over one shared connection.
// It implements brighter.ChannelFactory.
type Factory struct {
	cfg Config
	nc  *natsgo.Conn
	js  natsgo.JetStreamContext
}

// NewFactory connects to the server and returns a channel factory.
func NewFactory(cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()

	nc, err := natsgo.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return &Factory{cfg: cfg, nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (f *Factory) Close() {
	f.nc.Close()
}

// CreateChannel binds a subscription to a durable pull consumer on its
// routing key. With OnMissingChannelCreate the stream is created (or its
// subject list extended); with OnMissingChannelValidate the stream must
// already carry the subjects.
func (f *Factory) CreateChannel(_ context.Context, sub *brighter.Subscription) (brighter.Channel, error) {
	subjects := []string{sub.RoutingKey, sub.DeferKey, sub.DeadLetterKey}

	switch sub.MakeChannels {
	case brighter.OnMissingChannelCreate:
		if err := f.ensureStream(subjects); err != nil {
			return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
		}
	case brighter.OnMissingChannelValidate:
		if err := f.validateStream(subjects); err != nil {
			return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
		}
	}

	pull, err := f.js.PullSubscribe(sub.RoutingKey, sub.Name, natsgo.BindStream(f.cfg.Stream))
	if err != nil {
		return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
	}

	return &channel{
		factory:  f,
		sub:      sub,
		pull:     pull,
		inFlight: make(map[uuid.UUID]*natsgo.Msg),
	}, nil
}

func (f *Factory) ensureStream(subjects []string) error {
	info, err := f.js.StreamInfo(f.cfg.Stream)
	if errors.Is(err, natsgo.ErrStreamNotFound) {
		_, err = f.js.AddStream(&natsgo.StreamConfig{
			Name:     f.cfg.Stream,
			Subjects: subjects,
		})
		return err
	}
	if err != nil {
		return err
	}

	merged := info.Config.Subjects
	changed := false
	for _, s := range subjects {
		if !contains(merged, s) {
			merged = append(merged, s)
			changed = true
		}
	}
	if changed {
		cfg := info.Config
		cfg.Subjects = merged
		_, err = f.js.UpdateStream(&cfg)
	}
	return err
}

func (f *Factory) validateStream(subjects []string) error {
	info, err := f.js.StreamInfo(f.cfg.Stream)
	if err != nil {
		return err
	}
	for _, s := range subjects {
		if !contains(info.Config.Subjects, s) {
			return fmt.Errorf("stream %s does not carry subject %s", f.cfg.Stream, s)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type channel struct {
	factory *Factory
	sub     *brighter.Subscription
	pull    *natsgo.Subscription

	mu       sync.Mutex
	inFlight map[uuid.UUID]*natsgo.Msg
}

// Receive fetches up to the subscription's buffer size within its receive
// timeout.
func (c *channel) Receive(ctx context.Context) ([]*brighter.Message, error) {
	msgs, err := c.pull.Fetch(c.sub.BufferSize, natsgo.MaxWait(c.sub.ReceiveTimeout))
	if err != nil {
		if errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}

	batch := make([]*brighter.Message, 0, len(msgs))
	for _, nm := range msgs {
		msg := fromNATSMessage(nm)
		c.mu.Lock()
		c.inFlight[msg.ID] = nm
		c.mu.Unlock()
		batch = append(batch, msg)
	}
	return batch, nil
}

func (c *channel) take(msg *brighter.Message) (*natsgo.Msg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nm, ok := c.inFlight[msg.ID]
	if ok {
		delete(c.inFlight, msg.ID)
	}
	return nm, ok
}

func (c *channel) Acknowledge(_ context.Context, msg *brighter.Message) error {
	nm, ok := c.take(msg)
	if !ok {
		return nil
	}
	if err := nm.Ack(); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

// Reject publishes the message to the dead-letter subject and terminates
// the original so the server never redelivers it.
func (c *channel) Reject(_ context.Context, msg *brighter.Message) error {
	nm, ok := c.take(msg)

	dead := msg.Copy()
	dead.Header.Topic = c.sub.DeadLetterKey
	if _, err := c.factory.js.PublishMsg(toNATSMessage(dead)); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}

	if ok {
		if err := nm.Term(); err != nil {
			return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
		}
	}
	return nil
}

// Requeue uses the server's native delayed negative acknowledgement.
func (c *channel) Requeue(_ context.Context, msg *brighter.Message, delay time.Duration) error {
	nm, ok := c.take(msg)
	if !ok {
		return nil
	}
	if err := nm.NakWithDelay(delay); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

// Purge drains the consumer, terminating every fetched message. The stream
// itself is shared between primary, defer and dead-letter subjects, so a
// stream purge would be too wide.
func (c *channel) Purge(_ context.Context) error {
	for {
		msgs, err := c.pull.Fetch(c.sub.BufferSize, natsgo.MaxWait(c.sub.ReceiveTimeout))
		if err != nil {
			if errors.Is(err, natsgo.ErrTimeout) {
				return nil
			}
			return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
		}
		for _, nm := range msgs {
			if err := nm.Term(); err != nil {
				return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
			}
		}
	}
}

func (c *channel) Close() error {
	return c.pull.Unsubscribe()
}

// Publisher publishes messages to the subject named in their header.
// It implements brighter.MessagePublisher for the sweeper.
type Publisher struct {
	js natsgo.JetStreamContext
}

// NewPublisher creates a publisher on the factory's connection.
func (f *Factory) NewPublisher() *Publisher {
	return &Publisher{js: f.js}
}

// Publish writes the message to its subject.
func (p *Publisher) Publish(_ context.Context, msg *brighter.Message) error {
	if _, err := p.js.PublishMsg(toNATSMessage(msg)); err != nil {
		return fmt.Errorf("publishing message %s: %w", msg.ID, err)
	}
	return nil
}

func toNATSMessage(msg *brighter.Message) *natsgo.Msg {
	nm := natsgo.NewMsg(msg.Header.Topic)
	nm.Header.Set(headerMessageID, msg.ID.String())
	nm.Header.Set(headerCorrelationID, msg.Header.CorrelationID.String())
	nm.Header.Set(headerContentType, msg.Header.ContentType)
	nm.Data = msg.Body
	return nm
}

func fromNATSMessage(nm *natsgo.Msg) *brighter.Message {
	var opts []brighter.MessageOption

	if id, err := uuid.Parse(nm.Header.Get(headerMessageID)); err == nil {
		opts = append(opts, brighter.WithMessageID(id))
	}
	if id, err := uuid.Parse(nm.Header.Get(headerCorrelationID)); err == nil {
		opts = append(opts, brighter.WithCorrelationID(id))
	}
	if ct := nm.Header.Get(headerContentType); ct != "" {
		opts = append(opts, brighter.WithContentType(ct))
	}

	// NumDelivered counts deliveries, so attempts beyond the first show up
	// as a handled count without any header bookkeeping.
	if meta, err := nm.Metadata(); err == nil && meta.NumDelivered > 1 {
		opts = append(opts, brighter.WithHandledCount(int32(meta.NumDelivered-1)))
	}

	return brighter.NewMessage(nm.Subject, nm.Data, opts...)
}
