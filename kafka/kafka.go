// Package kafka binds the messaging core to Apache Kafka through
// segmentio/kafka-go.
//
// Kafka has no per-message acknowledgement and no native delay queue, so
// the channel emulates both: acknowledgement is a batched offset commit
// (every CommitBatchSize processed messages, plus a timer sweep bounding
// crash exposure), and requeue-with-delay is a republish to the derived
// defer topic that a DeferReplayer later copies back to the primary topic.
// The defer path breaks strict ordering and introduces visible duplicates;
// that is the accepted trade-off for delay on a partitioned log.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	segkafka "github.com/segmentio/kafka-go"

	brighter "github.com/lukashovancik/Brighter"
)

const (
	headerMessageID     = "brighter_id"
	headerCorrelationID = "brighter_correlation_id"
	headerContentType   = "brighter_content_type"
	headerHandledCount  = "brighter_handled_count"
	headerDeferUntil    = "brighter_defer_until"
)

// Config is the kafka-specific tuning composed with a subscription by the
// factory. It extends the broker-agnostic subscription by reference, not by
// inheritance.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// CommitBatchSize is the number of acknowledged messages accumulated
	// before offsets are committed. Default 10.
	CommitBatchSize int

	// OffsetSweepInterval bounds how long an acknowledged message can sit
	// uncommitted, limiting redelivery exposure on crash. Default 2s.
	OffsetSweepInterval time.Duration

	// MinBytes and MaxBytes tune fetch sizes. Defaults 1 and 10MB.
	MinBytes int
	MaxBytes int

	// Partitions and ReplicationFactor apply when topics are created.
	// Defaults 1 and 1.
	Partitions        int
	ReplicationFactor int
}

func (c Config) withDefaults() Config {
	if c.CommitBatchSize <= 0 {
		c.CommitBatchSize = 10
	}
	if c.OffsetSweepInterval <= 0 {
		c.OffsetSweepInterval = 2 * time.Second
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	return c
}

// Factory creates kafka channels. It implements brighter.ChannelFactory.
type Factory struct {
	cfg Config
}

// NewFactory creates a channel factory for the given brokers.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg.withDefaults()}
}

// CreateChannel binds a subscription to a consumer group reader on its
// routing key. With OnMissingChannelCreate the primary, defer and
// dead-letter topics are created first; with OnMissingChannelValidate
// their existence is checked.
func (f *Factory) CreateChannel(ctx context.Context, sub *brighter.Subscription) (brighter.Channel, error) {
	topics := []string{sub.RoutingKey, sub.DeferKey, sub.DeadLetterKey}

	switch sub.MakeChannels {
	case brighter.OnMissingChannelCreate:
		if err := f.createTopics(ctx, topics); err != nil {
			return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
		}
	case brighter.OnMissingChannelValidate:
		if err := f.validateTopics(ctx, topics); err != nil {
			return nil, &brighter.ChannelFailure{ChannelName: sub.ChannelName, Err: err}
		}
	}

	reader := segkafka.NewReader(segkafka.ReaderConfig{
		Brokers:  f.cfg.Brokers,
		GroupID:  sub.Name,
		Topic:    sub.RoutingKey,
		MinBytes: f.cfg.MinBytes,
		MaxBytes: f.cfg.MaxBytes,
	})
	writer := &segkafka.Writer{
		Addr:     segkafka.TCP(f.cfg.Brokers...),
		Balancer: &segkafka.Hash{},
	}

	ch := &channel{
		cfg:      f.cfg,
		sub:      sub,
		reader:   reader,
		writer:   writer,
		inFlight: make(map[uuid.UUID]segkafka.Message),
		done:     make(chan struct{}),
	}
	go ch.sweepOffsets()
	return ch, nil
}

func (f *Factory) createTopics(ctx context.Context, topics []string) error {
	client := &segkafka.Client{Addr: segkafka.TCP(f.cfg.Brokers...)}

	configs := make([]segkafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, segkafka.TopicConfig{
			Topic:             t,
			NumPartitions:     f.cfg.Partitions,
			ReplicationFactor: f.cfg.ReplicationFactor,
		})
	}

	resp, err := client.CreateTopics(ctx, &segkafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("creating topics: %w", err)
	}
	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, segkafka.TopicAlreadyExists) {
			return fmt.Errorf("creating topic %s: %w", topic, topicErr)
		}
	}
	return nil
}

func (f *Factory) validateTopics(ctx context.Context, topics []string) error {
	client := &segkafka.Client{Addr: segkafka.TCP(f.cfg.Brokers...)}

	meta, err := client.Metadata(ctx, &segkafka.MetadataRequest{Topics: topics})
	if err != nil {
		return fmt.Errorf("fetching metadata: %w", err)
	}

	found := make(map[string]bool, len(meta.Topics))
	for _, t := range meta.Topics {
		if t.Error == nil {
			found[t.Name] = true
		}
	}
	for _, t := range topics {
		if !found[t] {
			return fmt.Errorf("topic %s does not exist", t)
		}
	}
	return nil
}

// channel consumes one topic for one consumer group member.
type channel struct {
	cfg    Config
	sub    *brighter.Subscription
	reader *segkafka.Reader
	writer *segkafka.Writer

	mu       sync.Mutex
	inFlight map[uuid.UUID]segkafka.Message
	pending  []segkafka.Message

	done      chan struct{}
	closeOnce sync.Once
}

// Receive fetches up to the subscription's buffer size within its receive
// timeout. An empty batch is a normal outcome on an idle topic.
func (c *channel) Receive(ctx context.Context) ([]*brighter.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sub.ReceiveTimeout)
	defer cancel()

	var batch []*brighter.Message
	for len(batch) < c.sub.BufferSize {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return batch, nil
			}
			return batch, &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
		}

		msg := fromKafkaMessage(km)
		c.mu.Lock()
		c.inFlight[msg.ID] = km
		c.mu.Unlock()
		batch = append(batch, msg)
	}
	return batch, nil
}

// Acknowledge buffers the message's offset for commit. Offsets are flushed
// once CommitBatchSize is reached; the background sweep flushes the rest.
// Messages are acknowledged in processing order on this channel, so the
// committed offset never runs ahead of an unacknowledged earlier message.
func (c *channel) Acknowledge(ctx context.Context, msg *brighter.Message) error {
	c.mu.Lock()
	km, ok := c.inFlight[msg.ID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.inFlight, msg.ID)
	c.pending = append(c.pending, km)
	full := len(c.pending) >= c.cfg.CommitBatchSize
	c.mu.Unlock()

	if full {
		return c.flushOffsets(ctx)
	}
	return nil
}

// Reject publishes the message to the dead-letter topic, then acknowledges
// the original.
func (c *channel) Reject(ctx context.Context, msg *brighter.Message) error {
	dead := msg.Copy()
	dead.Header.Topic = c.sub.DeadLetterKey
	if err := c.writer.WriteMessages(ctx, toKafkaMessage(dead, nil)); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return c.Acknowledge(ctx, msg)
}

// Requeue publishes the message to the defer topic stamped with the time it
// becomes due, then acknowledges the original. A DeferReplayer moves due
// messages back to the primary topic.
func (c *channel) Requeue(ctx context.Context, msg *brighter.Message, delay time.Duration) error {
	again := msg.Copy()
	again.Header.Topic = c.sub.DeferKey
	again.Header.HandledCount++

	due := time.Now().UTC().Add(delay)
	extra := []segkafka.Header{{Key: headerDeferUntil, Value: []byte(strconv.FormatInt(due.UnixMilli(), 10))}}
	if err := c.writer.WriteMessages(ctx, toKafkaMessage(again, extra)); err != nil {
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return c.Acknowledge(ctx, msg)
}

// Purge drains the reader until it goes idle, committing everything read.
// Kafka has no delete-from-topic primitive; advancing the group offset past
// the backlog is the closest equivalent.
func (c *channel) Purge(ctx context.Context) error {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.sub.ReceiveTimeout)
		km, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return c.flushOffsets(ctx)
			}
			return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
		}
	}
}

// Close flushes buffered offsets and releases the reader and writer.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	flushErr := c.flushOffsets(context.Background())
	readerErr := c.reader.Close()
	writerErr := c.writer.Close()
	return errors.Join(flushErr, readerErr, writerErr)
}

func (c *channel) flushOffsets(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err := c.reader.CommitMessages(ctx, pending...); err != nil {
		// Put the batch back so a later flush retries it.
		c.mu.Lock()
		c.pending = append(pending, c.pending...)
		c.mu.Unlock()
		return &brighter.ChannelFailure{ChannelName: c.sub.ChannelName, Err: err}
	}
	return nil
}

func (c *channel) sweepOffsets() {
	ticker := time.NewTicker(c.cfg.OffsetSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.flushOffsets(context.Background())
		case <-c.done:
			return
		}
	}
}

// Publisher publishes messages to the topic named in their header.
// It implements brighter.MessagePublisher for the sweeper.
type Publisher struct {
	writer *segkafka.Writer
}

// NewPublisher creates a publisher for the given brokers.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &segkafka.Writer{
			Addr:                   segkafka.TCP(brokers...),
			Balancer:               &segkafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes the message to its topic.
func (p *Publisher) Publish(ctx context.Context, msg *brighter.Message) error {
	return p.writer.WriteMessages(ctx, toKafkaMessage(msg, nil))
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// DeferReplayer moves due messages from a subscription's defer topic back
// to its primary topic. Run one replayer per subscription that uses
// requeue-with-delay on kafka.
type DeferReplayer struct {
	sub    *brighter.Subscription
	reader *segkafka.Reader
	writer *segkafka.Writer
}

// NewDeferReplayer creates a replayer for the subscription's defer topic.
func NewDeferReplayer(cfg Config, sub *brighter.Subscription) *DeferReplayer {
	cfg = cfg.withDefaults()
	return &DeferReplayer{
		sub: sub,
		reader: segkafka.NewReader(segkafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  sub.Name + "_defer",
			Topic:    sub.DeferKey,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		}),
		writer: &segkafka.Writer{
			Addr:     segkafka.TCP(cfg.Brokers...),
			Balancer: &segkafka.Hash{},
		},
	}
}

// Run replays deferred messages until the context is cancelled. A message
// fetched before its due time holds the replayer until the delay elapses;
// defer topics are per-delay so later messages are never due earlier.
func (r *DeferReplayer) Run(ctx context.Context) error {
	defer func() {
		_ = r.reader.Close()
		_ = r.writer.Close()
	}()

	for {
		km, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching deferred message: %w", err)
		}

		if due, ok := deferUntil(km); ok {
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil
				}
			}
		}

		msg := fromKafkaMessage(km)
		msg.Header.Topic = r.sub.RoutingKey
		if err := r.writer.WriteMessages(ctx, toKafkaMessage(msg, nil)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("replaying deferred message: %w", err)
		}
		if err := r.reader.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing deferred message: %w", err)
		}
	}
}

func deferUntil(km segkafka.Message) (time.Time, bool) {
	for _, h := range km.Headers {
		if h.Key == headerDeferUntil {
			ms, err := strconv.ParseInt(string(h.Value), 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

func toKafkaMessage(msg *brighter.Message, extra []segkafka.Header) segkafka.Message {
	headers := []segkafka.Header{
		{Key: headerMessageID, Value: []byte(msg.ID.String())},
		{Key: headerCorrelationID, Value: []byte(msg.Header.CorrelationID.String())},
		{Key: headerContentType, Value: []byte(msg.Header.ContentType)},
		{Key: headerHandledCount, Value: []byte(strconv.FormatInt(int64(msg.Header.HandledCount), 10))},
	}
	headers = append(headers, extra...)

	return segkafka.Message{
		Topic:   msg.Header.Topic,
		Key:     []byte(msg.Header.CorrelationID.String()),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Header.Timestamp,
	}
}

func fromKafkaMessage(km segkafka.Message) *brighter.Message {
	var opts []brighter.MessageOption

	for _, h := range km.Headers {
		switch h.Key {
		case headerMessageID:
			if id, err := uuid.Parse(string(h.Value)); err == nil {
				opts = append(opts, brighter.WithMessageID(id))
			}
		case headerCorrelationID:
			if id, err := uuid.Parse(string(h.Value)); err == nil {
				opts = append(opts, brighter.WithCorrelationID(id))
			}
		case headerContentType:
			opts = append(opts, brighter.WithContentType(string(h.Value)))
		case headerHandledCount:
			if n, err := strconv.ParseInt(string(h.Value), 10, 32); err == nil {
				opts = append(opts, brighter.WithHandledCount(int32(n)))
			}
		}
	}

	msg := brighter.NewMessage(km.Topic, km.Value, append(opts, brighter.WithTimestamp(km.Time))...)
	if !hasHeader(km, headerMessageID) {
		// No identity header: derive a stable id from the log position so
		// redeliveries of the same record dedupe in the inbox.
		msg.ID = uuid.NewSHA1(uuid.NameSpaceOID,
			[]byte(fmt.Sprintf("%s/%d/%d", km.Topic, km.Partition, km.Offset)))
	}
	return msg
}

func hasHeader(km segkafka.Message, key string) bool {
	for _, h := range km.Headers {
		if h.Key == key {
			return true
		}
	}
	return false
}
