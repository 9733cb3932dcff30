package brighter

import (
	"time"

	"github.com/google/uuid"
)

// MessageHeader carries the routing and tracing information of a Message.
// Brokers map these fields onto their native header mechanisms.
type MessageHeader struct {
	// Topic is the routing key the message is published under.
	Topic string

	// CorrelationID links a message to the request or outbox entry
	// that produced it.
	CorrelationID uuid.UUID

	// ContentType describes the encoding of the body, e.g. "application/json".
	ContentType string

	// Timestamp is the time the message was created.
	Timestamp time.Time

	// HandledCount is the number of times the message has been delivered
	// and failed. Incremented on every requeue.
	HandledCount int32
}

// Message is the wire-level envelope exchanged with brokers.
// The body is opaque to the core; mapping to and from domain requests
// is the job of a registered MessageMapper.
// A Message is immutable once constructed, except for HandledCount
// which the requeue path increments.
type Message struct {
	// ID uniquely identifies the message across producers and consumers.
	ID uuid.UUID

	Header MessageHeader

	// Body contains the serialized payload.
	Body []byte
}

// MessageOption is a function that configures a Message.
type MessageOption func(*Message)

// WithMessageID sets the unique identifier of the message.
// If not provided, a new UUID is generated.
func WithMessageID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCorrelationID sets the correlation identifier of the message.
// If not provided, the message ID is used.
func WithCorrelationID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.Header.CorrelationID = id
	}
}

// WithContentType sets the content type of the body.
// Default is "application/json".
func WithContentType(contentType string) MessageOption {
	return func(m *Message) {
		m.Header.ContentType = contentType
	}
}

// WithTimestamp sets the creation time of the message.
// If not provided, the current UTC time is used.
func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.Header.Timestamp = t
	}
}

// WithHandledCount sets the delivery attempt counter.
// Used by channel implementations when rebuilding a message from the wire.
func WithHandledCount(count int32) MessageOption {
	return func(m *Message) {
		m.Header.HandledCount = count
	}
}

// NewMessage creates a message for the given topic and body.
func NewMessage(topic string, body []byte, opts ...MessageOption) *Message {
	m := &Message{
		Header: MessageHeader{
			Topic:       topic,
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
		},
		Body: body,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Header.CorrelationID == uuid.Nil {
		m.Header.CorrelationID = m.ID
	}

	return m
}

// Copy returns a deep copy of the message.
// Requeue paths copy before mutating HandledCount so callers never observe
// a message changing underneath them.
func (m *Message) Copy() *Message {
	cp := *m
	cp.Body = make([]byte, len(m.Body))
	copy(cp.Body, m.Body)
	return &cp
}
