package rabbitmq

import (
	"bytes"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	brighter "github.com/lukashovancik/Brighter"
)

func TestPublishingConversionRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := brighter.NewMessage("Orders", []byte("payload"),
		brighter.WithContentType("text/plain"),
		brighter.WithTimestamp(ts),
		brighter.WithHandledCount(2))

	pub := toPublishing(msg)

	if pub.MessageId != msg.ID.String() {
		t.Errorf("expected MessageId %s, got %s", msg.ID, pub.MessageId)
	}
	if pub.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery mode, got %d", pub.DeliveryMode)
	}

	back := fromDelivery(amqp.Delivery{
		MessageId:     pub.MessageId,
		CorrelationId: pub.CorrelationId,
		ContentType:   pub.ContentType,
		Timestamp:     pub.Timestamp,
		Headers:       pub.Headers,
		Body:          pub.Body,
		RoutingKey:    "Orders",
	})

	if back.ID != msg.ID {
		t.Errorf("expected ID %v, got %v", msg.ID, back.ID)
	}
	if back.Header.CorrelationID != msg.Header.CorrelationID {
		t.Errorf("expected CorrelationID %v, got %v", msg.Header.CorrelationID, back.Header.CorrelationID)
	}
	if back.Header.Topic != "Orders" {
		t.Errorf("expected Topic 'Orders', got %q", back.Header.Topic)
	}
	if back.Header.ContentType != "text/plain" {
		t.Errorf("expected ContentType 'text/plain', got %q", back.Header.ContentType)
	}
	if !back.Header.Timestamp.Equal(ts) {
		t.Errorf("expected Timestamp %v, got %v", ts, back.Header.Timestamp)
	}
	if back.Header.HandledCount != 2 {
		t.Errorf("expected HandledCount 2, got %d", back.Header.HandledCount)
	}
	if !bytes.Equal(back.Body, []byte("payload")) {
		t.Errorf("expected body 'payload', got %q", back.Body)
	}
}

func TestFromDeliveryHandledCountInt64(t *testing.T) {
	// AMQP tables deliver small integers back as int64 depending on the
	// encoder; both widths must be accepted.
	back := fromDelivery(amqp.Delivery{
		Headers:    amqp.Table{headerHandledCount: int64(3)},
		RoutingKey: "Orders",
	})

	if back.Header.HandledCount != 3 {
		t.Errorf("expected HandledCount 3, got %d", back.Header.HandledCount)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "amqp://localhost"}.withDefaults()

	if cfg.Exchange != "brighter" {
		t.Errorf("expected default exchange 'brighter', got %q", cfg.Exchange)
	}
	if cfg.Prefetch != 10 {
		t.Errorf("expected default prefetch 10, got %d", cfg.Prefetch)
	}
}
