package kafka

import (
	"testing"
	"time"

	"github.com/google/uuid"
	segkafka "github.com/segmentio/kafka-go"

	brighter "github.com/lukashovancik/Brighter"
)

func TestMessageConversionRoundTrip(t *testing.T) {
	msg := brighter.NewMessage("Orders", []byte("payload"),
		brighter.WithContentType("text/plain"),
		brighter.WithHandledCount(2))

	km := toKafkaMessage(msg, nil)

	if km.Topic != "Orders" {
		t.Errorf("expected topic 'Orders', got %q", km.Topic)
	}
	if string(km.Key) != msg.Header.CorrelationID.String() {
		t.Errorf("expected key to be the correlation id, got %q", km.Key)
	}

	back := fromKafkaMessage(km)
	if back.ID != msg.ID {
		t.Errorf("expected ID %v, got %v", msg.ID, back.ID)
	}
	if back.Header.CorrelationID != msg.Header.CorrelationID {
		t.Errorf("expected CorrelationID %v, got %v", msg.Header.CorrelationID, back.Header.CorrelationID)
	}
	if back.Header.ContentType != "text/plain" {
		t.Errorf("expected ContentType 'text/plain', got %q", back.Header.ContentType)
	}
	if back.Header.HandledCount != 2 {
		t.Errorf("expected HandledCount 2, got %d", back.Header.HandledCount)
	}
	if string(back.Body) != "payload" {
		t.Errorf("expected body 'payload', got %q", back.Body)
	}
}

func TestFromKafkaMessageDerivesStableID(t *testing.T) {
	km := segkafka.Message{
		Topic:     "Orders",
		Partition: 3,
		Offset:    42,
		Value:     []byte("payload"),
	}

	first := fromKafkaMessage(km)
	second := fromKafkaMessage(km)

	if first.ID == uuid.Nil {
		t.Fatal("expected a derived ID")
	}
	if first.ID != second.ID {
		t.Errorf("expected the same record to map to the same ID, got %v and %v", first.ID, second.ID)
	}

	km.Offset = 43
	other := fromKafkaMessage(km)
	if other.ID == first.ID {
		t.Error("expected a different offset to map to a different ID")
	}
}

func TestDeferUntilHeader(t *testing.T) {
	km := segkafka.Message{
		Headers: []segkafka.Header{
			{Key: headerDeferUntil, Value: []byte("1700000000000")},
		},
	}

	due, ok := deferUntil(km)
	if !ok {
		t.Fatal("expected defer header to parse")
	}
	if !due.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("expected due time %v, got %v", time.UnixMilli(1700000000000), due)
	}

	km.Headers[0].Value = []byte("not a number")
	if _, ok := deferUntil(km); ok {
		t.Fatal("expected malformed defer header to be ignored")
	}

	if _, ok := deferUntil(segkafka.Message{}); ok {
		t.Fatal("expected missing defer header to be absent")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.CommitBatchSize != 10 {
		t.Errorf("expected CommitBatchSize 10, got %d", cfg.CommitBatchSize)
	}
	if cfg.OffsetSweepInterval != 2*time.Second {
		t.Errorf("expected OffsetSweepInterval 2s, got %v", cfg.OffsetSweepInterval)
	}
	if cfg.Partitions != 1 || cfg.ReplicationFactor != 1 {
		t.Errorf("expected single partition and replica, got %d/%d", cfg.Partitions, cfg.ReplicationFactor)
	}
}
