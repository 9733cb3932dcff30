package brighter

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMessageOptions(t *testing.T) {
	customID := uuid.New()
	customCorrelation := uuid.New()
	customTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	msg := NewMessage(
		"orders",
		[]byte("payload"),
		WithMessageID(customID),
		WithCorrelationID(customCorrelation),
		WithContentType("text/plain"),
		WithTimestamp(customTime),
		WithHandledCount(2),
	)

	if msg.ID != customID {
		t.Errorf("expected ID to be %v, got %v", customID, msg.ID)
	}
	if msg.Header.CorrelationID != customCorrelation {
		t.Errorf("expected CorrelationID to be %v, got %v", customCorrelation, msg.Header.CorrelationID)
	}
	if msg.Header.Topic != "orders" {
		t.Errorf("expected Topic to be 'orders', got %q", msg.Header.Topic)
	}
	if msg.Header.ContentType != "text/plain" {
		t.Errorf("expected ContentType to be 'text/plain', got %q", msg.Header.ContentType)
	}
	if !msg.Header.Timestamp.Equal(customTime) {
		t.Errorf("expected Timestamp to be %v, got %v", customTime, msg.Header.Timestamp)
	}
	if msg.Header.HandledCount != 2 {
		t.Errorf("expected HandledCount to be 2, got %v", msg.Header.HandledCount)
	}
	if !bytes.Equal(msg.Body, []byte("payload")) {
		t.Errorf("expected Body to be %v, got %v", []byte("payload"), msg.Body)
	}
}

func TestMessageDefaults(t *testing.T) {
	msg := NewMessage("orders", []byte("payload"))

	if msg.ID == uuid.Nil {
		t.Error("expected a generated ID")
	}
	if msg.Header.CorrelationID != msg.ID {
		t.Errorf("expected CorrelationID to default to the message ID, got %v", msg.Header.CorrelationID)
	}
	if msg.Header.ContentType != "application/json" {
		t.Errorf("expected default ContentType 'application/json', got %q", msg.Header.ContentType)
	}
	if msg.Header.Timestamp.IsZero() {
		t.Error("expected a default Timestamp")
	}
	if msg.Header.HandledCount != 0 {
		t.Errorf("expected HandledCount to be 0, got %v", msg.Header.HandledCount)
	}
}

func TestMessageCopy(t *testing.T) {
	msg := NewMessage("orders", []byte("payload"))

	cp := msg.Copy()
	cp.Header.HandledCount++
	cp.Body[0] = 'X'

	if msg.Header.HandledCount != 0 {
		t.Errorf("expected original HandledCount to stay 0, got %v", msg.Header.HandledCount)
	}
	if !bytes.Equal(msg.Body, []byte("payload")) {
		t.Errorf("expected original Body to be unchanged, got %v", msg.Body)
	}
	if cp.ID != msg.ID {
		t.Errorf("expected copy to keep the ID, got %v", cp.ID)
	}
}
