package brighter

import (
	"testing"
	"time"
)

func TestDeriveKeys(t *testing.T) {
	if key := DeriveDeferKey("Orders", 5*time.Second); key != "Orders_Defer_5000" {
		t.Errorf("expected defer key 'Orders_Defer_5000', got %q", key)
	}
	if key := DeriveDeferKey("Orders", 500*time.Millisecond); key != "Orders_Defer_500" {
		t.Errorf("expected defer key 'Orders_Defer_500', got %q", key)
	}
	if key := DeriveDeadLetterKey("Orders"); key != "Orders_DLQ" {
		t.Errorf("expected dead-letter key 'Orders_DLQ', got %q", key)
	}
}

func TestSubscriptionDefaults(t *testing.T) {
	sub := NewSubscription("order-service", "Orders")

	if sub.Name != "order-service" {
		t.Errorf("expected Name 'order-service', got %q", sub.Name)
	}
	if sub.ChannelName != "order-service" {
		t.Errorf("expected ChannelName to default to the name, got %q", sub.ChannelName)
	}
	if sub.RoutingKey != "Orders" {
		t.Errorf("expected RoutingKey 'Orders', got %q", sub.RoutingKey)
	}
	if sub.Performers != 1 {
		t.Errorf("expected 1 performer, got %d", sub.Performers)
	}
	if sub.BufferSize != 10 {
		t.Errorf("expected BufferSize 10, got %d", sub.BufferSize)
	}
	if sub.ReceiveTimeout != time.Second {
		t.Errorf("expected ReceiveTimeout 1s, got %v", sub.ReceiveTimeout)
	}
	if sub.RequeueCount != 3 {
		t.Errorf("expected RequeueCount 3, got %d", sub.RequeueCount)
	}
	if sub.RequeueDelay != 500*time.Millisecond {
		t.Errorf("expected RequeueDelay 500ms, got %v", sub.RequeueDelay)
	}
	if sub.UnacceptableMessageLimit != 0 {
		t.Errorf("expected UnacceptableMessageLimit 0, got %d", sub.UnacceptableMessageLimit)
	}
	if sub.NoWorkPause != 500*time.Millisecond {
		t.Errorf("expected NoWorkPause 500ms, got %v", sub.NoWorkPause)
	}
	if sub.MakeChannels != OnMissingChannelAssume {
		t.Errorf("expected MakeChannels assume, got %v", sub.MakeChannels)
	}
	if sub.DeferKey != "Orders_Defer_500" {
		t.Errorf("expected derived DeferKey 'Orders_Defer_500', got %q", sub.DeferKey)
	}
	if sub.DeadLetterKey != "Orders_DLQ" {
		t.Errorf("expected derived DeadLetterKey 'Orders_DLQ', got %q", sub.DeadLetterKey)
	}
}

func TestSubscriptionDeferKeyFollowsRequeueDelay(t *testing.T) {
	sub := NewSubscription("order-service", "Orders", WithRequeueDelay(5*time.Second))

	if sub.DeferKey != "Orders_Defer_5000" {
		t.Errorf("expected DeferKey derived from requeue delay, got %q", sub.DeferKey)
	}
}

func TestSubscriptionOptions(t *testing.T) {
	sub := NewSubscription("order-service", "Orders",
		WithPerformers(4),
		WithBufferSize(50),
		WithReceiveTimeout(2*time.Second),
		WithRequeueCount(-1),
		WithRequeueDelay(time.Second),
		WithUnacceptableMessageLimit(10),
		WithNoWorkPause(time.Second),
		WithDeferKey("Orders_Retry"),
		WithDeadLetterKey("Orders_Dead"),
		WithMakeChannels(OnMissingChannelCreate),
	)

	if sub.Performers != 4 {
		t.Errorf("expected 4 performers, got %d", sub.Performers)
	}
	if sub.BufferSize != 50 {
		t.Errorf("expected BufferSize 50, got %d", sub.BufferSize)
	}
	if sub.ReceiveTimeout != 2*time.Second {
		t.Errorf("expected ReceiveTimeout 2s, got %v", sub.ReceiveTimeout)
	}
	if sub.RequeueCount != -1 {
		t.Errorf("expected RequeueCount -1, got %d", sub.RequeueCount)
	}
	if sub.RequeueDelay != time.Second {
		t.Errorf("expected RequeueDelay 1s, got %v", sub.RequeueDelay)
	}
	if sub.UnacceptableMessageLimit != 10 {
		t.Errorf("expected UnacceptableMessageLimit 10, got %d", sub.UnacceptableMessageLimit)
	}
	if sub.NoWorkPause != time.Second {
		t.Errorf("expected NoWorkPause 1s, got %v", sub.NoWorkPause)
	}
	if sub.DeferKey != "Orders_Retry" {
		t.Errorf("expected DeferKey override, got %q", sub.DeferKey)
	}
	if sub.DeadLetterKey != "Orders_Dead" {
		t.Errorf("expected DeadLetterKey override, got %q", sub.DeadLetterKey)
	}
	if sub.MakeChannels != OnMissingChannelCreate {
		t.Errorf("expected MakeChannels create, got %v", sub.MakeChannels)
	}
}
