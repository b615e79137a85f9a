package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/testutil"
)

func TestBusPublishAndList(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	ctx := context.Background()

	first, err := bus.Publish(ctx, eventbus.EventInput{Stream: eventbus.StreamRunProgress, Subject: "run-1", Body: "QUEUED"})
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}
	second, err := bus.Publish(ctx, eventbus.EventInput{Stream: eventbus.StreamRunProgress, Subject: "run-1", Body: "PROCESSING", Payload: map[string]any{"percentage": 50}})
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}

	items, err := bus.List(ctx, eventbus.StreamRunProgress, eventbus.ListOptions{Order: "fifo"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(items))
	}
	if items[0].ID != first.ID {
		t.Fatalf("expected fifo order")
	}
	if items[1].Payload["percentage"] != float64(50) {
		t.Fatalf("expected payload round trip, got %v", items[1].Payload)
	}

	items, err = bus.List(ctx, eventbus.StreamRunProgress, eventbus.ListOptions{})
	if err != nil {
		t.Fatalf("list lifo: %v", err)
	}
	if items[0].ID != second.ID {
		t.Fatalf("expected lifo by default")
	}
}

func TestBusRejectsEmptyStreamAndBody(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, eventbus.EventInput{Body: "no stream"}); err == nil {
		t.Fatalf("expected error for missing stream")
	}
	if _, err := bus.Publish(ctx, eventbus.EventInput{Stream: eventbus.StreamPrewarmStatus}); err == nil {
		t.Fatalf("expected error for missing body")
	}
}

func TestBusSubscribeFiltersStreams(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	ctx := context.Background()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := bus.Subscribe(subCtx, []string{eventbus.StreamBatchProgress})

	if _, err := bus.Publish(ctx, eventbus.EventInput{Stream: eventbus.StreamRunProgress, Body: "ignored"}); err != nil {
		t.Fatalf("publish run progress: %v", err)
	}
	if _, err := bus.Publish(ctx, eventbus.EventInput{Stream: eventbus.StreamBatchProgress, Body: "wanted"}); err != nil {
		t.Fatalf("publish batch progress: %v", err)
	}

	select {
	case evt := <-sub:
		if evt.Stream != eventbus.StreamBatchProgress {
			t.Fatalf("expected batch_progress event, got %s", evt.Stream)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for subscription event")
	}

	select {
	case evt := <-sub:
		t.Fatalf("unexpected extra event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSubscriberTeardown(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	subCtx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(subCtx, nil)

	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for channel close")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", bus.SubscriberCount())
	}
}
