package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/testutil"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) first() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return f.messages[0]
}

func TestStreamEventsWriter(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamEvents(ctx, bus, []string{eventbus.StreamPrewarmStatus}, writer)
	}()

	// Give the subscription a moment to register before publishing.
	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("subscription never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	_, err := bus.Publish(context.Background(), eventbus.EventInput{Stream: eventbus.StreamPrewarmStatus, Body: "ready"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		if data := writer.first(); data != nil {
			var evt eventbus.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if evt.Body != "ready" {
				t.Fatalf("unexpected event body %q", evt.Body)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
