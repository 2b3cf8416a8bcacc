package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/extraction-supervisor/internal/publisher"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	attrs := map[string]string{"stage": "started"}
	id1, err := pub.Publish(context.Background(), publisher.Message{OrderingKey: "u1/email", Attributes: attrs, Payload: 1})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), publisher.Message{OrderingKey: "u1/drive", Payload: "payload"})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	attrs["stage"] = "mutated"
	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Attributes["stage"] != "started" {
		t.Fatalf("expected attributes to be copied, got %v", msgs[0].Attributes)
	}
	msgs[0].OrderingKey = "modified"
	if pub.Messages()[0].OrderingKey == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), publisher.Message{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), publisher.Message{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pub.Publish(ctx, publisher.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
