package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "new-listings", map[string]string{"external_id": "NOR-1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "audit", "raw")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "new-listings" || msgs[1].Topic != "audit" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherTopicFilter(t *testing.T) {
	t.Parallel()

	pub := New()
	for _, topic := range []string{"new-listings", "audit", "new-listings"} {
		if _, err := pub.Publish(context.Background(), topic, nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := len(pub.TopicMessages("new-listings")); got != 2 {
		t.Fatalf("expected 2 new-listings messages, got %d", got)
	}
	if got := len(pub.TopicMessages("missing")); got != 0 {
		t.Fatalf("expected no messages for unknown topic, got %d", got)
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	wantErr := errors.New("broker down")
	pub.FailWith(wantErr)

	if _, err := pub.Publish(context.Background(), "t", nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publish must not be recorded")
	}

	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("expected publish to recover, got %v", err)
	}
}
