package app

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/idgen"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

func newTestHub(outboxSize int) *Hub {
	return NewHub(outboxSize, idgen.NewSequential("sub-"), zerolog.Nop(), nil)
}

func TestHubDelivers(t *testing.T) {
	hub := newTestHub(4)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	update := ports.UsageUpdate{Totals: usage.Totals{usage.KindMaps: {Count: 1, Success: 1}}}
	hub.PublishUsage(update)
	hub.PublishCost("snapshot")

	msg := <-sub.Out()
	if msg.Type != MsgUsageUpdate {
		t.Fatalf("type = %q, want %q", msg.Type, MsgUsageUpdate)
	}
	got, ok := msg.Data.(ports.UsageUpdate)
	if !ok || got.Totals[usage.KindMaps].Count != 1 {
		t.Errorf("unexpected payload: %+v", msg.Data)
	}

	msg = <-sub.Out()
	if msg.Type != MsgCostUpdate || msg.Data != "snapshot" {
		t.Errorf("unexpected cost message: %+v", msg)
	}
}

// A slow subscriber loses its oldest snapshots, keeps the newest, and
// never blocks the publisher.
func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := newTestHub(2)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for i := 1; i <= 4; i++ {
		hub.PublishCost(i)
	}

	first := <-sub.Out()
	second := <-sub.Out()
	if first.Data != 3 || second.Data != 4 {
		t.Errorf("queued = [%v %v], want [3 4]", first.Data, second.Data)
	}
	select {
	case extra := <-sub.Out():
		t.Errorf("unexpected extra message: %+v", extra)
	default:
	}
}

func TestHubIsolatesSubscribers(t *testing.T) {
	hub := newTestHub(1)
	slow := hub.Subscribe()
	fast := hub.Subscribe()
	defer hub.Unsubscribe(slow)
	defer hub.Unsubscribe(fast)

	hub.PublishCost(1)
	<-fast.Out()
	// slow still has 1 queued; the next publish overwrites it for slow
	// but must reach fast untouched.
	hub.PublishCost(2)

	if msg := <-fast.Out(); msg.Data != 2 {
		t.Errorf("fast got %v, want 2", msg.Data)
	}
	if msg := <-slow.Out(); msg.Data != 2 {
		t.Errorf("slow got %v, want 2 after drop", msg.Data)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := newTestHub(4)
	sub := hub.Subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", hub.SubscriberCount())
	}

	hub.Unsubscribe(sub)
	if hub.SubscriberCount() != 0 {
		t.Errorf("count = %d, want 0", hub.SubscriberCount())
	}
	if _, open := <-sub.Out(); open {
		t.Error("outbox not closed on unsubscribe")
	}

	// Idempotent, and publishing after unsubscribe must not panic.
	hub.Unsubscribe(sub)
	hub.PublishCost(1)
}

func TestHubClose(t *testing.T) {
	hub := newTestHub(4)
	sub := hub.Subscribe()

	hub.Close()
	if _, open := <-sub.Out(); open {
		t.Error("outbox not closed on hub close")
	}

	late := hub.Subscribe()
	if _, open := <-late.Out(); open {
		t.Error("subscription after close left an open outbox")
	}
	hub.PublishCost(1)
}
