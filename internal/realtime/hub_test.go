package realtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T{}, c.items...)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("recipient_id=eq.u-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Column != "recipient_id" || f.Value != "u-1" {
		t.Fatalf("unexpected filter %#v", f)
	}
	if f.String() != "recipient_id=eq.u-1" {
		t.Fatalf("unexpected string %q", f.String())
	}
	if _, err := ParseFilter("recipient_id=gt.3"); err == nil {
		t.Fatalf("expected unsupported operator error")
	}
	if _, err := ParseFilter("=eq.x"); err == nil {
		t.Fatalf("expected missing column error")
	}
	empty, err := ParseFilter("")
	if err != nil || !empty.Match(nil) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestHubChangeFeedFiltersByTableAndColumn(t *testing.T) {
	h := NewHub(HubConfig{})
	var got collector[Change]
	sub, err := h.SubscribeChanges(TableMessages, Eq("contract_id", "c-1"), got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	h.Emit(Change{Table: TableMessages, Op: OpInsert, Columns: map[string]string{"contract_id": "c-1"}})
	h.Emit(Change{Table: TableMessages, Op: OpInsert, Columns: map[string]string{"contract_id": "c-2"}})
	h.Emit(Change{Table: TablePendingNotifications, Op: OpInsert, Columns: map[string]string{"contract_id": "c-1"}})

	waitFor(t, func() bool { return got.len() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got.len() != 1 {
		t.Fatalf("expected exactly one change, got %d", got.len())
	}
	if got.snapshot()[0].ID != 1 {
		t.Fatalf("expected observe id 1, got %d", got.snapshot()[0].ID)
	}
}

func TestHubBroadcastOnlyReachesCurrentSubscribers(t *testing.T) {
	h := NewHub(HubConfig{})
	ctx := context.Background()

	if err := h.PublishBroadcast(ctx, "notifications", "push", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got collector[Envelope]
	sub, _ := h.SubscribeBroadcast("notifications", "push", got.add)
	if err := h.PublishBroadcast(ctx, "notifications", "push", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.PublishBroadcast(ctx, "notifications", "other", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return got.len() == 1 })
	if string(got.snapshot()[0].Payload) != `{"n":1}` {
		t.Fatalf("unexpected payload %s", got.snapshot()[0].Payload)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	_ = h.PublishBroadcast(ctx, "notifications", "push", []byte(`{"n":3}`))
	time.Sleep(20 * time.Millisecond)
	if got.len() != 1 {
		t.Fatalf("unsubscribed handler still received events")
	}
	if n := h.Health()["broadcast_subs"].(int); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestHubObserveSinceAndTrim(t *testing.T) {
	h := NewHub(HubConfig{MaxObserveEvents: 3})
	for i := 0; i < 5; i++ {
		h.Emit(Change{Table: TableMessages, Op: OpInsert, Columns: map[string]string{"contract_id": "c-1"}})
	}
	events, last := h.ObserveSince(0, ObserveFilter{Table: TableMessages}, 0)
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	if events[0].ID != 3 || last != 5 {
		t.Fatalf("unexpected ids first=%d last=%d", events[0].ID, last)
	}
	events, last = h.ObserveSince(5, ObserveFilter{}, 0)
	if len(events) != 0 || last != 5 {
		t.Fatalf("expected nothing after cursor, got %d last=%d", len(events), last)
	}
}

func TestHubObserveSinceWaits(t *testing.T) {
	h := NewHub(HubConfig{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Emit(Change{Table: TablePendingNotifications, Op: OpInsert})
	}()
	events, _ := h.ObserveSince(0, ObserveFilter{Table: TablePendingNotifications}, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected long-poll to return the emitted change, got %d", len(events))
	}
}

func TestCombine(t *testing.T) {
	feed := NewHub(HubConfig{})
	bc := NewHub(HubConfig{})
	bus := Combine(feed, bc)

	var got collector[Envelope]
	sub, _ := bus.SubscribeBroadcast("ch", "ev", got.add)
	defer sub.Unsubscribe()
	_ = bus.PublishBroadcast(context.Background(), "ch", "ev", []byte(`1`))
	waitFor(t, func() bool { return got.len() == 1 })
	if feed.Health()["broadcast_subs"].(int) != 0 {
		t.Fatalf("broadcast subscription landed on the feed hub")
	}
}
