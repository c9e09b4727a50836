package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/messaging"
	"github.com/joelkehle/conecta-chat/internal/notify"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

type nopNotifier struct{}

func (nopNotifier) Dispatch(context.Context, notify.Notice) notify.Outcome {
	return notify.Outcome{Result: notify.OutcomeNoEndpoint}
}

type harness struct {
	svc *messaging.Service
	hub *realtime.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	hub := realtime.NewHub(realtime.HubConfig{})
	st := store.WithChangeFeed(store.NewStore(store.Config{Clock: clock}), hub)
	if _, err := st.PutContract(context.Background(), chat.Contract{ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2"}); err != nil {
		t.Fatalf("put contract: %v", err)
	}
	return &harness{svc: messaging.NewService(messaging.Config{}, st, nopNotifier{}), hub: hub}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func contents(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestOpenLoadsTranscriptAndMarksRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.svc.Send(ctx, "u-1", "c-1", "Hola")
	_, _ = h.svc.Send(ctx, "u-1", "c-1", "¿Hay cobertura?")

	v := New(Config{IdentityID: "u-2", ConversationID: "c-1"}, h.svc, h.hub)
	defer v.Close()
	if err := v.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	got := contents(v.Transcript())
	if len(got) != 2 || got[0] != "Hola" || got[1] != "¿Hay cobertura?" {
		t.Fatalf("unexpected transcript %v", got)
	}
	if v.Unread() != 0 {
		t.Fatalf("open should leave nothing unread, got %d", v.Unread())
	}
	if n, _ := h.svc.UnreadCount(ctx, "c-1", "u-2"); n != 0 {
		t.Fatalf("store still has %d unread", n)
	}
	if m, ok := v.Latest(); !ok || m.Content != "¿Hay cobertura?" {
		t.Fatalf("unexpected latest %+v ok=%v", m, ok)
	}
}

func TestOpenRejectsOutsider(t *testing.T) {
	h := newHarness(t)
	v := New(Config{IdentityID: "u-3", ConversationID: "c-1"}, h.svc, h.hub)
	if err := v.Open(context.Background()); chat.CodeOf(err) != chat.CodeNotAParticipant {
		t.Fatalf("expected not_a_participant, got %v", err)
	}
	if n := h.hub.Health()["change_subscriptions"]; n != 0 {
		t.Fatalf("failed open left %v subscriptions", n)
	}
}

func TestLocalSendIsNotDuplicatedByFeedEcho(t *testing.T) {
	h := newHarness(t)
	var changes atomic.Int32
	v := New(Config{IdentityID: "u-1", ConversationID: "c-1", OnChange: func() { changes.Add(1) }}, h.svc, h.hub)
	defer v.Close()
	ctx := context.Background()
	if err := v.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	m, err := v.Send(ctx, "Hola")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := v.Transcript(); len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("send not appended: %v", contents(got))
	}
	// A later message from the other side proves the echo has been processed.
	_, _ = h.svc.Send(ctx, "u-2", "c-1", "Buenas")
	waitFor(t, func() bool { return len(v.Transcript()) == 2 })
	if got := contents(v.Transcript()); got[0] != "Hola" || got[1] != "Buenas" {
		t.Fatalf("unexpected transcript %v", got)
	}
	if changes.Load() == 0 {
		t.Fatalf("OnChange never fired")
	}
}

func TestIncomingMessageRaisesUnreadUntilMarkRead(t *testing.T) {
	h := newHarness(t)
	v := New(Config{IdentityID: "u-2", ConversationID: "c-1"}, h.svc, h.hub)
	defer v.Close()
	ctx := context.Background()
	if err := v.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = h.svc.Send(ctx, "u-1", "c-1", "Hola")
	waitFor(t, func() bool { return v.Unread() == 1 })
	if err := v.MarkRead(ctx); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if v.Unread() != 0 {
		t.Fatalf("expected 0 unread after mark read, got %d", v.Unread())
	}
}

func TestMergeOrdersByTimestampAndDedups(t *testing.T) {
	v := New(Config{IdentityID: "u-1", ConversationID: "c-1"}, nil, nil)
	t0 := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	m1 := chat.Message{ID: "m1", Content: "one", CreatedAt: t0}
	m2 := chat.Message{ID: "m2", Content: "two", CreatedAt: t0.Add(time.Second)}
	m3 := chat.Message{ID: "m3", Content: "three", CreatedAt: t0.Add(2 * time.Second)}
	tie := chat.Message{ID: "m0", Content: "tie", CreatedAt: t0}

	v.merge(m3)
	v.merge(m1, m3)
	v.merge(m2, tie, m2)

	got := contents(v.Transcript())
	want := []string{"tie", "one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDeleteRemovesFromTranscript(t *testing.T) {
	h := newHarness(t)
	v := New(Config{IdentityID: "u-1", ConversationID: "c-1"}, h.svc, h.hub)
	defer v.Close()
	ctx := context.Background()
	_ = v.Open(ctx)
	m, _ := v.Send(ctx, "oops")
	if err := v.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(v.Transcript()) != 0 {
		t.Fatalf("deleted message still in transcript")
	}
	if _, ok := v.Latest(); ok {
		t.Fatalf("empty transcript should have no latest")
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	h := newHarness(t)
	v := New(Config{IdentityID: "u-2", ConversationID: "c-1"}, h.svc, h.hub)
	ctx := context.Background()
	if err := v.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	v.Close()
	v.Close()
	if n := h.hub.Health()["change_subscriptions"]; n != 0 {
		t.Fatalf("close left %v subscriptions", n)
	}
	_, _ = h.svc.Send(ctx, "u-1", "c-1", "after close")
	if len(v.Transcript()) != 0 {
		t.Fatalf("closed view received a message")
	}
	if _, err := v.Send(ctx, "hi"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
