package store

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, Config{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, &now
}

func TestSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")
	now := time.Date(2026, 2, 17, 0, 0, 0, 123456789, time.UTC)
	cfg := Config{Clock: func() time.Time { return now }}
	ctx := context.Background()

	// Open, write data, close.
	s1, err := NewSQLiteStore(dbPath, cfg)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	approved := chat.Contract{
		ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2", Status: chat.ContractApproved,
		LineNumber: "555-0101", StartsOn: now, EndsOn: now.AddDate(1, 0, 0),
	}
	if _, err := s1.PutContract(ctx, approved); err != nil {
		t.Fatalf("put contract: %v", err)
	}
	msg, err := s1.InsertMessage(ctx, chat.Message{ConversationID: "c-1", SenderID: "u-1", Content: "hola"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and verify.
	s2, err := NewSQLiteStore(dbPath, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("timestamp precision lost: got %s want %s", got.CreatedAt, now)
	}
	c, err := s2.GetContract(ctx, "c-1")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Status != chat.ContractApproved || c.LineNumber != "555-0101" || !c.EndsOn.Equal(now.AddDate(1, 0, 0)) {
		t.Fatalf("unexpected contract %+v", c)
	}
}

func TestSQLiteTimestampOrderingAcrossPrecision(t *testing.T) {
	s, now := newTestSQLiteStore(t)
	ctx := context.Background()

	// 00:00:00.5 must sort after 00:00:00.123, which text without fixed
	// width fractional seconds gets wrong.
	*now = now.Add(500 * time.Millisecond)
	_, _ = s.InsertMessage(ctx, chat.Message{ConversationID: "c-1", SenderID: "u-1", Content: "late"})
	_, _ = s.InsertMessage(ctx, chat.Message{
		ConversationID: "c-1", SenderID: "u-1", Content: "early",
		CreatedAt: now.Add(-377 * time.Millisecond),
	})

	out, err := s.ListMessages(ctx, MessageQuery{ConversationID: "c-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out[0].Content != "early" || out[1].Content != "late" {
		t.Fatalf("unexpected order %q, %q", out[0].Content, out[1].Content)
	}
}

func TestSQLiteHealth(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	h := s.Health()
	if h["ok"] != true || h["backend"] != "sqlite" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestSQLiteCorruptNotificationDataIsLogged(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()
	n, err := s.InsertPending(ctx, chat.PendingNotification{RecipientID: "u-2", Title: "t"})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE pending_notifications SET data = ? WHERE id = ?`, `{"type":`, n.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	var logs bytes.Buffer
	jww.SetLogOutput(&logs)
	jww.SetLogThreshold(jww.LevelWarn)
	t.Cleanup(func() { jww.SetLogOutput(io.Discard) })

	got, err := s.GetPending(ctx, n.ID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if got.Data != nil {
		t.Fatalf("expected no data for an undecodable row, got %+v", got.Data)
	}
	if !strings.Contains(logs.String(), "notification_id="+n.ID) {
		t.Fatalf("decode failure not logged with the row id: %q", logs.String())
	}
}
