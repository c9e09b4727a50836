package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestResolveCounterparty(t *testing.T) {
	c := Contract{ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2"}

	got, err := ResolveCounterparty(c, "u-1")
	if err != nil || got != "u-2" {
		t.Fatalf("customer: got %q err=%v", got, err)
	}
	got, err = ResolveCounterparty(c, "u-2")
	if err != nil || got != "u-1" {
		t.Fatalf("advisor: got %q err=%v", got, err)
	}
	if _, err := ResolveCounterparty(c, "u-3"); CodeOf(err) != CodeNotAParticipant {
		t.Fatalf("expected not_a_participant, got %v", err)
	}
	if _, err := ResolveCounterparty(c, "  "); CodeOf(err) != CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestResolveCounterpartyWithoutAdvisor(t *testing.T) {
	c := Contract{ID: "c-1", CustomerID: "u-1"}
	got, err := ResolveCounterparty(c, "u-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty counterparty, got %q", got)
	}
	if IsParticipant(c, "") {
		t.Fatalf("empty identity must not be a participant")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := []Payload{
		NewMessagePayload{ContractID: "c-1", SenderID: "u-1", MessageID: "m-1"},
		ContractApprovedPayload{ContractID: "c-1", LineNumber: "555-0101"},
		ContractRejectedPayload{ContractID: "c-1", Reason: "missing documents"},
	}
	for _, p := range in {
		got := DecodePayload(p.Data())
		if got != p {
			t.Fatalf("decode %s: got %#v want %#v", p.Kind(), got, p)
		}
		if !IsKnown(got) {
			t.Fatalf("%s should be known", p.Kind())
		}
	}
}

func TestDecodeUnknownPayload(t *testing.T) {
	p := DecodePayload(map[string]string{"type": "promo", "code": "X"})
	u, ok := p.(UnknownPayload)
	if !ok {
		t.Fatalf("expected UnknownPayload, got %T", p)
	}
	if u.Kind() != "promo" || u.Data()["code"] != "X" {
		t.Fatalf("unexpected unknown payload %#v", u)
	}
	if IsKnown(p) {
		t.Fatalf("unknown payload reported as known")
	}
	if IsKnown(DecodePayload(nil)) {
		t.Fatalf("nil data reported as known")
	}
}

func TestErrorCodesAndStatus(t *testing.T) {
	err := NewNotFoundError("contract", "c-9")
	var ce *Error
	if !errors.As(err, &ce) || ce.Status != 404 {
		t.Fatalf("expected 404 not_found, got %v", err)
	}
	wrapped := fmt.Errorf("outer: %w", NewTransientError("db down", errors.New("boom")))
	if CodeOf(wrapped) != CodeTransientIO {
		t.Fatalf("expected transient code through wrap, got %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("plain errors map to internal")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}

func TestSortMessagesTieBreaksOnID(t *testing.T) {
	at := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "b", CreatedAt: at},
		{ID: "c", CreatedAt: at.Add(-time.Second)},
		{ID: "a", CreatedAt: at},
	}
	SortMessages(msgs)
	if msgs[0].ID != "c" || msgs[1].ID != "a" || msgs[2].ID != "b" {
		t.Fatalf("unexpected order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestDisplayNameFallbacks(t *testing.T) {
	if got := (Profile{FullName: "Ana"}).DisplayName(); got != "Ana" {
		t.Fatalf("got %q", got)
	}
	if got := (Profile{Email: "a@x.io"}).DisplayName(); got != "a@x.io" {
		t.Fatalf("got %q", got)
	}
	if got := (Profile{Role: RoleAdvisor}).DisplayName(); got != "Advisor" {
		t.Fatalf("got %q", got)
	}
}
