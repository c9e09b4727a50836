// Package notify delivers notifications to an identity's devices over two
// paths: a durable pending-notification row and an ephemeral broadcast.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/devices"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

const (
	DefaultChannel = "notifications"
	DefaultEvent   = "push"
)

// Notice is a request to notify RecipientID on behalf of SenderID.
type Notice struct {
	RecipientID string
	SenderID    string
	Title       string
	Body        string
	Payload     chat.Payload
}

type Result string

const (
	OutcomeDelivered   Result = "delivered"
	OutcomeFailed      Result = "failed"
	OutcomeSelf        Result = "self"
	OutcomeNoRecipient Result = "no_recipient"
	OutcomeRejected    Result = "rejected"
	OutcomeNoEndpoint  Result = "no_endpoint"
)

// Outcome reports what a dispatch did. Durable and Broadcast say which paths
// succeeded; Delivered means at least one did.
type Outcome struct {
	Result         Result
	NotificationID string
	Durable        bool
	Broadcast      bool
}

// PushEvent is the broadcast payload. Every session on the channel receives
// it and keeps only events whose RecipientID is its own identity.
type PushEvent struct {
	RecipientID    string            `json:"recipient_id"`
	NotificationID string            `json:"notification_id,omitempty"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	DispatchedAt   time.Time         `json:"dispatched_at"`
}

// DispatchStore is the slice of the store the dispatcher needs.
type DispatchStore interface {
	store.PendingStore
	GetContract(ctx context.Context, id string) (chat.Contract, error)
}

type DispatcherConfig struct {
	Channel string
	Event   string
	Clock   func() time.Time
	Tracer  trace.Tracer
}

type Dispatcher struct {
	cfg      DispatcherConfig
	store    DispatchStore
	registry devices.Registry
	bus      realtime.Broadcaster

	mu           sync.Mutex
	lastDispatch time.Time

	delivered         int64
	skipped           int64
	durableFailures   int64
	broadcastFailures int64
}

func NewDispatcher(cfg DispatcherConfig, st DispatchStore, registry devices.Registry, bus realtime.Broadcaster) *Dispatcher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Event == "" {
		cfg.Event = DefaultEvent
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/joelkehle/conecta-chat/internal/notify")
	}
	return &Dispatcher{cfg: cfg, store: st, registry: registry, bus: bus}
}

// nextDispatchTime returns a timestamp strictly after every earlier one from
// this dispatcher.
func (d *Dispatcher) nextDispatchTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.cfg.Clock().UTC()
	if !now.After(d.lastDispatch) {
		now = d.lastDispatch.Add(time.Nanosecond)
	}
	d.lastDispatch = now
	return now
}

// Dispatch never returns an error: every failure mode is an Outcome. The
// durable row is written before the broadcast so the broadcast can name it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice) Outcome {
	kind := ""
	if n.Payload != nil {
		kind = string(n.Payload.Kind())
	}
	ctx, span := d.cfg.Tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(
		attribute.String("notify.recipient_id", n.RecipientID),
		attribute.String("notify.kind", kind),
	))
	defer span.End()

	out := d.dispatch(ctx, n, kind)
	span.SetAttributes(
		attribute.String("notify.result", string(out.Result)),
		attribute.Bool("notify.durable", out.Durable),
		attribute.Bool("notify.broadcast", out.Broadcast),
	)
	if out.Result == OutcomeFailed {
		span.SetStatus(codes.Error, "both delivery paths failed")
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notice, kind string) Outcome {
	if n.RecipientID == n.SenderID {
		atomic.AddInt64(&d.skipped, 1)
		jww.DEBUG.Printf("notify skipped reason=self identity=%s kind=%s", n.SenderID, kind)
		return Outcome{Result: OutcomeSelf}
	}
	if n.RecipientID == "" {
		atomic.AddInt64(&d.skipped, 1)
		jww.DEBUG.Printf("notify skipped reason=no_recipient sender=%s kind=%s", n.SenderID, kind)
		return Outcome{Result: OutcomeNoRecipient}
	}
	if !d.revalidate(ctx, n) {
		atomic.AddInt64(&d.skipped, 1)
		jww.WARN.Printf("notify rejected recipient=%s sender=%s kind=%s reason=not_counterparty", n.RecipientID, n.SenderID, kind)
		return Outcome{Result: OutcomeRejected}
	}

	eps, err := d.registry.ListEndpoints(ctx, n.RecipientID)
	switch {
	case err != nil:
		// Registry outage: fall through and let the durable row carry it.
		jww.WARN.Printf("notify endpoint lookup failed recipient=%s err=%v", n.RecipientID, err)
	case len(eps) == 0:
		atomic.AddInt64(&d.skipped, 1)
		jww.DEBUG.Printf("notify skipped reason=no_endpoint recipient=%s kind=%s", n.RecipientID, kind)
		return Outcome{Result: OutcomeNoEndpoint}
	}

	var data map[string]string
	if n.Payload != nil {
		data = n.Payload.Data()
	}
	out := Outcome{Result: OutcomeFailed}

	row, err := d.store.InsertPending(ctx, chat.PendingNotification{
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Body:        n.Body,
		Data:        data,
	})
	if err != nil {
		atomic.AddInt64(&d.durableFailures, 1)
		jww.ERROR.Printf("notify durable path failed recipient=%s kind=%s err=%v", n.RecipientID, kind, err)
	} else {
		out.Durable = true
		out.NotificationID = row.ID
	}

	evt := PushEvent{
		RecipientID:    n.RecipientID,
		NotificationID: out.NotificationID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           data,
		DispatchedAt:   d.nextDispatchTime(),
	}
	blob, err := json.Marshal(evt)
	if err == nil {
		err = d.bus.PublishBroadcast(ctx, d.cfg.Channel, d.cfg.Event, blob)
	}
	if err != nil {
		atomic.AddInt64(&d.broadcastFailures, 1)
		jww.WARN.Printf("notify broadcast path failed recipient=%s kind=%s err=%v", n.RecipientID, kind, err)
	} else {
		out.Broadcast = true
	}

	if out.Durable || out.Broadcast {
		out.Result = OutcomeDelivered
		atomic.AddInt64(&d.delivered, 1)
		jww.INFO.Printf("notify dispatched recipient=%s notification_id=%s durable=%t broadcast=%t kind=%s",
			n.RecipientID, out.NotificationID, out.Durable, out.Broadcast, kind)
	}
	return out
}

// revalidate re-derives the counterparty for new-message notices instead of
// trusting the caller's recipient. Only a definite mismatch rejects.
func (d *Dispatcher) revalidate(ctx context.Context, n Notice) bool {
	p, ok := n.Payload.(chat.NewMessagePayload)
	if !ok {
		return true
	}
	if p.SenderID != "" && p.SenderID != n.SenderID {
		return false
	}
	c, err := d.store.GetContract(ctx, p.ContractID)
	if chat.IsCode(err, chat.CodeNotFound) {
		return false
	}
	if err != nil {
		// A lookup failure is not a mismatch; the durable row lets the
		// recipient recover once the store is back.
		jww.WARN.Printf("notify revalidate contract lookup failed contract_id=%s err=%v", p.ContractID, err)
		return true
	}
	counterparty, err := chat.ResolveCounterparty(c, n.SenderID)
	return err == nil && counterparty == n.RecipientID
}

func (d *Dispatcher) Stats() map[string]any {
	return map[string]any{
		"delivered":          atomic.LoadInt64(&d.delivered),
		"skipped":            atomic.LoadInt64(&d.skipped),
		"durable_failures":   atomic.LoadInt64(&d.durableFailures),
		"broadcast_failures": atomic.LoadInt64(&d.broadcastFailures),
	}
}
