package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Tables emitted by the store change feed.
const (
	TableMessages             = "messages"
	TablePendingNotifications = "pending_notifications"
)

// Change is one row-level change. Columns carries the filterable column values
// of the row; Record is the typed row itself.
type Change struct {
	ID      int64             `json:"id"`
	Table   string            `json:"table"`
	Op      Op                `json:"op"`
	Columns map[string]string `json:"columns,omitempty"`
	Record  any               `json:"record,omitempty"`
	At      time.Time         `json:"at"`
}

// Envelope is a broadcast as seen by subscribers. Payload is opaque JSON.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe()
}

type ChangeFeed interface {
	SubscribeChanges(table string, filter Filter, fn func(Change)) (Subscription, error)
}

type Broadcaster interface {
	SubscribeBroadcast(channel, event string, fn func(Envelope)) (Subscription, error)
	PublishBroadcast(ctx context.Context, channel, event string, payload []byte) error
}

// Bus is what notification intake and the conversation view listen on.
type Bus interface {
	ChangeFeed
	Broadcaster
}

type combined struct {
	ChangeFeed
	Broadcaster
}

// Combine joins a change feed and a broadcaster served by different backends,
// for example the in-process Hub feed with a Redis broadcaster.
func Combine(feed ChangeFeed, b Broadcaster) Bus {
	return combined{ChangeFeed: feed, Broadcaster: b}
}

// Filter is a single-column equality filter written as "column=eq.value".
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func ParseFilter(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Filter{}, nil
	}
	column, rest, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(column) == "" {
		return Filter{}, fmt.Errorf("realtime: bad filter %q", raw)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, fmt.Errorf("realtime: unsupported filter operator in %q", raw)
	}
	return Filter{Column: strings.TrimSpace(column), Value: value}, nil
}

func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

func (f Filter) Match(columns map[string]string) bool {
	if f.Column == "" {
		return true
	}
	v, ok := columns[f.Column]
	return ok && v == f.Value
}
