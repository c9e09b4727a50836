package realtime

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

type HubConfig struct {
	// MaxObserveEvents bounds the retained change log served by ObserveSince.
	MaxObserveEvents int
	ObserveWaitMax   time.Duration
	// QueueSize is the per-subscription delivery buffer. Deliveries beyond it
	// are dropped, as they would be on a lossy socket.
	QueueSize int
	Clock     func() time.Time
}

type ObserveFilter struct {
	Table  string
	Filter Filter
}

// Hub is the in-process bus. It fans row changes and broadcasts out to
// subscribers and keeps a bounded log of changes for long-poll observers.
// Broadcasts are never retained.
type Hub struct {
	mu sync.Mutex

	cfg HubConfig

	nextSubID     int64
	nextObserveID int64

	changeSubs    map[int64]*changeSub
	broadcastSubs map[int64]*broadcastSub
	observeEvents []Change
	dropped       int64
}

type changeSub struct {
	table  string
	filter Filter
	w      *worker[Change]
}

type broadcastSub struct {
	channel string
	event   string
	w       *worker[Envelope]
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxObserveEvents <= 0 {
		cfg.MaxObserveEvents = 50000
	}
	if cfg.ObserveWaitMax <= 0 {
		cfg.ObserveWaitMax = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Hub{
		cfg:           cfg,
		changeSubs:    map[int64]*changeSub{},
		broadcastSubs: map[int64]*broadcastSub{},
		observeEvents: []Change{},
	}
}

func (h *Hub) now() time.Time {
	return h.cfg.Clock().UTC()
}

// Emit records a change and delivers it to matching subscribers. It is the
// sink the store change-feed decorator writes to.
func (h *Hub) Emit(c Change) {
	h.mu.Lock()
	h.nextObserveID++
	c.ID = h.nextObserveID
	if c.At.IsZero() {
		c.At = h.now()
	}
	h.observeEvents = append(h.observeEvents, c)
	h.trimObserveLocked()
	targets := make([]*changeSub, 0, len(h.changeSubs))
	for _, sub := range h.changeSubs {
		if sub.table == c.Table && sub.filter.Match(c.Columns) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.w.offer(c) {
			h.countDrop()
			jww.WARN.Printf("realtime change dropped table=%s op=%s reason=queue_full", c.Table, c.Op)
		}
	}
}

func (h *Hub) trimObserveLocked() {
	max := h.cfg.MaxObserveEvents
	if max > 0 && len(h.observeEvents) > max {
		drop := len(h.observeEvents) - max
		h.observeEvents = append([]Change{}, h.observeEvents[drop:]...)
	}
}

func (h *Hub) countDrop() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

func (h *Hub) SubscribeChanges(table string, filter Filter, fn func(Change)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	sub := &changeSub{table: table, filter: filter}
	sub.w = newWorker(h.cfg.QueueSize, fn, func() {
		h.mu.Lock()
		delete(h.changeSubs, id)
		h.mu.Unlock()
	})
	h.changeSubs[id] = sub
	return sub.w, nil
}

func (h *Hub) SubscribeBroadcast(channel, event string, fn func(Envelope)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	sub := &broadcastSub{channel: channel, event: event}
	sub.w = newWorker(h.cfg.QueueSize, fn, func() {
		h.mu.Lock()
		delete(h.broadcastSubs, id)
		h.mu.Unlock()
	})
	h.broadcastSubs[id] = sub
	return sub.w, nil
}

// PublishBroadcast delivers payload to current subscribers of channel/event.
// Nobody listening means nobody receives it.
func (h *Hub) PublishBroadcast(ctx context.Context, channel, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{Event: event, Payload: append([]byte(nil), payload...), At: h.now()}
	h.mu.Lock()
	targets := make([]*broadcastSub, 0, len(h.broadcastSubs))
	for _, sub := range h.broadcastSubs {
		if sub.channel == channel && sub.event == event {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.w.offer(env) {
			h.countDrop()
			jww.WARN.Printf("realtime broadcast dropped channel=%s event=%s reason=queue_full", channel, event)
		}
	}
	return nil
}

func observeMatches(c Change, filter ObserveFilter) bool {
	if filter.Table != "" && c.Table != filter.Table {
		return false
	}
	return filter.Filter.Match(c.Columns)
}

// ObserveSince returns retained changes with id > afterID that match filter,
// waiting up to wait for at least one to arrive.
func (h *Hub) ObserveSince(afterID int64, filter ObserveFilter, wait time.Duration) ([]Change, int64) {
	if wait < 0 {
		wait = 0
	}
	if wait > h.cfg.ObserveWaitMax {
		wait = h.cfg.ObserveWaitMax
	}
	deadline := time.Now().Add(wait)

	for {
		h.mu.Lock()
		out := []Change{}
		last := afterID
		for _, c := range h.observeEvents {
			if c.ID <= afterID {
				continue
			}
			if !observeMatches(c, filter) {
				continue
			}
			out = append(out, c)
			last = c.ID
		}
		h.mu.Unlock()

		if len(out) > 0 || wait == 0 || time.Now().After(deadline) {
			return out, last
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *Hub) Health() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"observe":              len(h.observeEvents),
		"change_subscriptions": len(h.changeSubs),
		"broadcast_subs":       len(h.broadcastSubs),
		"dropped":              h.dropped,
	}
}

// worker delivers queued items to fn on its own goroutine, in order.
type worker[T any] struct {
	queue   chan T
	stop    chan struct{}
	once    sync.Once
	release func()
}

func newWorker[T any](size int, fn func(T), release func()) *worker[T] {
	w := &worker[T]{
		queue:   make(chan T, size),
		stop:    make(chan struct{}),
		release: release,
	}
	go func() {
		for {
			select {
			case <-w.stop:
				return
			case item := <-w.queue:
				select {
				case <-w.stop:
					return
				default:
				}
				fn(item)
			}
		}
	}()
	return w
}

func (w *worker[T]) offer(item T) bool {
	select {
	case <-w.stop:
		return true
	default:
	}
	select {
	case w.queue <- item:
		return true
	default:
		return false
	}
}

func (w *worker[T]) Unsubscribe() {
	w.once.Do(func() {
		close(w.stop)
		if w.release != nil {
			w.release()
		}
	})
}
