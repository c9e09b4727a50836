package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/devices"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateDraining     State = "draining"
	StateListening    State = "listening"
	StateClosed       State = "closed"
)

type Source string

const (
	SourceDrain     Source = "drain"
	SourceBroadcast Source = "broadcast"
	SourceBackstop  Source = "backstop"
)

// Surfaced is a notification handed to the device for display.
type Surfaced struct {
	NotificationID string
	Title          string
	Body           string
	Payload        chat.Payload
	Source         Source
}

// Device is the local side of a session: the permission prompt and the
// notification tray.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	Show(ctx context.Context, n Surfaced) error
}

var ErrSessionClosed = errors.New("notify: session closed")

type SessionConfig struct {
	IdentityID string
	EndpointID string
	Platform   string
	Channel    string
	Event      string
	// GraceWindow is how long the backstop waits for the broadcast path
	// before it re-reads a new row.
	GraceWindow   time.Duration
	DrainLimit    int
	DrainInterval time.Duration
	SeenCapacity  int
}

// Session is one device session's notification intake.
type Session struct {
	cfg      SessionConfig
	store    store.PendingStore
	registry devices.Registry
	bus      realtime.Bus
	device   Device
	seen     *seenSet
	limiter  ratelimit.Limiter

	mu    sync.Mutex
	state State
	subs  []realtime.Subscription
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewSession(cfg SessionConfig, st store.PendingStore, registry devices.Registry, bus realtime.Bus, device Device) *Session {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Event == "" {
		cfg.Event = DefaultEvent
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 500 * time.Millisecond
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 5
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 300 * time.Millisecond
	}
	return &Session{
		cfg:      cfg,
		store:    st,
		registry: registry,
		bus:      bus,
		device:   device,
		seen:     newSeenSet(cfg.SeenCapacity),
		limiter:  ratelimit.New(1, ratelimit.Per(cfg.DrainInterval), ratelimit.WithoutSlack),
		state:    StateUnregistered,
		done:     make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// Register asks the device for permission and records this session's
// endpoint on grant. Denial leaves the session unregistered and is not an
// error.
func (s *Session) Register(ctx context.Context) (bool, error) {
	switch s.State() {
	case StateClosed:
		return false, ErrSessionClosed
	case StateUnregistered:
	default:
		return true, nil
	}
	granted, err := s.device.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	if !granted {
		jww.INFO.Printf("notify permission denied identity=%s endpoint=%s", s.cfg.IdentityID, s.cfg.EndpointID)
		return false, nil
	}
	if err := s.registry.UpsertEndpoint(ctx, chat.Endpoint{
		IdentityID: s.cfg.IdentityID,
		EndpointID: s.cfg.EndpointID,
		Platform:   s.cfg.Platform,
	}); err != nil {
		return false, err
	}
	s.setState(StateRegistered)
	jww.INFO.Printf("notify session registered identity=%s endpoint=%s", s.cfg.IdentityID, s.cfg.EndpointID)
	return true, nil
}

// Start subscribes the broadcast and backstop listeners and then drains the
// pending queue. Listeners go first so nothing inserted during the drain is
// missed; the conditional claim keeps the overlap from double-surfacing.
func (s *Session) Start(ctx context.Context) error {
	switch s.State() {
	case StateUnregistered:
		return nil
	case StateClosed:
		return ErrSessionClosed
	case StateRegistered:
	default:
		return nil
	}

	bsub, err := s.bus.SubscribeBroadcast(s.cfg.Channel, s.cfg.Event, s.onBroadcast)
	if err != nil {
		return err
	}
	csub, err := s.bus.SubscribeChanges(realtime.TablePendingNotifications,
		realtime.Eq("recipient_id", s.cfg.IdentityID), s.onChange)
	if err != nil {
		bsub.Unsubscribe()
		return err
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		bsub.Unsubscribe()
		csub.Unsubscribe()
		return ErrSessionClosed
	}
	s.subs = append(s.subs, bsub, csub)
	s.mu.Unlock()

	_, err = s.Drain(ctx)
	return err
}

// Foreground re-drains when the app comes back to the foreground.
func (s *Session) Foreground(ctx context.Context) error {
	if s.State() != StateListening {
		return nil
	}
	_, err := s.Drain(ctx)
	return err
}

// Drain surfaces up to DrainLimit undelivered notifications, oldest first,
// spaced by DrainInterval. It returns how many this call surfaced.
func (s *Session) Drain(ctx context.Context) (int, error) {
	prev := s.State()
	if prev == StateUnregistered || prev == StateClosed {
		return 0, nil
	}
	s.setState(StateDraining)
	defer func() {
		// Without listeners the session is still only registered.
		if s.listening() {
			s.setState(StateListening)
		} else {
			s.setState(StateRegistered)
		}
	}()

	rows, err := s.store.ListPending(ctx, s.cfg.IdentityID, s.cfg.DrainLimit)
	if err != nil {
		jww.WARN.Printf("notify drain list failed identity=%s err=%v", s.cfg.IdentityID, err)
		return 0, err
	}
	surfaced := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return surfaced, err
		}
		if s.isClosed() {
			return surfaced, nil
		}
		s.limiter.Take()
		won, err := s.store.ClaimPending(ctx, row.ID)
		if err != nil {
			jww.WARN.Printf("notify drain claim failed notification_id=%s err=%v", row.ID, err)
			continue
		}
		if !won {
			continue
		}
		switch s.surface(ctx, row.ID, row.Title, row.Body, row.Data, SourceDrain) {
		case surfaceShown:
			surfaced++
		case surfaceFailed:
			s.release(ctx, row.ID, SourceDrain)
		}
	}
	if len(rows) > 0 {
		jww.INFO.Printf("notify drained identity=%s fetched=%d surfaced=%d", s.cfg.IdentityID, len(rows), surfaced)
	}
	return surfaced, nil
}

func (s *Session) onBroadcast(env realtime.Envelope) {
	var evt PushEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		jww.WARN.Printf("notify broadcast decode failed err=%v", err)
		return
	}
	if evt.RecipientID != s.cfg.IdentityID {
		return
	}
	s.track(func(ctx context.Context) {
		claimed := false
		if evt.NotificationID != "" {
			won, err := s.store.ClaimPending(ctx, evt.NotificationID)
			if err == nil && !won {
				return
			}
			if err != nil {
				// Surface anyway; the seen-set stops the backstop repeating it here.
				jww.WARN.Printf("notify broadcast claim failed notification_id=%s err=%v", evt.NotificationID, err)
			}
			claimed = won
		}
		res := s.surface(ctx, evt.NotificationID, evt.Title, evt.Body, evt.Data, SourceBroadcast)
		if res == surfaceFailed && claimed {
			s.release(ctx, evt.NotificationID, SourceBroadcast)
		}
	})
}

func (s *Session) onChange(c realtime.Change) {
	if c.Op != realtime.OpInsert {
		return
	}
	id := c.Columns["id"]
	if id == "" {
		return
	}
	s.track(func(ctx context.Context) {
		timer := time.NewTimer(s.cfg.GraceWindow)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		row, err := s.store.GetPending(ctx, id)
		if err != nil {
			jww.WARN.Printf("notify backstop re-read failed notification_id=%s err=%v", id, err)
			return
		}
		if row.Read {
			return
		}
		won, err := s.store.ClaimPending(ctx, id)
		if err != nil || !won {
			return
		}
		if s.surface(ctx, row.ID, row.Title, row.Body, row.Data, SourceBackstop) == surfaceFailed {
			s.release(ctx, row.ID, SourceBackstop)
		}
	})
}

// track runs fn on its own goroutine unless the session is closed. fn's
// context is cancelled by Close.
func (s *Session) track(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer s.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
	}()
}

type surfaceResult int

const (
	surfaceShown surfaceResult = iota
	// surfaceSkipped covers duplicates and unknown kinds; neither is retried.
	surfaceSkipped
	surfaceFailed
)

func (s *Session) surface(ctx context.Context, id, title, body string, data map[string]string, src Source) surfaceResult {
	if id != "" && !s.seen.add(id) {
		return surfaceSkipped
	}
	payload := chat.DecodePayload(data)
	if !chat.IsKnown(payload) {
		jww.WARN.Printf("notify dropped unknown kind=%q notification_id=%s source=%s", payload.Kind(), id, src)
		return surfaceSkipped
	}
	if err := s.device.Show(ctx, Surfaced{
		NotificationID: id,
		Title:          title,
		Body:           body,
		Payload:        payload,
		Source:         src,
	}); err != nil {
		jww.WARN.Printf("notify show failed notification_id=%s source=%s err=%v", id, src, err)
		if id != "" {
			s.seen.remove(id)
		}
		return surfaceFailed
	}
	jww.DEBUG.Printf("notify surfaced notification_id=%s source=%s kind=%s", id, src, payload.Kind())
	return surfaceShown
}

// release hands a row this session claimed but could not show back to the
// queue, so the backstop or the next drain can deliver it.
func (s *Session) release(ctx context.Context, id string, src Source) {
	released, err := s.store.ReleasePending(context.WithoutCancel(ctx), id)
	if err != nil {
		jww.ERROR.Printf("notify release failed notification_id=%s source=%s err=%v", id, src, err)
		return
	}
	jww.INFO.Printf("notify released notification_id=%s source=%s released=%t", id, src, released)
}

func (s *Session) isClosed() bool {
	return s.State() == StateClosed
}

func (s *Session) listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// Close releases every subscription together and waits for in-flight
// handlers. It must not be called from a Device.Show callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	subs := s.subs
	s.subs = nil
	close(s.done)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
}

// Logout closes the session and removes only this session's endpoint, so the
// identity's other devices keep receiving notifications.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	if s.cfg.EndpointID == "" {
		return nil
	}
	removed, err := s.registry.RemoveEndpoint(ctx, s.cfg.IdentityID, s.cfg.EndpointID)
	if err != nil {
		return err
	}
	jww.INFO.Printf("notify session logged out identity=%s endpoint=%s removed=%t", s.cfg.IdentityID, s.cfg.EndpointID, removed)
	return nil
}
