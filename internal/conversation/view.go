// Package conversation keeps the live state of one open conversation: its
// transcript, the reader's unread count and the conversation-scoped change
// feed subscription.
package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/realtime"
)

// Messages is the part of the message service the view drives.
type Messages interface {
	List(ctx context.Context, conversationID string, limit int) []chat.Message
	Send(ctx context.Context, senderID, conversationID, content string) (chat.Message, error)
	MarkAllRead(ctx context.Context, conversationID, readerID string) (int, error)
	MarkRead(ctx context.Context, readerID, messageID string) (bool, error)
	UnreadCount(ctx context.Context, conversationID, readerID string) (int, error)
	Delete(ctx context.Context, messageID string) error
}

var ErrClosed = errors.New("conversation: view closed")

type Config struct {
	IdentityID     string
	ConversationID string
	// PageSize bounds the initial load. Zero uses the service default.
	PageSize int
	// OnChange runs after every transcript or unread change, outside the
	// view's lock.
	OnChange func()
}

type View struct {
	cfg  Config
	msgs Messages
	feed realtime.ChangeFeed

	mu         sync.Mutex
	transcript []chat.Message
	ids        map[string]struct{}
	unread     int
	sub        realtime.Subscription
	opened     bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(cfg Config, msgs Messages, feed realtime.ChangeFeed) *View {
	return &View{
		cfg:  cfg,
		msgs: msgs,
		feed: feed,
		ids:  make(map[string]struct{}),
	}
}

// Open marks the conversation read, subscribes to its message feed and loads
// the newest page. The subscription is taken before the load so that a
// message inserted in between is not lost; the merge drops the duplicate.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.opened {
		v.mu.Unlock()
		return nil
	}
	v.opened = true
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	v.mu.Unlock()

	if _, err := v.msgs.MarkAllRead(ctx, v.cfg.ConversationID, v.cfg.IdentityID); err != nil {
		v.abortOpen()
		return err
	}

	sub, err := v.feed.SubscribeChanges(realtime.TableMessages, realtime.Eq("contract_id", v.cfg.ConversationID), v.onChange)
	if err != nil {
		v.abortOpen()
		return errors.Wrap(err, "conversation: subscribe")
	}
	v.mu.Lock()
	v.sub = sub
	v.mu.Unlock()

	v.merge(v.msgs.List(ctx, v.cfg.ConversationID, v.cfg.PageSize)...)
	v.refreshUnread(ctx)
	jww.DEBUG.Printf("conversation opened conversation_id=%s identity=%s messages=%d", v.cfg.ConversationID, v.cfg.IdentityID, len(v.Transcript()))
	return nil
}

func (v *View) abortOpen() {
	v.mu.Lock()
	v.opened = false
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()
}

func (v *View) onChange(c realtime.Change) {
	m, ok := c.Record.(chat.Message)
	if !ok {
		jww.DEBUG.Printf("conversation ignoring change without message record conversation_id=%s op=%s", v.cfg.ConversationID, c.Op)
		return
	}
	switch c.Op {
	case realtime.OpInsert:
		v.merge(m)
		if m.SenderID != v.cfg.IdentityID {
			v.mu.Lock()
			ctx := v.ctx
			v.mu.Unlock()
			if ctx != nil && ctx.Err() == nil {
				v.refreshUnread(ctx)
			}
		}
	case realtime.OpDelete:
		v.remove(m.ID)
	}
}

// merge adds messages it has not seen and keeps the transcript in
// (CreatedAt, ID) order regardless of arrival order.
func (v *View) merge(msgs ...chat.Message) {
	added := 0
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, m := range msgs {
		if _, dup := v.ids[m.ID]; dup {
			continue
		}
		v.ids[m.ID] = struct{}{}
		i := sort.Search(len(v.transcript), func(i int) bool { return chat.MessageLess(m, v.transcript[i]) })
		v.transcript = append(v.transcript, chat.Message{})
		copy(v.transcript[i+1:], v.transcript[i:])
		v.transcript[i] = m
		added++
	}
	v.mu.Unlock()
	if added > 0 {
		v.changed()
	}
}

func (v *View) remove(id string) {
	v.mu.Lock()
	if _, ok := v.ids[id]; !ok || v.closed {
		v.mu.Unlock()
		return
	}
	delete(v.ids, id)
	for i, m := range v.transcript {
		if m.ID == id {
			v.transcript = append(v.transcript[:i], v.transcript[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	v.changed()
}

func (v *View) refreshUnread(ctx context.Context) {
	n, err := v.msgs.UnreadCount(ctx, v.cfg.ConversationID, v.cfg.IdentityID)
	if err != nil {
		jww.WARN.Printf("conversation unread count failed conversation_id=%s err=%v", v.cfg.ConversationID, err)
		return
	}
	v.setUnread(n)
}

func (v *View) setUnread(n int) {
	v.mu.Lock()
	if v.unread == n || v.closed {
		v.mu.Unlock()
		return
	}
	v.unread = n
	v.mu.Unlock()
	v.changed()
}

func (v *View) changed() {
	if v.cfg.OnChange != nil {
		v.cfg.OnChange()
	}
}

// Send posts content as the view's identity and appends the stored message
// right away. The feed echo of the same message is dropped by id.
func (v *View) Send(ctx context.Context, content string) (chat.Message, error) {
	if v.isClosed() {
		return chat.Message{}, ErrClosed
	}
	m, err := v.msgs.Send(ctx, v.cfg.IdentityID, v.cfg.ConversationID, content)
	if err != nil {
		return chat.Message{}, err
	}
	v.merge(m)
	return m, nil
}

// MarkRead marks every message from the other participant read.
func (v *View) MarkRead(ctx context.Context) error {
	if v.isClosed() {
		return ErrClosed
	}
	if _, err := v.msgs.MarkAllRead(ctx, v.cfg.ConversationID, v.cfg.IdentityID); err != nil {
		return err
	}
	v.setUnread(0)
	return nil
}

// MarkMessageRead marks one incoming message read.
func (v *View) MarkMessageRead(ctx context.Context, messageID string) error {
	if v.isClosed() {
		return ErrClosed
	}
	if _, err := v.msgs.MarkRead(ctx, v.cfg.IdentityID, messageID); err != nil {
		return err
	}
	v.refreshUnread(ctx)
	return nil
}

func (v *View) Delete(ctx context.Context, messageID string) error {
	if v.isClosed() {
		return ErrClosed
	}
	if err := v.msgs.Delete(ctx, messageID); err != nil {
		return err
	}
	v.remove(messageID)
	return nil
}

// Transcript returns a copy of the messages in display order.
func (v *View) Transcript() []chat.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]chat.Message, len(v.transcript))
	copy(out, v.transcript)
	return out
}

func (v *View) Unread() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread
}

// Latest is the message the UI scrolls to. ok is false for an empty transcript.
func (v *View) Latest() (chat.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.transcript) == 0 {
		return chat.Message{}, false
	}
	return v.transcript[len(v.transcript)-1], true
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Close releases the feed subscription. In-flight sends are not cancelled.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.sub = nil
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	jww.DEBUG.Printf("conversation closed conversation_id=%s identity=%s", v.cfg.ConversationID, v.cfg.IdentityID)
}
