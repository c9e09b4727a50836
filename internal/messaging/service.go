// Package messaging is the conversation message service: listing, sending and
// read-state for the two-party chat attached to a contract.
package messaging

import (
	"context"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/notify"
	"github.com/joelkehle/conecta-chat/internal/store"
)

type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notice) notify.Outcome
}

type Store interface {
	store.MessageStore
	GetContract(ctx context.Context, id string) (chat.Contract, error)
	GetProfile(ctx context.Context, id string) (chat.Profile, error)
}

type Config struct {
	MaxContentLength int
	DefaultPageSize  int
	MaxPageSize      int
	PreviewLength    int
}

type Service struct {
	cfg      Config
	store    Store
	notifier Notifier
}

func NewService(cfg Config, st Store, notifier Notifier) *Service {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 500
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 200
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 100
	}
	return &Service{cfg: cfg, store: st, notifier: notifier}
}

func (s *Service) pageSize(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

// List returns the most recent messages of a conversation, oldest first. It
// never fails: store errors are logged and yield an empty list.
func (s *Service) List(ctx context.Context, conversationID string, limit int) []chat.Message {
	out, err := s.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		Order:          store.Descending,
		Limit:          s.pageSize(limit),
	})
	if err != nil {
		jww.ERROR.Printf("messaging list failed conversation_id=%s err=%v", conversationID, err)
		return []chat.Message{}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Transcript walks the whole conversation oldest first, fetching pageSize
// messages at a time. Each range over the sequence starts from the beginning.
func (s *Service) Transcript(ctx context.Context, conversationID string, pageSize int) iter.Seq[chat.Message] {
	size := s.pageSize(pageSize)
	return func(yield func(chat.Message) bool) {
		var after *store.Cursor
		for {
			page, err := s.store.ListMessages(ctx, store.MessageQuery{
				ConversationID: conversationID,
				Order:          store.Ascending,
				Limit:          size,
				After:          after,
			})
			if err != nil {
				jww.ERROR.Printf("messaging transcript page failed conversation_id=%s err=%v", conversationID, err)
				return
			}
			for _, m := range page {
				if !yield(m) {
					return
				}
			}
			if len(page) < size {
				return
			}
			cur := store.CursorOf(page[len(page)-1])
			after = &cur
		}
	}
}

// participantContract loads the contract and checks identityID belongs to it.
// It returns the counterparty id as well.
func (s *Service) participantContract(ctx context.Context, identityID, conversationID string) (chat.Contract, string, error) {
	if strings.TrimSpace(identityID) == "" {
		return chat.Contract{}, "", chat.NewUnauthenticatedError()
	}
	c, err := s.store.GetContract(ctx, conversationID)
	if err != nil {
		return chat.Contract{}, "", err
	}
	counterparty, err := chat.ResolveCounterparty(c, identityID)
	if err != nil {
		return chat.Contract{}, "", err
	}
	return c, counterparty, nil
}

// Send persists a message from senderID and notifies the other participant.
// Notification failures never fail the send.
func (s *Service) Send(ctx context.Context, senderID, conversationID, content string) (chat.Message, error) {
	if strings.TrimSpace(senderID) == "" {
		return chat.Message{}, chat.NewUnauthenticatedError()
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, chat.NewValidationError("content is required")
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxContentLength {
		return chat.Message{}, chat.NewValidationError("content exceeds maximum length")
	}
	contract, counterparty, err := s.participantContract(ctx, senderID, conversationID)
	if err != nil {
		return chat.Message{}, err
	}

	m, err := s.store.InsertMessage(ctx, chat.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "messaging: insert message")
	}
	jww.INFO.Printf("messaging sent message_id=%s conversation_id=%s sender=%s", m.ID, conversationID, senderID)

	if counterparty == "" {
		jww.DEBUG.Printf("messaging no counterparty yet conversation_id=%s", conversationID)
		return m, nil
	}
	// The dispatch must finish even if the caller leaves the screen.
	dctx := context.WithoutCancel(ctx)
	out := s.notifier.Dispatch(dctx, notify.Notice{
		RecipientID: counterparty,
		SenderID:    senderID,
		Title:       "💬 " + s.senderName(dctx, contract, senderID),
		Body:        Preview(content, s.cfg.PreviewLength),
		Payload: chat.NewMessagePayload{
			ContractID: conversationID,
			SenderID:   senderID,
			MessageID:  m.ID,
		},
	})
	jww.DEBUG.Printf("messaging dispatch message_id=%s result=%s", m.ID, out.Result)
	return m, nil
}

func (s *Service) senderName(ctx context.Context, c chat.Contract, senderID string) string {
	p, err := s.store.GetProfile(ctx, senderID)
	if err == nil {
		return p.DisplayName()
	}
	if senderID == c.AdvisorID {
		return chat.Profile{Role: chat.RoleAdvisor}.DisplayName()
	}
	return chat.Profile{Role: chat.RoleCustomer}.DisplayName()
}

// Preview shortens s to at most n runes, appending "..." when it cut.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// MarkAllRead marks every message in the conversation not sent by readerID as
// read and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, _, err := s.participantContract(ctx, readerID, conversationID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkMessagesRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, errors.Wrap(err, "messaging: mark all read")
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, _, err := s.participantContract(ctx, readerID, conversationID); err != nil {
		return 0, err
	}
	return s.store.CountUnread(ctx, conversationID, readerID)
}

// MarkRead marks a single message read. Only the participant who did not
// write it may do so.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (bool, error) {
	if strings.TrimSpace(readerID) == "" {
		return false, chat.NewUnauthenticatedError()
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if _, _, err := s.participantContract(ctx, readerID, m.ConversationID); err != nil {
		return false, err
	}
	if m.SenderID == readerID {
		return false, chat.NewPermissionDeniedError("authors cannot mark their own message read")
	}
	return s.store.MarkMessageRead(ctx, messageID)
}

// Delete removes a message. It is an administrative operation with no
// participant check.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	jww.INFO.Printf("messaging deleted message_id=%s", messageID)
	return nil
}
