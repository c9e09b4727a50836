package store

import (
	"context"
	"time"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

type Order int

const (
	Ascending Order = iota
	Descending
)

// Cursor is a position in the (CreatedAt, ID) message order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(m chat.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func (c Cursor) before(m chat.Message) bool {
	return chat.MessageLess(chat.Message{ID: c.ID, CreatedAt: c.CreatedAt}, m)
}

type MessageQuery struct {
	ConversationID string
	Order          Order
	// Limit <= 0 means no limit.
	Limit int
	// After, when set, keeps only messages strictly after the cursor.
	After *Cursor
}

type MessageStore interface {
	// InsertMessage assigns ID and CreatedAt when they are empty.
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]chat.Message, error)
	// MarkMessagesRead flips read on every unread message in the conversation
	// not authored by readerID and returns how many changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error)
	MarkMessageRead(ctx context.Context, id string) (bool, error)
	CountUnread(ctx context.Context, conversationID, readerID string) (int, error)
	DeleteMessage(ctx context.Context, id string) error
}

type PendingStore interface {
	InsertPending(ctx context.Context, n chat.PendingNotification) (chat.PendingNotification, error)
	GetPending(ctx context.Context, id string) (chat.PendingNotification, error)
	// ListPending returns undelivered rows for recipientID, oldest first.
	ListPending(ctx context.Context, recipientID string, limit int) ([]chat.PendingNotification, error)
	// ClaimPending sets read=true only if it was false and reports whether
	// this call made the change.
	ClaimPending(ctx context.Context, id string) (bool, error)
	// ReleasePending hands a claimed row back: read goes true to false only
	// if it was true. It reports whether this call made the change.
	ReleasePending(ctx context.Context, id string) (bool, error)
}

// ContractQuery selects contracts for one identity, newest first.
type ContractQuery struct {
	// ParticipantID keeps contracts where the identity is customer or advisor.
	ParticipantID string
	// Status, when set, keeps only contracts in that status.
	Status chat.ContractStatus
	// IncludeUnassigned also keeps contracts that have no advisor yet.
	IncludeUnassigned bool
}

func (q ContractQuery) match(c chat.Contract) bool {
	if q.Status != "" && c.Status != q.Status {
		return false
	}
	if q.IncludeUnassigned && c.AdvisorID == "" {
		return true
	}
	return c.CustomerID == q.ParticipantID || (c.AdvisorID != "" && c.AdvisorID == q.ParticipantID)
}

// ContractLess orders contracts newest first, by (CreatedAt, ID) descending.
func ContractLess(a, b chat.Contract) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

type ContractStore interface {
	PutContract(ctx context.Context, c chat.Contract) (chat.Contract, error)
	GetContract(ctx context.Context, id string) (chat.Contract, error)
	ListContracts(ctx context.Context, q ContractQuery) ([]chat.Contract, error)
	PutProfile(ctx context.Context, p chat.Profile) error
	GetProfile(ctx context.Context, id string) (chat.Profile, error)
}

type EndpointStore interface {
	UpsertEndpoint(ctx context.Context, e chat.Endpoint) error
	RemoveEndpoint(ctx context.Context, identityID, endpointID string) (bool, error)
	ListEndpoints(ctx context.Context, identityID string) ([]chat.Endpoint, error)
}

// API is the storage interface used by the services and the HTTP layer.
// It allows swapping in-memory and persistent implementations.
type API interface {
	MessageStore
	PendingStore
	ContractStore
	EndpointStore
	Health() map[string]any
	Close() error
}
