package chat

import (
	"sort"
	"time"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdvisor  Role = "advisor"
)

type ContractStatus string

const (
	ContractPending   ContractStatus = "pending"
	ContractApproved  ContractStatus = "approved"
	ContractRejected  ContractStatus = "rejected"
	ContractCancelled ContractStatus = "cancelled"
)

// Message is one chat line in a conversation. Only Read may change after insert.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	Read           bool      `json:"read" db:"read"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Contract is the commercial contract a conversation hangs off. The conversation
// id is the contract id; CustomerID requested the plan and AdvisorID, once
// assigned, is the other party.
type Contract struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customer_id"`
	AdvisorID  string         `json:"advisor_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	Status     ContractStatus `json:"status"`
	LineNumber string         `json:"line_number,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	StartsOn   time.Time      `json:"starts_on,omitempty"`
	EndsOn     time.Time      `json:"ends_on,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     Role   `json:"role"`
}

// DisplayName is what notification titles show for this profile.
func (p Profile) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.Email != "" {
		return p.Email
	}
	if p.Role == RoleAdvisor {
		return "Advisor"
	}
	return "Customer"
}

// PendingNotification is a durable notification row. Read doubles as the
// delivered flag and only ever moves from false to true.
type PendingNotification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Read        bool              `json:"read"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Endpoint is one device session able to receive notifications for an identity.
type Endpoint struct {
	IdentityID string    `json:"identity_id"`
	EndpointID string    `json:"endpoint_id"`
	Platform   string    `json:"platform,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessageLess orders messages by creation time, then id.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return MessageLess(msgs[i], msgs[j]) })
}

func PendingLess(a, b PendingNotification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
