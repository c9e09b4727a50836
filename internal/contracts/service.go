// Package contracts manages the contract lifecycle that conversations hang
// off: creation, advisor assignment and the approve/reject/cancel decision.
package contracts

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/notify"
	"github.com/joelkehle/conecta-chat/internal/store"
)

type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notice) notify.Outcome
}

type StatusUpdate struct {
	Status     chat.ContractStatus `json:"status"`
	LineNumber string              `json:"line_number,omitempty"`
	Notes      string              `json:"notes,omitempty"`
}

type Service struct {
	store    store.ContractStore
	notifier Notifier
	clock    func() time.Time
}

func NewService(st store.ContractStore, notifier Notifier, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: st, notifier: notifier, clock: clock}
}

// Create opens a pending contract for c.CustomerID. AdvisorID may be empty
// until an advisor is assigned.
func (s *Service) Create(ctx context.Context, c chat.Contract) (chat.Contract, error) {
	if strings.TrimSpace(c.CustomerID) == "" {
		return chat.Contract{}, chat.NewUnauthenticatedError()
	}
	if c.AdvisorID == c.CustomerID {
		return chat.Contract{}, chat.NewValidationError("advisor and customer must differ")
	}
	if c.AdvisorID != "" {
		if err := s.requireAdvisor(ctx, c.AdvisorID); err != nil {
			return chat.Contract{}, err
		}
	}
	c.Status = chat.ContractPending
	c.LineNumber = ""
	c.StartsOn, c.EndsOn = time.Time{}, time.Time{}
	out, err := s.store.PutContract(ctx, c)
	if err != nil {
		return chat.Contract{}, errors.Wrap(err, "contracts: create")
	}
	jww.INFO.Printf("contracts created contract_id=%s customer=%s plan=%s", out.ID, out.CustomerID, out.PlanID)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (chat.Contract, error) {
	return s.store.GetContract(ctx, id)
}

// List returns the contracts actorID takes part in, newest first. Advisors
// also see contracts still waiting for an advisor. An empty status keeps
// every status.
func (s *Service) List(ctx context.Context, actorID string, status chat.ContractStatus) ([]chat.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, chat.NewUnauthenticatedError()
	}
	switch status {
	case "", chat.ContractPending, chat.ContractApproved, chat.ContractRejected, chat.ContractCancelled:
	default:
		return nil, chat.NewValidationError("unsupported status " + string(status))
	}
	q := store.ContractQuery{ParticipantID: actorID, Status: status}
	p, err := s.store.GetProfile(ctx, actorID)
	switch {
	case err == nil:
		q.IncludeUnassigned = p.Role == chat.RoleAdvisor
	case !chat.IsCode(err, chat.CodeNotFound):
		return nil, err
	}
	out, err := s.store.ListContracts(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "contracts: list")
	}
	return out, nil
}

// AssignAdvisor sets the advisor of a pending contract that has none. The
// actor is either the customer choosing an advisor or an advisor taking the
// contract for themselves. An assigned advisor is never replaced.
func (s *Service) AssignAdvisor(ctx context.Context, actorID, contractID, advisorID string) (chat.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return chat.Contract{}, chat.NewUnauthenticatedError()
	}
	if strings.TrimSpace(advisorID) == "" {
		return chat.Contract{}, chat.NewValidationError("advisor_id is required")
	}
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return chat.Contract{}, err
	}
	if actorID != c.CustomerID && actorID != advisorID {
		return chat.Contract{}, chat.NewPermissionDeniedError("only the customer or the advisor themselves can assign an advisor")
	}
	if c.AdvisorID == advisorID {
		return c, nil
	}
	if c.AdvisorID != "" {
		return chat.Contract{}, chat.NewPermissionDeniedError("contract already has an advisor")
	}
	if c.Status != chat.ContractPending {
		return chat.Contract{}, chat.NewValidationError("contract is not pending")
	}
	if advisorID == c.CustomerID {
		return chat.Contract{}, chat.NewValidationError("advisor and customer must differ")
	}
	if err := s.requireAdvisor(ctx, advisorID); err != nil {
		return chat.Contract{}, err
	}
	c.AdvisorID = advisorID
	out, err := s.store.PutContract(ctx, c)
	if err != nil {
		return chat.Contract{}, errors.Wrap(err, "contracts: assign advisor")
	}
	jww.INFO.Printf("contracts advisor assigned contract_id=%s advisor=%s actor=%s", out.ID, advisorID, actorID)
	return out, nil
}

func (s *Service) requireAdvisor(ctx context.Context, id string) error {
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if p.Role != chat.RoleAdvisor {
		return chat.NewValidationError("profile is not an advisor")
	}
	return nil
}

// UpdateStatus moves a pending contract to approved, rejected or cancelled.
// Only the assigned advisor approves or rejects; either participant may
// cancel. The customer is notified of approvals and rejections.
func (s *Service) UpdateStatus(ctx context.Context, actorID, contractID string, u StatusUpdate) (chat.Contract, error) {
	if strings.TrimSpace(actorID) == "" {
		return chat.Contract{}, chat.NewUnauthenticatedError()
	}
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return chat.Contract{}, err
	}
	if !chat.IsParticipant(c, actorID) {
		return chat.Contract{}, chat.NewNotAParticipantError(actorID, contractID)
	}
	if c.Status != chat.ContractPending {
		return chat.Contract{}, chat.NewValidationError("contract is not pending")
	}

	switch u.Status {
	case chat.ContractApproved, chat.ContractRejected:
		if actorID != c.AdvisorID {
			return chat.Contract{}, chat.NewPermissionDeniedError("only the assigned advisor can decide a contract")
		}
	case chat.ContractCancelled:
	default:
		return chat.Contract{}, chat.NewValidationError("unsupported status " + string(u.Status))
	}

	c.Status = u.Status
	c.Notes = u.Notes
	if u.Status == chat.ContractApproved {
		if strings.TrimSpace(u.LineNumber) == "" {
			return chat.Contract{}, chat.NewValidationError("line_number is required to approve")
		}
		start := s.clock().UTC().Truncate(24 * time.Hour)
		c.StartsOn = start
		c.EndsOn = start.AddDate(1, 0, 0)
		c.LineNumber = u.LineNumber
	}

	out, err := s.store.PutContract(ctx, c)
	if err != nil {
		return chat.Contract{}, errors.Wrap(err, "contracts: update status")
	}
	jww.INFO.Printf("contracts status changed contract_id=%s status=%s actor=%s", out.ID, out.Status, actorID)
	s.notifyDecision(ctx, actorID, out)
	return out, nil
}

func (s *Service) notifyDecision(ctx context.Context, actorID string, c chat.Contract) {
	var n notify.Notice
	switch c.Status {
	case chat.ContractApproved:
		n = notify.Notice{
			Title:   "✅ Contract approved",
			Body:    "Your line " + c.LineNumber + " is active until " + c.EndsOn.Format("2006-01-02"),
			Payload: chat.ContractApprovedPayload{ContractID: c.ID, LineNumber: c.LineNumber},
		}
	case chat.ContractRejected:
		body := "Your contract request was rejected"
		if c.Notes != "" {
			body += ": " + c.Notes
		}
		n = notify.Notice{
			Title:   "❌ Contract rejected",
			Body:    body,
			Payload: chat.ContractRejectedPayload{ContractID: c.ID, Reason: c.Notes},
		}
	default:
		return
	}
	n.RecipientID = c.CustomerID
	n.SenderID = actorID
	out := s.notifier.Dispatch(context.WithoutCancel(ctx), n)
	jww.DEBUG.Printf("contracts decision dispatch contract_id=%s result=%s", c.ID, out.Result)
}
