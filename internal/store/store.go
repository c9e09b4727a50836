package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

type Config struct {
	Clock func() time.Time
	// NewID generates row ids. Defaults to time-ordered UUIDv7 strings so ids
	// created in the same instant still sort in insertion order.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = newID
	}
	return c
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store is the in-memory backend.
type Store struct {
	mu sync.Mutex

	cfg Config

	messages             map[string]*chat.Message
	conversationMessages map[string][]string
	pending              map[string]*chat.PendingNotification
	contracts            map[string]*chat.Contract
	profiles             map[string]*chat.Profile
	endpoints            map[string]map[string]chat.Endpoint

	claims int64
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg:                  cfg.withDefaults(),
		messages:             map[string]*chat.Message{},
		conversationMessages: map[string][]string{},
		pending:              map[string]*chat.PendingNotification{},
		contracts:            map[string]*chat.Contract{},
		profiles:             map[string]*chat.Profile{},
		endpoints:            map[string]map[string]chat.Endpoint{},
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *Store) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	if strings.TrimSpace(m.ConversationID) == "" {
		return chat.Message{}, chat.NewValidationError("conversation_id is required")
	}
	if m.ID == "" {
		m.ID = s.cfg.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return chat.Message{}, chat.NewValidationError("message id already exists")
	}
	cp := m
	s.messages[m.ID] = &cp
	s.conversationMessages[m.ConversationID] = append(s.conversationMessages[m.ConversationID], m.ID)
	return m, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, chat.NewNotFoundError("message", id)
	}
	return *m, nil
}

func (s *Store) ListMessages(_ context.Context, q MessageQuery) ([]chat.Message, error) {
	s.mu.Lock()
	ids := s.conversationMessages[q.ConversationID]
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if q.After != nil && !q.After.before(*m) {
			continue
		}
		out = append(out, *m)
	}
	s.mu.Unlock()

	chat.SortMessages(out)
	if q.Order == Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) MarkMessagesRead(_ context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range s.conversationMessages[conversationID] {
		m, ok := s.messages[id]
		if !ok || m.Read || m.SenderID == readerID {
			continue
		}
		m.Read = true
		changed++
	}
	return changed, nil
}

func (s *Store) MarkMessageRead(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, chat.NewNotFoundError("message", id)
	}
	if m.Read {
		return false, nil
	}
	m.Read = true
	return true, nil
}

func (s *Store) CountUnread(_ context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.conversationMessages[conversationID] {
		if m, ok := s.messages[id]; ok && !m.Read && m.SenderID != readerID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.NewNotFoundError("message", id)
	}
	delete(s.messages, id)
	ids := s.conversationMessages[m.ConversationID]
	for i, mid := range ids {
		if mid == id {
			s.conversationMessages[m.ConversationID] = append(append([]string{}, ids[:i]...), ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) InsertPending(_ context.Context, n chat.PendingNotification) (chat.PendingNotification, error) {
	if strings.TrimSpace(n.RecipientID) == "" {
		return chat.PendingNotification{}, chat.NewValidationError("recipient_id is required")
	}
	if n.ID == "" {
		n.ID = s.cfg.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.Data = copyData(n.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[n.ID]; exists {
		return chat.PendingNotification{}, chat.NewValidationError("notification id already exists")
	}
	cp := n
	s.pending[n.ID] = &cp
	return n, nil
}

func (s *Store) GetPending(_ context.Context, id string) (chat.PendingNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.pending[id]
	if !ok {
		return chat.PendingNotification{}, chat.NewNotFoundError("notification", id)
	}
	cp := *n
	cp.Data = copyData(n.Data)
	return cp, nil
}

func (s *Store) ListPending(_ context.Context, recipientID string, limit int) ([]chat.PendingNotification, error) {
	s.mu.Lock()
	out := []chat.PendingNotification{}
	for _, n := range s.pending {
		if n.RecipientID != recipientID || n.Read {
			continue
		}
		cp := *n
		cp.Data = copyData(n.Data)
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return chat.PendingLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimPending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.pending[id]
	if !ok {
		return false, chat.NewNotFoundError("notification", id)
	}
	if n.Read {
		return false, nil
	}
	n.Read = true
	s.claims++
	return true, nil
}

func (s *Store) ReleasePending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.pending[id]
	if !ok {
		return false, chat.NewNotFoundError("notification", id)
	}
	if !n.Read {
		return false, nil
	}
	n.Read = false
	return true, nil
}

func (s *Store) PutContract(_ context.Context, c chat.Contract) (chat.Contract, error) {
	if strings.TrimSpace(c.CustomerID) == "" {
		return chat.Contract{}, chat.NewValidationError("customer_id is required")
	}
	now := s.now()
	if c.ID == "" {
		c.ID = s.cfg.NewID()
	}
	if c.Status == "" {
		c.Status = chat.ContractPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.contracts[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := c
	s.contracts[c.ID] = &cp
	return c, nil
}

func (s *Store) GetContract(_ context.Context, id string) (chat.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return chat.Contract{}, chat.NewNotFoundError("contract", id)
	}
	return *c, nil
}

func (s *Store) ListContracts(_ context.Context, q ContractQuery) ([]chat.Contract, error) {
	s.mu.Lock()
	out := []chat.Contract{}
	for _, c := range s.contracts {
		if q.match(*c) {
			out = append(out, *c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return ContractLess(out[i], out[j]) })
	return out, nil
}

func (s *Store) PutProfile(_ context.Context, p chat.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return chat.NewValidationError("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *Store) GetProfile(_ context.Context, id string) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return chat.Profile{}, chat.NewNotFoundError("profile", id)
	}
	return *p, nil
}

func (s *Store) UpsertEndpoint(_ context.Context, e chat.Endpoint) error {
	if strings.TrimSpace(e.IdentityID) == "" || strings.TrimSpace(e.EndpointID) == "" {
		return chat.NewValidationError("identity_id and endpoint_id are required")
	}
	e.UpdatedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.endpoints[e.IdentityID]
	if byID == nil {
		byID = map[string]chat.Endpoint{}
		s.endpoints[e.IdentityID] = byID
	}
	byID[e.EndpointID] = e
	return nil
}

func (s *Store) RemoveEndpoint(_ context.Context, identityID, endpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.endpoints[identityID]
	if _, ok := byID[endpointID]; !ok {
		return false, nil
	}
	delete(byID, endpointID)
	if len(byID) == 0 {
		delete(s.endpoints, identityID)
	}
	return true, nil
}

func (s *Store) ListEndpoints(_ context.Context, identityID string) ([]chat.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Endpoint, 0, len(s.endpoints[identityID]))
	for _, e := range s.endpoints[identityID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

func (s *Store) Health() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	undelivered := 0
	for _, n := range s.pending {
		if !n.Read {
			undelivered++
		}
	}
	return map[string]any{
		"ok":       true,
		"status":   "healthy",
		"backend":  "memory",
		"messages": len(s.messages),
		"pending":  undelivered,
		"claims":   s.claims,
	}
}

func (s *Store) Close() error {
	return nil
}

func copyData(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
