package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

type persistentState struct {
	Messages             map[string]chat.Message             `json:"messages"`
	ConversationMessages map[string][]string                 `json:"conversation_messages"`
	Pending              map[string]chat.PendingNotification `json:"pending_notifications"`
	Contracts            map[string]chat.Contract            `json:"contracts"`
	Profiles             map[string]chat.Profile             `json:"profiles"`
	Endpoints            map[string][]chat.Endpoint          `json:"endpoints"`
	Claims               int64                               `json:"claims"`
}

// PersistentStore is the in-memory Store snapshotted to a JSON file after
// every successful mutation.
type PersistentStore struct {
	inner          *Store
	path           string
	mu             sync.Mutex
	lastPersistErr string
}

func NewPersistentStore(path string, cfg Config) (*PersistentStore, error) {
	inner := NewStore(cfg)
	ps := &PersistentStore{
		inner: inner,
		path:  path,
	}
	if err := ps.load(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (p *PersistentStore) stateSnapshot() persistentState {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()

	state := persistentState{
		Messages:             map[string]chat.Message{},
		ConversationMessages: map[string][]string{},
		Pending:              map[string]chat.PendingNotification{},
		Contracts:            map[string]chat.Contract{},
		Profiles:             map[string]chat.Profile{},
		Endpoints:            map[string][]chat.Endpoint{},
		Claims:               p.inner.claims,
	}
	for k, v := range p.inner.messages {
		state.Messages[k] = *v
	}
	for k, v := range p.inner.conversationMessages {
		state.ConversationMessages[k] = append([]string{}, v...)
	}
	for k, v := range p.inner.pending {
		cp := *v
		cp.Data = copyData(v.Data)
		state.Pending[k] = cp
	}
	for k, v := range p.inner.contracts {
		state.Contracts[k] = *v
	}
	for k, v := range p.inner.profiles {
		state.Profiles[k] = *v
	}
	for identity, byID := range p.inner.endpoints {
		for _, e := range byID {
			state.Endpoints[identity] = append(state.Endpoints[identity], e)
		}
	}
	return state
}

func (p *PersistentStore) applyState(state persistentState) {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()

	p.inner.claims = state.Claims
	p.inner.messages = map[string]*chat.Message{}
	for k, v := range state.Messages {
		cp := v
		p.inner.messages[k] = &cp
	}
	p.inner.conversationMessages = map[string][]string{}
	for k, v := range state.ConversationMessages {
		p.inner.conversationMessages[k] = append([]string{}, v...)
	}
	p.inner.pending = map[string]*chat.PendingNotification{}
	for k, v := range state.Pending {
		cp := v
		p.inner.pending[k] = &cp
	}
	p.inner.contracts = map[string]*chat.Contract{}
	for k, v := range state.Contracts {
		cp := v
		p.inner.contracts[k] = &cp
	}
	p.inner.profiles = map[string]*chat.Profile{}
	for k, v := range state.Profiles {
		cp := v
		p.inner.profiles[k] = &cp
	}
	p.inner.endpoints = map[string]map[string]chat.Endpoint{}
	for identity, list := range state.Endpoints {
		byID := map[string]chat.Endpoint{}
		for _, e := range list {
			byID[e.EndpointID] = e
		}
		p.inner.endpoints[identity] = byID
	}
}

func (p *PersistentStore) persist() error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateSnapshot()
	blob, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		p.lastPersistErr = err.Error()
		return chat.NewTransientError("persist state", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.lastPersistErr = err.Error()
		return chat.NewTransientError("persist state", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		p.lastPersistErr = err.Error()
		return chat.NewTransientError("persist state", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.lastPersistErr = err.Error()
		return chat.NewTransientError("persist state", err)
	}
	p.lastPersistErr = ""
	return nil
}

func (p *PersistentStore) load() error {
	if p.path == "" {
		return nil
	}
	blob, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read state file")
	}
	var state persistentState
	if err := json.Unmarshal(blob, &state); err != nil {
		return errors.Wrapf(err, "decode state file %s", p.path)
	}
	p.applyState(state)
	return nil
}

func (p *PersistentStore) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	out, err := p.inner.InsertMessage(ctx, m)
	if err != nil {
		return chat.Message{}, err
	}
	if perr := p.persist(); perr != nil {
		return chat.Message{}, perr
	}
	return out, nil
}

func (p *PersistentStore) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	return p.inner.GetMessage(ctx, id)
}

func (p *PersistentStore) ListMessages(ctx context.Context, q MessageQuery) ([]chat.Message, error) {
	return p.inner.ListMessages(ctx, q)
}

func (p *PersistentStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	n, err := p.inner.MarkMessagesRead(ctx, conversationID, readerID)
	if err == nil && n > 0 {
		if perr := p.persist(); perr != nil {
			return 0, perr
		}
	}
	return n, err
}

func (p *PersistentStore) MarkMessageRead(ctx context.Context, id string) (bool, error) {
	changed, err := p.inner.MarkMessageRead(ctx, id)
	if err == nil && changed {
		if perr := p.persist(); perr != nil {
			return false, perr
		}
	}
	return changed, err
}

func (p *PersistentStore) CountUnread(ctx context.Context, conversationID, readerID string) (int, error) {
	return p.inner.CountUnread(ctx, conversationID, readerID)
}

func (p *PersistentStore) DeleteMessage(ctx context.Context, id string) error {
	if err := p.inner.DeleteMessage(ctx, id); err != nil {
		return err
	}
	return p.persist()
}

func (p *PersistentStore) InsertPending(ctx context.Context, n chat.PendingNotification) (chat.PendingNotification, error) {
	out, err := p.inner.InsertPending(ctx, n)
	if err != nil {
		return chat.PendingNotification{}, err
	}
	if perr := p.persist(); perr != nil {
		return chat.PendingNotification{}, perr
	}
	return out, nil
}

func (p *PersistentStore) GetPending(ctx context.Context, id string) (chat.PendingNotification, error) {
	return p.inner.GetPending(ctx, id)
}

func (p *PersistentStore) ListPending(ctx context.Context, recipientID string, limit int) ([]chat.PendingNotification, error) {
	return p.inner.ListPending(ctx, recipientID, limit)
}

// ClaimPending reports the claim even when the snapshot write fails; the
// in-memory flag has already flipped and a second surface must not happen.
func (p *PersistentStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	won, err := p.inner.ClaimPending(ctx, id)
	if err == nil && won {
		p.persistBestEffort()
	}
	return won, err
}

func (p *PersistentStore) ReleasePending(ctx context.Context, id string) (bool, error) {
	released, err := p.inner.ReleasePending(ctx, id)
	if err == nil && released {
		if perr := p.persist(); perr != nil {
			return false, perr
		}
	}
	return released, err
}

func (p *PersistentStore) PutContract(ctx context.Context, c chat.Contract) (chat.Contract, error) {
	out, err := p.inner.PutContract(ctx, c)
	if err != nil {
		return chat.Contract{}, err
	}
	if perr := p.persist(); perr != nil {
		return chat.Contract{}, perr
	}
	return out, nil
}

func (p *PersistentStore) GetContract(ctx context.Context, id string) (chat.Contract, error) {
	return p.inner.GetContract(ctx, id)
}

func (p *PersistentStore) ListContracts(ctx context.Context, q ContractQuery) ([]chat.Contract, error) {
	return p.inner.ListContracts(ctx, q)
}

func (p *PersistentStore) PutProfile(ctx context.Context, pr chat.Profile) error {
	if err := p.inner.PutProfile(ctx, pr); err != nil {
		return err
	}
	return p.persist()
}

func (p *PersistentStore) GetProfile(ctx context.Context, id string) (chat.Profile, error) {
	return p.inner.GetProfile(ctx, id)
}

func (p *PersistentStore) UpsertEndpoint(ctx context.Context, e chat.Endpoint) error {
	if err := p.inner.UpsertEndpoint(ctx, e); err != nil {
		return err
	}
	return p.persist()
}

func (p *PersistentStore) RemoveEndpoint(ctx context.Context, identityID, endpointID string) (bool, error) {
	removed, err := p.inner.RemoveEndpoint(ctx, identityID, endpointID)
	if err == nil && removed {
		if perr := p.persist(); perr != nil {
			return false, perr
		}
	}
	return removed, err
}

func (p *PersistentStore) ListEndpoints(ctx context.Context, identityID string) ([]chat.Endpoint, error) {
	return p.inner.ListEndpoints(ctx, identityID)
}

func (p *PersistentStore) persistBestEffort() {
	_ = p.persist()
}

func (p *PersistentStore) Health() map[string]any {
	out := p.inner.Health()
	out["backend"] = "json"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPersistErr != "" {
		out["persist_error"] = p.lastPersistErr
	}
	return out
}

func (p *PersistentStore) Close() error {
	return p.persist()
}
