package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/contracts"
	"github.com/joelkehle/conecta-chat/internal/devices"
	"github.com/joelkehle/conecta-chat/internal/messaging"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

const identityHeader = "X-Identity"

// Observer serves the retained change log for the SSE stream.
type Observer interface {
	ObserveSince(afterID int64, filter realtime.ObserveFilter, wait time.Duration) ([]realtime.Change, int64)
	Health() map[string]any
}

type Deps struct {
	Store     store.API
	Messages  *messaging.Service
	Contracts *contracts.Service
	Registry  devices.Registry
	Observer  Observer
	Clock     func() time.Time
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = deps.Store
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(identityMiddleware)
			r.Get("/observe", s.handleObserve)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
			r.Post("/conversations/{id}/read", s.handleMarkAllRead)
			r.Get("/conversations/{id}/unread", s.handleUnread)
			r.Post("/messages/{id}/read", s.handleMarkRead)
			r.Delete("/messages/{id}", s.handleDeleteMessage)

			r.Get("/contracts", s.handleListContracts)
			r.Post("/contracts", s.handleCreateContract)
			r.Get("/contracts/{id}", s.handleGetContract)
			r.Post("/contracts/{id}/advisor", s.handleAssignAdvisor)
			r.Post("/contracts/{id}/status", s.handleContractStatus)

			r.Put("/profiles/{id}", s.handlePutProfile)

			r.Put("/endpoints/{endpoint}", s.handlePutEndpoint)
			r.Delete("/endpoints/{endpoint}", s.handleDeleteEndpoint)

			r.Get("/notifications/pending", s.handlePending)
			r.Post("/notifications/{id}/claim", s.handleClaim)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeChatError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if errors.As(err, &ce) {
		writeJSON(w, ce.Status, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      ce.Code,
				"message":   ce.Message,
				"transient": ce.Transient,
			},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      chat.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return chat.NewValidationJSONError(err)
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		return chat.NewValidationJSONError(err)
	}
	return nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

type identityKey struct{}

// identityMiddleware reads the acting identity. Authentication happens in
// front of this service; an empty header is rejected here.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(identityHeader))
		if id == "" {
			writeChatError(w, chat.NewUnauthenticatedError())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identity(r *http.Request) string {
	id, _ := r.Context().Value(identityKey{}).(string)
	return id
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.deps.Messages.UnreadCount(r.Context(), conversationID, identity(r)); err != nil {
		writeChatError(w, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        s.deps.Messages.List(r.Context(), conversationID, limit),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	m, err := s.deps.Messages.Send(r.Context(), identity(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": m})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Messages.MarkAllRead(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": n})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Messages.UnreadCount(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	changed, err := s.deps.Messages.MarkRead(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.deps.Store.GetMessage(r.Context(), id)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if m.SenderID != identity(r) {
		writeChatError(w, chat.NewPermissionDeniedError("only the author can delete a message"))
		return
	}
	if err := s.deps.Messages.Delete(r.Context(), id); err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		PlanID    string `json:"plan_id"`
		AdvisorID string `json:"advisor_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	c, err := s.deps.Contracts.Create(r.Context(), chat.Contract{
		ID:         req.ID,
		CustomerID: identity(r),
		PlanID:     req.PlanID,
		AdvisorID:  req.AdvisorID,
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contract": c})
}

// contractSummary is a listed contract plus the caller's unread count in its
// conversation.
type contractSummary struct {
	chat.Contract
	Unread int `json:"unread"`
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	status := chat.ContractStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	list, err := s.deps.Contracts.List(r.Context(), identity(r), status)
	if err != nil {
		writeChatError(w, err)
		return
	}
	out := make([]contractSummary, 0, len(list))
	for _, c := range list {
		sum := contractSummary{Contract: c}
		if chat.IsParticipant(c, identity(r)) {
			n, err := s.deps.Store.CountUnread(r.Context(), c.ID, identity(r))
			if err != nil {
				writeChatError(w, err)
				return
			}
			sum.Unread = n
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": out})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Contracts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	if !chat.IsParticipant(c, identity(r)) {
		writeChatError(w, chat.NewNotAParticipantError(identity(r), c.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contract": c})
}

func (s *Server) handleAssignAdvisor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdvisorID string `json:"advisor_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	c, err := s.deps.Contracts.AssignAdvisor(r.Context(), identity(r), chi.URLParam(r, "id"), req.AdvisorID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contract": c})
}

func (s *Server) handleContractStatus(w http.ResponseWriter, r *http.Request) {
	var req contracts.StatusUpdate
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	c, err := s.deps.Contracts.UpdateStatus(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contract": c})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != identity(r) {
		writeChatError(w, chat.NewPermissionDeniedError("profiles can only be written by their owner"))
		return
	}
	var req struct {
		Email    string    `json:"email"`
		FullName string    `json:"full_name"`
		Role     chat.Role `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	// The role is granted out of band; callers may only keep the one they have.
	current := chat.RoleCustomer
	existing, err := s.deps.Store.GetProfile(r.Context(), id)
	switch {
	case err == nil:
		current = existing.Role
	case !chat.IsCode(err, chat.CodeNotFound):
		writeChatError(w, err)
		return
	}
	switch req.Role {
	case "", current:
	case chat.RoleCustomer, chat.RoleAdvisor:
		writeChatError(w, chat.NewPermissionDeniedError("role cannot be changed by the profile owner"))
		return
	default:
		writeChatError(w, chat.NewValidationError("role must be customer or advisor"))
		return
	}
	p := chat.Profile{ID: id, Email: req.Email, FullName: req.FullName, Role: current}
	if err := s.deps.Store.PutProfile(r.Context(), p); err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": p})
}

func (s *Server) handlePutEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeChatError(w, err)
		return
	}
	e := chat.Endpoint{
		IdentityID: identity(r),
		EndpointID: chi.URLParam(r, "endpoint"),
		Platform:   req.Platform,
		UpdatedAt:  s.deps.Clock().UTC(),
	}
	if err := s.deps.Registry.UpsertEndpoint(r.Context(), e); err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "endpoint": e})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Registry.RemoveEndpoint(r.Context(), identity(r), chi.URLParam(r, "endpoint"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 5)
	rows, err := s.deps.Store.ListPending(r.Context(), identity(r), limit)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.deps.Store.GetPending(r.Context(), id)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if n.RecipientID != identity(r) {
		writeChatError(w, chat.NewPermissionDeniedError("notification belongs to another identity"))
		return
	}
	won, err := s.deps.Store.ClaimPending(r.Context(), id)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "claimed": won})
}

func parseObserveCursor(r *http.Request) int64 {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor == "" {
		cursor = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if cursor == "" {
		return 0
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// authorizeObserve checks that the caller owns the rows the filter selects:
// messages of a conversation they take part in, or their own pending rows.
func (s *Server) authorizeObserve(ctx context.Context, actorID string, filter realtime.ObserveFilter) error {
	switch filter.Table {
	case realtime.TableMessages:
		if filter.Filter.Column != "contract_id" || filter.Filter.Value == "" {
			return chat.NewValidationError("messages stream requires filter=contract_id=eq.<id>")
		}
		c, err := s.deps.Store.GetContract(ctx, filter.Filter.Value)
		if err != nil {
			if chat.IsCode(err, chat.CodeNotFound) {
				return chat.NewNotAParticipantError(actorID, filter.Filter.Value)
			}
			return err
		}
		if !chat.IsParticipant(c, actorID) {
			return chat.NewNotAParticipantError(actorID, c.ID)
		}
		return nil
	case realtime.TablePendingNotifications:
		if filter.Filter.Column != "recipient_id" {
			return chat.NewValidationError("pending stream requires filter=recipient_id=eq.<self>")
		}
		if filter.Filter.Value != actorID {
			return chat.NewPermissionDeniedError("pending notifications belong to another identity")
		}
		return nil
	default:
		return chat.NewValidationError("table must be messages or pending_notifications")
	}
}

// handleObserve streams retained row changes as server-sent events. The
// event id is the change id, so a reconnecting client resumes with
// Last-Event-ID.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Observer == nil {
		writeChatError(w, chat.NewInternalError("observe stream unavailable"))
		return
	}
	filter := realtime.ObserveFilter{Table: strings.TrimSpace(r.URL.Query().Get("table"))}
	f, err := realtime.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeChatError(w, chat.NewValidationError(err.Error()))
		return
	}
	filter.Filter = f
	if err := s.authorizeObserve(r.Context(), identity(r), filter); err != nil {
		writeChatError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeChatError(w, chat.NewInternalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cursor := parseObserveCursor(r)
	bw := bufio.NewWriter(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		changes, last := s.deps.Observer.ObserveSince(cursor, filter, 1*time.Second)
		if len(changes) == 0 {
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		for _, c := range changes {
			blob, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(bw, "id: %d\nevent: %s.%s\ndata: %s\n\n", c.ID, c.Table, c.Op, blob); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
		cursor = last
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"ok": true}
	if s.deps.Store != nil {
		out["store"] = s.deps.Store.Health()
	}
	if s.deps.Observer != nil {
		out["realtime"] = s.deps.Observer.Health()
	}
	writeJSON(w, http.StatusOK, out)
}
