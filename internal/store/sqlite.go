package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

// SQLiteStore implements API on a SQLite file. Timestamps are stored as
// fixed-width UTC text so lexical order matches time order.
type SQLiteStore struct {
	db  *sqlx.DB
	cfg Config
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	read            INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_created
	ON messages (conversation_id, created_at, id);

CREATE TABLE IF NOT EXISTS pending_notifications (
	id           TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL DEFAULT '{}',
	read         INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_recipient_unread
	ON pending_notifications (recipient_id, read, created_at, id);

CREATE TABLE IF NOT EXISTS contracts (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	advisor_id  TEXT NOT NULL DEFAULT '',
	plan_id     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	line_number TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	starts_on   TEXT NOT NULL DEFAULT '',
	ends_on     TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id        TEXT PRIMARY KEY,
	email     TEXT NOT NULL DEFAULT '',
	full_name TEXT NOT NULL DEFAULT '',
	role      TEXT NOT NULL DEFAULT 'customer'
);

CREATE TABLE IF NOT EXISTS endpoints (
	identity_id TEXT NOT NULL,
	endpoint_id TEXT NOT NULL,
	platform    TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (identity_id, endpoint_id)
);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLiteStore{db: db, cfg: cfg.withDefaults()}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.cfg.Clock().UTC()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func transient(err error, op string) error {
	return chat.NewTransientError(op, errors.WithStack(err))
}

// --- messages ---

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Content        string `db:"content"`
	Read           bool   `db:"read"`
	CreatedAt      string `db:"created_at"`
}

func (r messageRow) message() chat.Message {
	return chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Read:           r.Read,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, read, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Read, formatTime(m.CreatedAt))
	if err != nil {
		return chat.Message{}, transient(err, "insert message")
	}
	return m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.NewNotFoundError("message", id)
	}
	if err != nil {
		return chat.Message{}, transient(err, "get message")
	}
	return row.message(), nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) ([]chat.Message, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT * FROM messages WHERE conversation_id = ?`)
	args = append(args, q.ConversationID)
	if q.After != nil {
		ts := formatTime(q.After.CreatedAt)
		b.WriteString(` AND (created_at > ? OR (created_at = ? AND id > ?))`)
		args = append(args, ts, ts, q.After.ID)
	}
	if q.Order == Descending {
		b.WriteString(` ORDER BY created_at DESC, id DESC`)
	} else {
		b.WriteString(` ORDER BY created_at ASC, id ASC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, transient(err, "list messages")
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE conversation_id = ? AND sender_id <> ? AND read = 0`,
		conversationID, readerID)
	if err != nil {
		return 0, transient(err, "mark messages read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, transient(err, "mark messages read")
	}
	return int(n), nil
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return false, transient(err, "mark message read")
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, readerID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id <> ? AND read = 0`,
		conversationID, readerID)
	if err != nil {
		return 0, transient(err, "count unread")
	}
	return n, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return transient(err, "delete message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.NewNotFoundError("message", id)
	}
	return nil
}

// --- pending notifications ---

type pendingRow struct {
	ID          string `db:"id"`
	RecipientID string `db:"recipient_id"`
	Title       string `db:"title"`
	Body        string `db:"body"`
	Data        string `db:"data"`
	Read        bool   `db:"read"`
	CreatedAt   string `db:"created_at"`
}

func (r pendingRow) notification() chat.PendingNotification {
	n := chat.PendingNotification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Title:       r.Title,
		Body:        r.Body,
		Read:        r.Read,
		CreatedAt:   parseTime(r.CreatedAt),
	}
	if r.Data != "" && r.Data != "{}" {
		if err := json.Unmarshal([]byte(r.Data), &n.Data); err != nil {
			n.Data = nil
			jww.WARN.Printf("store notification data undecodable notification_id=%s err=%v", r.ID, err)
		}
	}
	return n
}

func (s *SQLiteStore) InsertPending(ctx context.Context, n chat.PendingNotification) (chat.PendingNotification, error) {
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
	data := []byte("{}")
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return chat.PendingNotification{}, errors.Wrap(err, "marshal notification data")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_notifications (id, recipient_id, title, body, data, read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, n.Title, n.Body, string(data), n.Read, formatTime(n.CreatedAt))
	if err != nil {
		return chat.PendingNotification{}, transient(err, "insert notification")
	}
	n.Data = copyData(n.Data)
	return n, nil
}

func (s *SQLiteStore) GetPending(ctx context.Context, id string) (chat.PendingNotification, error) {
	var row pendingRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM pending_notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.PendingNotification{}, chat.NewNotFoundError("notification", id)
	}
	if err != nil {
		return chat.PendingNotification{}, transient(err, "get notification")
	}
	return row.notification(), nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, recipientID string, limit int) ([]chat.PendingNotification, error) {
	query := `SELECT * FROM pending_notifications WHERE recipient_id = ? AND read = 0 ORDER BY created_at ASC, id ASC`
	args := []any{recipientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, transient(err, "list notifications")
	}
	out := make([]chat.PendingNotification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.notification())
	}
	return out, nil
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_notifications SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return false, transient(err, "claim notification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient(err, "claim notification")
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetPending(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ReleasePending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_notifications SET read = 0 WHERE id = ? AND read = 1`, id)
	if err != nil {
		return false, transient(err, "release notification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient(err, "release notification")
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetPending(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// --- contracts and profiles ---

type contractRow struct {
	ID         string `db:"id"`
	CustomerID string `db:"customer_id"`
	AdvisorID  string `db:"advisor_id"`
	PlanID     string `db:"plan_id"`
	Status     string `db:"status"`
	LineNumber string `db:"line_number"`
	Notes      string `db:"notes"`
	StartsOn   string `db:"starts_on"`
	EndsOn     string `db:"ends_on"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func (r contractRow) contract() chat.Contract {
	return chat.Contract{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		AdvisorID:  r.AdvisorID,
		PlanID:     r.PlanID,
		Status:     chat.ContractStatus(r.Status),
		LineNumber: r.LineNumber,
		Notes:      r.Notes,
		StartsOn:   parseTime(r.StartsOn),
		EndsOn:     parseTime(r.EndsOn),
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

func (s *SQLiteStore) PutContract(ctx context.Context, c chat.Contract) (chat.Contract, error) {
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
	if prev, err := s.GetContract(ctx, c.ID); err == nil {
		c.CreatedAt = prev.CreatedAt
	} else if !chat.IsCode(err, chat.CodeNotFound) {
		return chat.Contract{}, err
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contracts (id, customer_id, advisor_id, plan_id, status, line_number, notes, starts_on, ends_on, created_at, updated_at)
		VALUES (:id, :customer_id, :advisor_id, :plan_id, :status, :line_number, :notes, :starts_on, :ends_on, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			advisor_id  = excluded.advisor_id,
			plan_id     = excluded.plan_id,
			status      = excluded.status,
			line_number = excluded.line_number,
			notes       = excluded.notes,
			starts_on   = excluded.starts_on,
			ends_on     = excluded.ends_on,
			updated_at  = excluded.updated_at`,
		contractRow{
			ID:         c.ID,
			CustomerID: c.CustomerID,
			AdvisorID:  c.AdvisorID,
			PlanID:     c.PlanID,
			Status:     string(c.Status),
			LineNumber: c.LineNumber,
			Notes:      c.Notes,
			StartsOn:   formatTime(c.StartsOn),
			EndsOn:     formatTime(c.EndsOn),
			CreatedAt:  formatTime(c.CreatedAt),
			UpdatedAt:  formatTime(c.UpdatedAt),
		})
	if err != nil {
		return chat.Contract{}, transient(err, "put contract")
	}
	return c, nil
}

func (s *SQLiteStore) GetContract(ctx context.Context, id string) (chat.Contract, error) {
	var row contractRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM contracts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Contract{}, chat.NewNotFoundError("contract", id)
	}
	if err != nil {
		return chat.Contract{}, transient(err, "get contract")
	}
	return row.contract(), nil
}

func (s *SQLiteStore) ListContracts(ctx context.Context, q ContractQuery) ([]chat.Contract, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT * FROM contracts WHERE (customer_id = ? OR (advisor_id <> '' AND advisor_id = ?)`)
	args = append(args, q.ParticipantID, q.ParticipantID)
	if q.IncludeUnassigned {
		b.WriteString(` OR advisor_id = ''`)
	}
	b.WriteString(`)`)
	if q.Status != "" {
		b.WriteString(` AND status = ?`)
		args = append(args, string(q.Status))
	}
	b.WriteString(` ORDER BY created_at DESC, id DESC`)

	var rows []contractRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, transient(err, "list contracts")
	}
	out := make([]chat.Contract, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.contract())
	}
	return out, nil
}

func (s *SQLiteStore) PutProfile(ctx context.Context, p chat.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return chat.NewValidationError("profile id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, full_name, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, full_name = excluded.full_name, role = excluded.role`,
		p.ID, p.Email, p.FullName, string(p.Role))
	if err != nil {
		return transient(err, "put profile")
	}
	return nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (chat.Profile, error) {
	var row struct {
		ID       string `db:"id"`
		Email    string `db:"email"`
		FullName string `db:"full_name"`
		Role     string `db:"role"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, email, full_name, role FROM profiles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Profile{}, chat.NewNotFoundError("profile", id)
	}
	if err != nil {
		return chat.Profile{}, transient(err, "get profile")
	}
	return chat.Profile{ID: row.ID, Email: row.Email, FullName: row.FullName, Role: chat.Role(row.Role)}, nil
}

// --- endpoints ---

func (s *SQLiteStore) UpsertEndpoint(ctx context.Context, e chat.Endpoint) error {
	if strings.TrimSpace(e.IdentityID) == "" || strings.TrimSpace(e.EndpointID) == "" {
		return chat.NewValidationError("identity_id and endpoint_id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (identity_id, endpoint_id, platform, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_id, endpoint_id) DO UPDATE SET platform = excluded.platform, updated_at = excluded.updated_at`,
		e.IdentityID, e.EndpointID, e.Platform, formatTime(s.now()))
	if err != nil {
		return transient(err, "upsert endpoint")
	}
	return nil
}

func (s *SQLiteStore) RemoveEndpoint(ctx context.Context, identityID, endpointID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE identity_id = ? AND endpoint_id = ?`, identityID, endpointID)
	if err != nil {
		return false, transient(err, "remove endpoint")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListEndpoints(ctx context.Context, identityID string) ([]chat.Endpoint, error) {
	var rows []struct {
		IdentityID string `db:"identity_id"`
		EndpointID string `db:"endpoint_id"`
		Platform   string `db:"platform"`
		UpdatedAt  string `db:"updated_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT identity_id, endpoint_id, platform, updated_at FROM endpoints WHERE identity_id = ? ORDER BY endpoint_id`, identityID)
	if err != nil {
		return nil, transient(err, "list endpoints")
	}
	out := make([]chat.Endpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Endpoint{
			IdentityID: r.IdentityID,
			EndpointID: r.EndpointID,
			Platform:   r.Platform,
			UpdatedAt:  parseTime(r.UpdatedAt),
		})
	}
	return out, nil
}

func (s *SQLiteStore) Health() map[string]any {
	out := map[string]any{"ok": true, "status": "healthy", "backend": "sqlite"}
	var messages, pending int
	if err := s.db.Get(&messages, `SELECT COUNT(*) FROM messages`); err != nil {
		out["ok"] = false
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	_ = s.db.Get(&pending, `SELECT COUNT(*) FROM pending_notifications WHERE read = 0`)
	out["messages"] = messages
	out["pending"] = pending
	return out
}
