package store

import (
	"context"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/realtime"
)

// ChangeSink receives row-level changes after they are committed.
type ChangeSink interface {
	Emit(realtime.Change)
}

type feedStore struct {
	API
	sink ChangeSink
}

// WithChangeFeed wraps api so that message inserts and deletes, pending
// inserts, claims and releases are emitted to sink. Reads pass straight through.
func WithChangeFeed(api API, sink ChangeSink) API {
	return &feedStore{API: api, sink: sink}
}

func messageColumns(m chat.Message) map[string]string {
	return map[string]string{
		"id":          m.ID,
		"contract_id": m.ConversationID,
		"sender_id":   m.SenderID,
	}
}

func pendingColumns(n chat.PendingNotification) map[string]string {
	return map[string]string{
		"id":           n.ID,
		"recipient_id": n.RecipientID,
	}
}

func (f *feedStore) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	out, err := f.API.InsertMessage(ctx, m)
	if err != nil {
		return out, err
	}
	f.sink.Emit(realtime.Change{
		Table:   realtime.TableMessages,
		Op:      realtime.OpInsert,
		Columns: messageColumns(out),
		Record:  out,
	})
	return out, nil
}

func (f *feedStore) DeleteMessage(ctx context.Context, id string) error {
	m, err := f.API.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := f.API.DeleteMessage(ctx, id); err != nil {
		return err
	}
	f.sink.Emit(realtime.Change{
		Table:   realtime.TableMessages,
		Op:      realtime.OpDelete,
		Columns: messageColumns(m),
		Record:  m,
	})
	return nil
}

func (f *feedStore) InsertPending(ctx context.Context, n chat.PendingNotification) (chat.PendingNotification, error) {
	out, err := f.API.InsertPending(ctx, n)
	if err != nil {
		return out, err
	}
	f.sink.Emit(realtime.Change{
		Table:   realtime.TablePendingNotifications,
		Op:      realtime.OpInsert,
		Columns: pendingColumns(out),
		Record:  out,
	})
	return out, nil
}

func (f *feedStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	won, err := f.API.ClaimPending(ctx, id)
	if err != nil || !won {
		return won, err
	}
	if n, gerr := f.API.GetPending(ctx, id); gerr == nil {
		f.sink.Emit(realtime.Change{
			Table:   realtime.TablePendingNotifications,
			Op:      realtime.OpUpdate,
			Columns: pendingColumns(n),
			Record:  n,
		})
	}
	return true, nil
}

func (f *feedStore) ReleasePending(ctx context.Context, id string) (bool, error) {
	released, err := f.API.ReleasePending(ctx, id)
	if err != nil || !released {
		return released, err
	}
	if n, gerr := f.API.GetPending(ctx, id); gerr == nil {
		f.sink.Emit(realtime.Change{
			Table:   realtime.TablePendingNotifications,
			Op:      realtime.OpUpdate,
			Columns: pendingColumns(n),
			Record:  n,
		})
	}
	return true, nil
}
