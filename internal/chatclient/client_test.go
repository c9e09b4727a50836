package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/contracts"
	"github.com/joelkehle/conecta-chat/internal/httpapi"
	"github.com/joelkehle/conecta-chat/internal/messaging"
	"github.com/joelkehle/conecta-chat/internal/notify"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := realtime.NewHub(realtime.HubConfig{})
	st := store.WithChangeFeed(store.NewStore(store.Config{}), hub)
	_, err := st.PutContract(context.Background(), chat.Contract{ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2"})
	require.NoError(t, err)
	d := notify.NewDispatcher(notify.DispatcherConfig{}, st, st, hub)
	ts := httptest.NewServer(httpapi.NewServer(httpapi.Deps{
		Store:     st,
		Messages:  messaging.NewService(messaging.Config{}, st, d),
		Contracts: contracts.NewService(st, d, time.Now),
		Observer:  hub,
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClientRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	customer := NewClient(ts.URL+"/", "u-1")
	advisor := NewClient(ts.URL, "u-2")

	require.NoError(t, advisor.RegisterEndpoint(ctx, "d-1", "ios"))

	m, err := customer.SendMessage(ctx, "c-1", "Hola")
	require.NoError(t, err)
	require.Equal(t, "Hola", m.Content)

	msgs, err := advisor.ListMessages(ctx, "c-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, err := advisor.UnreadCount(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := advisor.PendingNotifications(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, string(chat.KindNewMessage), pending[0].Data["type"])

	won, err := advisor.Claim(ctx, pending[0].ID)
	require.NoError(t, err)
	require.True(t, won)
	won, err = advisor.Claim(ctx, pending[0].ID)
	require.NoError(t, err)
	require.False(t, won)

	listed, err := advisor.ListContracts(ctx, chat.ContractPending)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "c-1", listed[0].ID)
	require.Equal(t, 1, listed[0].Unread)

	changed, err := advisor.MarkAllRead(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	removed, err := advisor.RemoveEndpoint(ctx, "d-1")
	require.NoError(t, err)
	require.True(t, removed)
}

func TestClientDecodesErrors(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := NewClient(ts.URL, "u-3").SendMessage(ctx, "c-1", "hi")
	require.Error(t, err)
	require.Equal(t, chat.CodeNotAParticipant, chat.CodeOf(err))

	_, err = NewClient(ts.URL, "").UnreadCount(ctx, "c-1")
	require.Equal(t, chat.CodeUnauthenticated, chat.CodeOf(err))

	_, err = NewClient(ts.URL, "u-1").UpdateContractStatus(ctx, "c-1", chat.ContractApproved, "1", "")
	var ce *chat.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, http.StatusForbidden, ce.Status)
}

func TestClientTransportErrorIsTransient(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL
	ts.Close()
	_, err := NewClient(url, "u-1").UnreadCount(context.Background(), "c-1")
	require.Equal(t, chat.CodeTransientIO, chat.CodeOf(err))
}
