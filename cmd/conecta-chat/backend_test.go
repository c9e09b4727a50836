package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joelkehle/conecta-chat/internal/chat"
	"github.com/joelkehle/conecta-chat/internal/chatclient"
	"github.com/joelkehle/conecta-chat/internal/config"
	"github.com/joelkehle/conecta-chat/internal/contracts"
	"github.com/joelkehle/conecta-chat/internal/httpapi"
	"github.com/joelkehle/conecta-chat/internal/messaging"
	"github.com/joelkehle/conecta-chat/internal/notify"
)

type recordingDevice struct {
	mu    sync.Mutex
	shown []notify.Surfaced
}

func (d *recordingDevice) RequestPermission(context.Context) (bool, error) { return true, nil }

func (d *recordingDevice) Show(_ context.Context, n notify.Surfaced) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, n)
	return nil
}

func (d *recordingDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := config.New()
	v.Set(config.KeyDBPath, filepath.Join(t.TempDir(), "chat.db"))
	v.Set(config.KeyGraceWindow, 50*time.Millisecond)
	v.Set(config.KeyDrainInterval, 5*time.Millisecond)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func startServer(t *testing.T, cfg config.Config, b *backend) *httptest.Server {
	t.Helper()
	d := notify.NewDispatcher(notify.DispatcherConfig{Channel: cfg.Channel, Event: cfg.Event}, b.store, b.registry, b.bus)
	ts := httptest.NewServer(httpapi.NewServer(httpapi.Deps{
		Store:     b.store,
		Messages:  messaging.NewService(messaging.Config{MaxContentLength: cfg.MaxContentLength}, b.store, d),
		Contracts: contracts.NewService(b.store, d, nil),
		Registry:  b.registry,
		Observer:  b.hub,
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newSession(cfg config.Config, b *backend, identity, endpoint string, dev notify.Device) *notify.Session {
	return notify.NewSession(notify.SessionConfig{
		IdentityID:    identity,
		EndpointID:    endpoint,
		Channel:       cfg.Channel,
		Event:         cfg.Event,
		GraceWindow:   cfg.GraceWindow,
		DrainLimit:    cfg.DrainLimit,
		DrainInterval: cfg.DrainInterval,
	}, b.store, b.registry, b.bus, dev)
}

func TestEndToEndHolaOverSQLite(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	require.NoError(t, err)
	defer b.close()

	_, err = b.store.PutContract(ctx, chat.Contract{ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2"})
	require.NoError(t, err)
	require.NoError(t, b.store.PutProfile(ctx, chat.Profile{ID: "u-1", FullName: "Ana Pérez", Role: chat.RoleCustomer}))
	ts := startServer(t, cfg, b)

	dev := &recordingDevice{}
	s := newSession(cfg, b, "u-2", "d-1", dev)
	defer s.Close()
	granted, err := s.Register(ctx)
	require.NoError(t, err)
	require.True(t, granted)
	require.NoError(t, s.Start(ctx))

	customer := chatclient.NewClient(ts.URL, "u-1")
	advisor := chatclient.NewClient(ts.URL, "u-2")
	_, err = customer.SendMessage(ctx, "c-1", "Hola")
	require.NoError(t, err)

	waitFor(t, func() bool { return dev.count() == 1 })
	dev.mu.Lock()
	got := dev.shown[0]
	dev.mu.Unlock()
	require.Equal(t, "💬 Ana Pérez", got.Title)
	require.Equal(t, "Hola", got.Body)

	n, err := advisor.UnreadCount(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = advisor.MarkAllRead(ctx, "c-1")
	require.NoError(t, err)
	n, err = advisor.UnreadCount(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Give the backstop its grace window; the row is already claimed.
	time.Sleep(3 * cfg.GraceWindow)
	require.Equal(t, 1, dev.count())
}

func TestLogoutKeepsOtherDevice(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	require.NoError(t, err)
	defer b.close()

	_, err = b.store.PutContract(ctx, chat.Contract{ID: "c-1", CustomerID: "u-1", AdvisorID: "u-2"})
	require.NoError(t, err)
	ts := startServer(t, cfg, b)

	d1, d2 := &recordingDevice{}, &recordingDevice{}
	s1 := newSession(cfg, b, "u-2", "d-1", d1)
	s2 := newSession(cfg, b, "u-2", "d-2", d2)
	defer s2.Close()
	for _, s := range []*notify.Session{s1, s2} {
		_, err := s.Register(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
	}

	require.NoError(t, s1.Logout(ctx))
	eps, err := b.registry.ListEndpoints(ctx, "u-2")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "d-2", eps[0].EndpointID)

	_, err = chatclient.NewClient(ts.URL, "u-1").SendMessage(ctx, "c-1", "¿sigues ahí?")
	require.NoError(t, err)
	waitFor(t, func() bool { return d2.count() == 1 })
	require.Equal(t, 0, d1.count())
}

func TestOpenBackendRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "redis://localhost:notaport"
	_, err := openBackend(context.Background(), cfg)
	require.Error(t, err)
}

func TestListenRefusesMemoryStore(t *testing.T) {
	v := config.New()
	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, config.StoreMemory, cfg.Store)
	require.ErrorContains(t, checkListenStore(cfg), "--db")

	cfg.RedisURL = "redis://localhost:6379/0"
	require.Error(t, checkListenStore(cfg))

	require.NoError(t, checkListenStore(testConfig(t)))
}
