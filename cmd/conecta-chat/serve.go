package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/config"
	"github.com/joelkehle/conecta-chat/internal/contracts"
	"github.com/joelkehle/conecta-chat/internal/httpapi"
	"github.com/joelkehle/conecta-chat/internal/messaging"
	"github.com/joelkehle/conecta-chat/internal/notify"
	"github.com/joelkehle/conecta-chat/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.close()

		dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
			Channel: cfg.Channel,
			Event:   cfg.Event,
		}, b.store, b.registry, b.bus)

		h := httpapi.NewServer(httpapi.Deps{
			Store:     b.store,
			Messages:  messaging.NewService(messaging.Config{MaxContentLength: cfg.MaxContentLength}, b.store, dispatcher),
			Contracts: contracts.NewService(b.store, dispatcher, nil),
			Registry:  b.registry,
			Observer:  b.hub,
		})

		srv := &http.Server{Addr: cfg.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() {
			jww.INFO.Printf("conecta-chat listening addr=%s store=%s registry=%s", cfg.Addr, cfg.Store, cfg.Registry)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			jww.WARN.Printf("http shutdown failed err=%v", err)
		}
		s := dispatcher.Stats()
		jww.INFO.Printf("conecta-chat stopped delivered=%v skipped=%v durable_failures=%v broadcast_failures=%v",
			s["delivered"], s["skipped"], s["durable_failures"], s["broadcast_failures"])
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.String(config.KeyAddr, ":8080", "HTTP listen address")
	f.String(config.KeyStore, config.StoreMemory, "Store backend: memory, sqlite or json")
	f.String(config.KeyDBPath, "", "SQLite database path (selects the sqlite store)")
	f.String(config.KeyStateFile, "./data/state.json", "State file for the json store")
	f.String(config.KeyRedisURL, "", "Redis URL for cross-process broadcasts")
	f.String(config.KeyChannel, "notifications", "Broadcast channel name")
	f.String(config.KeyEvent, "push", "Broadcast event name")
	f.Int(config.KeyMaxContentLength, 500, "Maximum message length in characters")
	f.String(config.KeyRegistry, config.RegistryStore, "Device registry: store or dynamodb")
	f.String(config.KeyDynamoTable, "conecta-endpoints", "DynamoDB table for the device registry")
	f.String(config.KeyOTLPEndpoint, "", "OTLP/HTTP trace endpoint")
	f.String(config.KeyServiceName, "conecta-chat", "Service name reported in traces")
	rootCmd.AddCommand(serveCmd)
}
