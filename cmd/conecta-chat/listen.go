package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/config"
	"github.com/joelkehle/conecta-chat/internal/notify"
)

// consoleDevice prints surfaced notifications. Permission is always granted.
type consoleDevice struct {
	mu  sync.Mutex
	out io.Writer
}

func (d *consoleDevice) RequestPermission(context.Context) (bool, error) {
	return true, nil
}

func (d *consoleDevice) Show(_ context.Context, n notify.Surfaced) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind := ""
	if n.Payload != nil {
		kind = string(n.Payload.Kind())
	}
	_, err := fmt.Fprintf(d.out, "[%s] %s: %s (id=%s kind=%s)\n", n.Source, n.Title, n.Body, n.NotificationID, kind)
	return err
}

// checkListenStore refuses a process-local store: the server's rows and
// claims would never be visible to the listener.
func checkListenStore(cfg config.Config) error {
	if cfg.Store == config.StoreMemory {
		return fmt.Errorf("listen needs a store shared with the server: pass --%s <path>", config.KeyDBPath)
	}
	return nil
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a device session that prints notifications for an identity",
	Long: `listen registers a device endpoint for --identity, drains undelivered
notifications and then prints new ones as they arrive. It opens the store
directly, so point it at the same sqlite database (and redis, for broadcasts)
as the server. The in-memory store is refused.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := checkListenStore(cfg); err != nil {
			return err
		}
		identity := strings.TrimSpace(v.GetString("identity"))
		if identity == "" {
			return fmt.Errorf("--identity is required")
		}
		endpoint := v.GetString("endpoint")
		if endpoint == "" {
			endpoint = "cli-" + uuid.NewString()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.close()

		s := notify.NewSession(notify.SessionConfig{
			IdentityID:    identity,
			EndpointID:    endpoint,
			Platform:      "cli",
			Channel:       cfg.Channel,
			Event:         cfg.Event,
			GraceWindow:   cfg.GraceWindow,
			DrainLimit:    cfg.DrainLimit,
			DrainInterval: cfg.DrainInterval,
		}, b.store, b.registry, b.bus, &consoleDevice{out: cmd.OutOrStdout()})

		if _, err := s.Register(ctx); err != nil {
			return err
		}
		if err := s.Start(ctx); err != nil {
			return err
		}
		jww.INFO.Printf("listening identity=%s endpoint=%s state=%s", identity, endpoint, s.State())
		<-ctx.Done()

		if v.GetBool("logout") {
			return s.Logout(context.Background())
		}
		s.Close()
		return nil
	},
}

func init() {
	f := listenCmd.Flags()
	f.String("identity", "", "Identity whose notifications are received")
	f.String("endpoint", "", "Endpoint id for this session (random when empty)")
	f.Bool("logout", false, "Remove this endpoint from the registry on exit")
	f.String(config.KeyStore, config.StoreMemory, "Store backend: memory, sqlite or json")
	f.String(config.KeyDBPath, "", "SQLite database path (selects the sqlite store)")
	f.String(config.KeyStateFile, "./data/state.json", "State file for the json store")
	f.String(config.KeyRedisURL, "", "Redis URL for cross-process broadcasts")
	f.String(config.KeyChannel, "notifications", "Broadcast channel name")
	f.String(config.KeyEvent, "push", "Broadcast event name")
	f.Duration(config.KeyGraceWindow, config.DefaultGraceWindow, "Backstop wait before re-reading a new row")
	f.Int(config.KeyDrainLimit, 5, "Maximum notifications surfaced per drain")
	f.Duration(config.KeyDrainInterval, config.DefaultDrainInterval, "Spacing between drained notifications")
	f.String(config.KeyRegistry, config.RegistryStore, "Device registry: store or dynamodb")
	f.String(config.KeyDynamoTable, "conecta-endpoints", "DynamoDB table for the device registry")
	rootCmd.AddCommand(listenCmd)
}
