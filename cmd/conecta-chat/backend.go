package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/config"
	"github.com/joelkehle/conecta-chat/internal/devices"
	"github.com/joelkehle/conecta-chat/internal/realtime"
	"github.com/joelkehle/conecta-chat/internal/store"
)

// backend is the storage and transport wiring shared by serve and listen.
type backend struct {
	store    store.API
	hub      *realtime.Hub
	bus      realtime.Bus
	registry devices.Registry
	redis    *redis.Client
}

func openStore(cfg config.Config) (store.API, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		ss, err := store.NewSQLiteStore(cfg.DBPath, store.Config{})
		if err != nil {
			return nil, errors.Wrapf(err, "open sqlite store %s", cfg.DBPath)
		}
		jww.INFO.Printf("using sqlite store path=%s", cfg.DBPath)
		return ss, nil
	case config.StoreJSON:
		ps, err := store.NewPersistentStore(cfg.StateFile, store.Config{})
		if err != nil {
			return nil, errors.Wrapf(err, "open json store %s", cfg.StateFile)
		}
		jww.INFO.Printf("using json store path=%s", cfg.StateFile)
		return ps, nil
	default:
		jww.INFO.Printf("using memory store")
		return store.NewStore(store.Config{}), nil
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	raw, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	b := &backend{hub: realtime.NewHub(realtime.HubConfig{})}
	b.store = store.WithChangeFeed(raw, b.hub)
	b.bus = b.hub

	if cfg.RedisURL != "" {
		client, err := realtime.Connect(ctx, cfg.RedisURL)
		if err != nil {
			_ = raw.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		b.redis = client
		b.bus = realtime.Combine(b.hub, realtime.NewRedisBroadcaster(client))
		jww.INFO.Printf("broadcasts over redis channel=%s", cfg.Channel)
	}

	switch cfg.Registry {
	case config.RegistryDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			b.close()
			return nil, errors.Wrap(err, "load aws config")
		}
		reg, err := devices.NewDynamoRegistry(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		if err != nil {
			b.close()
			return nil, err
		}
		b.registry = reg
		jww.INFO.Printf("device registry on dynamodb table=%s", cfg.DynamoTable)
	default:
		b.registry = b.store
	}
	return b, nil
}

func (b *backend) close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			jww.WARN.Printf("redis close failed err=%v", err)
		}
	}
	if err := b.store.Close(); err != nil {
		jww.WARN.Printf("store close failed err=%v", err)
	}
}
