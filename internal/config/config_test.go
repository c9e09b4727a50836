package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, "notifications", cfg.Channel)
	require.Equal(t, "push", cfg.Event)
	require.Equal(t, 500*time.Millisecond, cfg.GraceWindow)
	require.Equal(t, 5, cfg.DrainLimit)
	require.Equal(t, 300*time.Millisecond, cfg.DrainInterval)
	require.Equal(t, 500, cfg.MaxContentLength)
	require.Equal(t, RegistryStore, cfg.Registry)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONECTA_GRACE_WINDOW", "2s")
	t.Setenv("CONECTA_DRAIN_LIMIT", "9")
	t.Setenv("CONECTA_DB", "/tmp/chat.db")
	cfg, err := Load(New())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.GraceWindow)
	require.Equal(t, 9, cfg.DrainLimit)
	require.Equal(t, StoreSQLite, cfg.Store)
	require.Equal(t, "/tmp/chat.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown store":     func(c *Config) { c.Store = "postgres" },
		"sqlite without db": func(c *Config) { c.Store = StoreSQLite; c.DBPath = "" },
		"unknown registry":  func(c *Config) { c.Registry = "consul" },
		"dynamo no table":   func(c *Config) { c.Registry = RegistryDynamo; c.DynamoTable = "" },
		"zero grace":        func(c *Config) { c.GraceWindow = 0 },
		"zero drain limit":  func(c *Config) { c.DrainLimit = 0 },
		"empty channel":     func(c *Config) { c.Channel = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(New())
			require.NoError(t, err)
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
