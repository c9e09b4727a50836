// Package config resolves runtime settings from flags, environment variables
// (prefix CONECTA_) and an optional config file, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "CONECTA"

// Keys shared by flags, env and config files.
const (
	KeyAddr             = "addr"
	KeyLogLevel         = "log-level"
	KeyLogFile          = "log"
	KeyStore            = "store"
	KeyDBPath           = "db"
	KeyStateFile        = "state-file"
	KeyRedisURL         = "redis-url"
	KeyChannel          = "channel"
	KeyEvent            = "event"
	KeyGraceWindow      = "grace-window"
	KeyDrainLimit       = "drain-limit"
	KeyDrainInterval    = "drain-interval"
	KeyMaxContentLength = "max-content-length"
	KeyRegistry         = "registry"
	KeyDynamoTable      = "dynamodb-table"
	KeyOTLPEndpoint     = "otlp-endpoint"
	KeyServiceName      = "service-name"
)

const (
	DefaultGraceWindow   = 500 * time.Millisecond
	DefaultDrainInterval = 300 * time.Millisecond
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreJSON   = "json"

	RegistryStore  = "store"
	RegistryDynamo = "dynamodb"
)

type Config struct {
	Addr     string
	LogLevel uint
	LogFile  string

	Store     string
	DBPath    string
	StateFile string

	RedisURL string
	Channel  string
	Event    string

	GraceWindow      time.Duration
	DrainLimit       int
	DrainInterval    time.Duration
	MaxContentLength int

	Registry    string
	DynamoTable string

	OTLPEndpoint string
	ServiceName  string
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyLogLevel, 0)
	v.SetDefault(KeyLogFile, "-")
	v.SetDefault(KeyStore, StoreMemory)
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeyStateFile, "./data/state.json")
	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyChannel, "notifications")
	v.SetDefault(KeyEvent, "push")
	v.SetDefault(KeyGraceWindow, DefaultGraceWindow)
	v.SetDefault(KeyDrainLimit, 5)
	v.SetDefault(KeyDrainInterval, DefaultDrainInterval)
	v.SetDefault(KeyMaxContentLength, 500)
	v.SetDefault(KeyRegistry, RegistryStore)
	v.SetDefault(KeyDynamoTable, "conecta-endpoints")
	v.SetDefault(KeyOTLPEndpoint, "")
	v.SetDefault(KeyServiceName, "conecta-chat")
}

// Load reads every key from v and validates the result. A non-empty db path
// selects the sqlite backend regardless of the store key.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:             v.GetString(KeyAddr),
		LogLevel:         v.GetUint(KeyLogLevel),
		LogFile:          v.GetString(KeyLogFile),
		Store:            strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
		DBPath:           strings.TrimSpace(v.GetString(KeyDBPath)),
		StateFile:        v.GetString(KeyStateFile),
		RedisURL:         strings.TrimSpace(v.GetString(KeyRedisURL)),
		Channel:          v.GetString(KeyChannel),
		Event:            v.GetString(KeyEvent),
		GraceWindow:      v.GetDuration(KeyGraceWindow),
		DrainLimit:       v.GetInt(KeyDrainLimit),
		DrainInterval:    v.GetDuration(KeyDrainInterval),
		MaxContentLength: v.GetInt(KeyMaxContentLength),
		Registry:         strings.ToLower(strings.TrimSpace(v.GetString(KeyRegistry))),
		DynamoTable:      v.GetString(KeyDynamoTable),
		OTLPEndpoint:     strings.TrimSpace(v.GetString(KeyOTLPEndpoint)),
		ServiceName:      v.GetString(KeyServiceName),
	}
	if cfg.DBPath != "" {
		cfg.Store = StoreSQLite
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreJSON:
	case StoreSQLite:
		if c.DBPath == "" {
			return errors.New("config: sqlite store needs a db path")
		}
	default:
		return errors.Errorf("config: unknown store %q", c.Store)
	}
	if c.Store == StoreJSON && strings.TrimSpace(c.StateFile) == "" {
		return errors.New("config: json store needs a state file")
	}
	switch c.Registry {
	case RegistryStore:
	case RegistryDynamo:
		if strings.TrimSpace(c.DynamoTable) == "" {
			return errors.New("config: dynamodb registry needs a table name")
		}
	default:
		return errors.Errorf("config: unknown registry %q", c.Registry)
	}
	if c.Channel == "" || c.Event == "" {
		return errors.New("config: channel and event must be set")
	}
	if c.GraceWindow <= 0 || c.DrainInterval <= 0 {
		return errors.New("config: grace window and drain interval must be positive")
	}
	if c.DrainLimit <= 0 {
		return errors.New("config: drain limit must be positive")
	}
	if c.MaxContentLength <= 0 {
		return errors.New("config: max content length must be positive")
	}
	return nil
}
