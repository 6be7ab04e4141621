package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"sketch-sync/internal/domain"
	"sketch-sync/internal/transport"
)

const (
	StoreBackendFile  = "file"
	StoreBackendCouch = "couch"
)

type Config struct {
	Server  ServerConfig
	Device  DeviceConfig
	Store   StoreConfig
	Couch   CouchConfig
	Peer    PeerConfig
	Sync    SyncConfig
	CORS    CORSConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DeviceConfig struct {
	// ID is generated and kept in DataDir when left empty.
	ID string
}

type StoreConfig struct {
	Backend string
	DataDir string
}

type CouchConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type PeerConfig struct {
	URL               string
	Discovery         bool
	BrowseTimeout     time.Duration
	PairingSecret     string
	TokenExpiration   time.Duration
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageSize    int64
}

type SyncConfig struct {
	PushMode           domain.PushMode
	TombstoneRetention time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	var invalid []string
	parse := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			invalid = append(invalid, key)
			return 0
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
		},
		Device: DeviceConfig{
			ID: getEnv("DEVICE_ID", ""),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreBackendFile),
			DataDir: getEnv("DATA_DIR", "./data"),
		},
		Couch: CouchConfig{
			Host:     getEnv("COUCH_HOST", "localhost"),
			Port:     getEnv("COUCH_PORT", "5984"),
			User:     getEnv("COUCH_USER", "admin"),
			Password: getEnv("COUCH_PASSWORD", "password"),
			Name:     getEnv("COUCH_DB", "sketches"),
		},
		Peer: PeerConfig{
			URL:               getEnv("PEER_URL", ""),
			Discovery:         getEnvAsBool("PEER_DISCOVERY", true),
			BrowseTimeout:     parse("PEER_BROWSE_TIMEOUT", "3s"),
			PairingSecret:     getEnv("PAIRING_SECRET", "dev-pairing-secret-change-me"),
			TokenExpiration:   parse("PAIRING_TOKEN_EXPIRATION", "5m"),
			ReconnectInterval: parse("PEER_RECONNECT_INTERVAL", "5s"),
			HandshakeTimeout:  parse("PEER_HANDSHAKE_TIMEOUT", "10s"),
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			MaxMessageSize:    int64(getEnvAsInt("PEER_MAX_MESSAGE_SIZE", 16<<20)),
		},
		Sync: SyncConfig{
			PushMode:           domain.PushMode(getEnv("SYNC_PUSH_MODE", string(domain.PushModeBroadcast))),
			TombstoneRetention: parse("SYNC_TOMBSTONE_RETENTION", "720h"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid duration in %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// BindFlags registers command-line overrides for the most used settings.
// Defaults are the values already loaded from the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Host, "host", c.Server.Host, "address to listen on")
	fs.StringVar(&c.Server.Port, "port", c.Server.Port, "port to listen on")
	fs.StringVar(&c.Device.ID, "device-id", c.Device.ID, "identifier of this device (generated when empty)")
	fs.StringVar(&c.Store.Backend, "store", c.Store.Backend, "store backend: file or couch")
	fs.StringVar(&c.Store.DataDir, "data-dir", c.Store.DataDir, "directory for the file store and device id")
	fs.StringVar(&c.Peer.URL, "peer-url", c.Peer.URL, "websocket URL of the peer device (disables discovery)")
	fs.BoolVar(&c.Peer.Discovery, "discovery", c.Peer.Discovery, "advertise and browse for the peer over mDNS")
	fs.StringVar((*string)(&c.Sync.PushMode), "push-mode", string(c.Sync.PushMode), "snapshot push mode: broadcast or message")
	fs.DurationVar(&c.Sync.TombstoneRetention, "tombstone-retention", c.Sync.TombstoneRetention, "how long deletes suppress stale copies (0 keeps them forever)")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "log level: info or debug")
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendFile, StoreBackendCouch:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Sync.PushMode {
	case domain.PushModeBroadcast, domain.PushModeMessage:
	default:
		return fmt.Errorf("unknown push mode %q", c.Sync.PushMode)
	}

	if c.Sync.TombstoneRetention < 0 {
		return errors.New("tombstone retention must not be negative")
	}
	if c.Peer.PairingSecret == "" {
		return errors.New("PAIRING_SECRET is required")
	}
	if c.Peer.MaxMessageSize <= 0 || c.Peer.MaxMessageSize > transport.MaxFrameElements {
		return fmt.Errorf("peer max message size must be between 1 and %d", transport.MaxFrameElements)
	}
	if c.Peer.PingPeriod >= c.Peer.PongWait {
		return errors.New("peer ping period must be shorter than pong wait")
	}
	return nil
}

// EnsureDeviceID fills Device.ID from DataDir, generating and storing a new
// id on first run.
func (c *Config) EnsureDeviceID() error {
	if c.Device.ID != "" {
		return nil
	}

	path := filepath.Join(c.Store.DataDir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Device.ID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(c.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to store device id: %w", err)
	}
	c.Device.ID = id
	return nil
}

func (c *CouchConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", c.User, c.Password, c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
