package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"sketch-sync/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Backend != StoreBackendFile {
		t.Errorf("expected file backend, got %s", cfg.Store.Backend)
	}
	if cfg.Sync.PushMode != domain.PushModeBroadcast {
		t.Errorf("expected broadcast push mode, got %s", cfg.Sync.PushMode)
	}
	if cfg.Sync.TombstoneRetention != 720*time.Hour {
		t.Errorf("expected 720h retention, got %v", cfg.Sync.TombstoneRetention)
	}
	if cfg.Peer.ReconnectInterval != 5*time.Second {
		t.Errorf("expected 5s reconnect interval, got %v", cfg.Peer.ReconnectInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SYNC_PUSH_MODE", "message")
	t.Setenv("SYNC_TOMBSTONE_RETENTION", "0")
	t.Setenv("PEER_URL", "ws://watch.local:8080/peer")
	t.Setenv("PEER_DISCOVERY", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.PushMode != domain.PushModeMessage {
		t.Errorf("expected message push mode, got %s", cfg.Sync.PushMode)
	}
	if cfg.Sync.TombstoneRetention != 0 {
		t.Errorf("expected retention 0, got %v", cfg.Sync.TombstoneRetention)
	}
	if cfg.Peer.URL != "ws://watch.local:8080/peer" || cfg.Peer.Discovery {
		t.Errorf("unexpected peer config %+v", cfg.Peer)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("PEER_RECONNECT_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestBindFlags_OverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("sketch-sync", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"--push-mode=message", "--device-id=watch", "--store", "couch"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Port != "9000" {
		t.Errorf("expected env port to survive, got %s", cfg.Server.Port)
	}
	if cfg.Sync.PushMode != domain.PushModeMessage || cfg.Device.ID != "watch" || cfg.Store.Backend != StoreBackendCouch {
		t.Errorf("expected flag overrides, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "s3" }, wantErr: true},
		{name: "unknown push mode", mutate: func(c *Config) { c.Sync.PushMode = "carrier-pigeon" }, wantErr: true},
		{name: "negative retention", mutate: func(c *Config) { c.Sync.TombstoneRetention = -time.Hour }, wantErr: true},
		{name: "empty pairing secret", mutate: func(c *Config) { c.Peer.PairingSecret = "" }, wantErr: true},
		{name: "message size above decoder limit", mutate: func(c *Config) { c.Peer.MaxMessageSize = 64 << 20 }, wantErr: true},
		{name: "zero message size", mutate: func(c *Config) { c.Peer.MaxMessageSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureDeviceID(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Store: StoreConfig{DataDir: dir}}

	if err := cfg.EnsureDeviceID(); err != nil {
		t.Fatalf("EnsureDeviceID() error = %v", err)
	}
	first := cfg.Device.ID
	if first == "" {
		t.Fatal("expected a generated device id")
	}

	again := &Config{Store: StoreConfig{DataDir: dir}}
	if err := again.EnsureDeviceID(); err != nil {
		t.Fatal(err)
	}
	if again.Device.ID != first {
		t.Errorf("expected stored id %s, got %s", first, again.Device.ID)
	}

	if _, err := os.Stat(filepath.Join(dir, "device_id")); err != nil {
		t.Errorf("expected device_id file: %v", err)
	}

	explicit := &Config{Device: DeviceConfig{ID: "phone"}, Store: StoreConfig{DataDir: dir}}
	if err := explicit.EnsureDeviceID(); err != nil || explicit.Device.ID != "phone" {
		t.Errorf("expected explicit id to be kept, got %s, %v", explicit.Device.ID, err)
	}
}
