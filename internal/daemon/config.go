// Package daemon wires every C1-C10 component into one host-process build
// and owns the process lifecycle: config load, component construction,
// Serve/Close. Grounded on Tutu's internal/daemon package — a TOML config
// struct (BurntSushi/toml) plus a large wiring struct with a single
// Serve(ctx) entry point.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// NodeConfig identifies this device instance.
type NodeConfig struct {
	DeviceID string `toml:"device_id"`
	DataDir  string `toml:"data_dir"`
}

// APIConfig controls the host-side HTTP surface.
type APIConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	EnableSafetyShutdown bool  `toml:"enable_safety_shutdown"`
}

// StoreConfig picks and configures the C1 durable-store backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // "file" or "sqlite"
}

// NetworkConfig carries C5 Wi-Fi supervisor timing.
type NetworkConfig struct {
	MaxRetry       int    `toml:"max_retry"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
}

// CommissioningConfig carries C6/C7 local-channel timing and listener.
type CommissioningConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	BLEFallbackSeconds  int    `toml:"ble_fallback_seconds"`
	WifiStableMinutes   int    `toml:"wifi_stable_minutes"`
	PostProvisionalSecs int    `toml:"post_provisional_seconds"`
}

// CloudConfig carries the cloud link's MQTT endpoint and topic configuration.
type CloudConfig struct {
	Broker         string `toml:"broker"`
	ClientCertPath string `toml:"client_cert_path"`
	ClientKeyPath  string `toml:"client_key_path"`
	CACertPath     string `toml:"ca_cert_path"`
	HeartbeatTopic string `toml:"heartbeat_topic"`
	AuditTopic     string `toml:"audit_topic"`
	AllowLegacyOTA bool   `toml:"allow_legacy_ota"`
}

// UpdateConfig carries C8 firmware-update trust and timing.
type UpdateConfig struct {
	TrustRootPath     string `toml:"trust_root_path"`
	FirstBootBudgetMS int    `toml:"first_boot_budget_ms"`
}

// ControlConfig carries C4 ramp/queue tuning.
type ControlConfig struct {
	StepMS     int `toml:"step_ms"`
	QueueDepth int `toml:"queue_depth"`
}

// TelemetryConfig carries C9 heartbeat cadence and audit buffering.
type TelemetryConfig struct {
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	AuditQueueDepth          int `toml:"audit_queue_depth"`
}

// WatchdogConfig carries C10 pet-loop cadence.
type WatchdogConfig struct {
	PetIntervalMS int `toml:"pet_interval_ms"`
}

// Config is the full on-disk daemon configuration, loaded from
// $data_dir/config.toml, mirroring Tutu's internal/daemon.Config shape.
type Config struct {
	Node          NodeConfig          `toml:"node"`
	API           APIConfig           `toml:"api"`
	Store         StoreConfig         `toml:"store"`
	Network       NetworkConfig       `toml:"network"`
	Commissioning CommissioningConfig `toml:"commissioning"`
	Cloud         CloudConfig         `toml:"cloud"`
	Update        UpdateConfig        `toml:"update"`
	Control       ControlConfig       `toml:"control"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Watchdog      WatchdogConfig      `toml:"watchdog"`
}

// DefaultConfig returns spec §9's example environment values.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			DeviceID: "esp32-light-and-pump-001",
			DataDir:  defaultDataDir(),
		},
		API: APIConfig{
			ListenAddr:           "127.0.0.1:8080",
			EnableSafetyShutdown: true,
		},
		Store: StoreConfig{Backend: "file"},
		Network: NetworkConfig{
			MaxRetry:       5,
			RetryBackoffMS: 2000,
		},
		Commissioning: CommissioningConfig{
			ListenAddr:          "0.0.0.0:4242",
			BLEFallbackSeconds:  30,
			WifiStableMinutes:   5,
			PostProvisionalSecs: 180,
		},
		Cloud: CloudConfig{
			HeartbeatTopic: "heartbeat",
			AuditTopic:     "audit",
			AllowLegacyOTA: false,
		},
		Update: UpdateConfig{
			FirstBootBudgetMS: 120000,
		},
		Control: ControlConfig{
			StepMS:     50,
			QueueDepth: 16,
		},
		Telemetry: TelemetryConfig{
			HeartbeatIntervalSeconds: 60,
			AuditQueueDepth:          64,
		},
		Watchdog: WatchdogConfig{
			PetIntervalMS: 1000,
		},
	}
}

// dataHome resolves the base directory for this device's persisted state,
// honoring DEVICE_DATA_HOME the way Tutu's tutuHome() honors TUTU_HOME.
func dataHome() string {
	if v := os.Getenv("DEVICE_DATA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".esp32-light-and-pump"
	}
	return filepath.Join(home, ".esp32-light-and-pump")
}

func defaultDataDir() string { return dataHome() }

func configPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// LoadConfig reads $dataDir/config.toml, falling back to DefaultConfig when
// the file does not exist yet (first boot).
func LoadConfig(dataDir string) (Config, error) {
	if dataDir == "" {
		dataDir = dataHome()
	}
	path := configPath(dataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Node.DataDir = dataDir
		return cfg, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: decode config: %w", err)
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = dataDir
	}
	return cfg, nil
}

// SaveConfig persists cfg to $dataDir/config.toml.
func SaveConfig(cfg Config) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("daemon: create data dir: %w", err)
	}
	f, err := os.Create(configPath(cfg.Node.DataDir))
	if err != nil {
		return fmt.Errorf("daemon: create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("daemon: encode config: %w", err)
	}
	return nil
}
