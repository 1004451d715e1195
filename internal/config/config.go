// Package config loads the substrate indexer daemon's YAML configuration,
// creating a default file on first run, the way the reference node config
// package does for its own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name, resolved under the data
// directory unless overridden by the -config flag.
const ConfigFileName = "config.yaml"

// NodeConfig is one entry in a chain's node list.
type NodeConfig struct {
	// URL is the WebSocket RPC endpoint, e.g. "wss://kusama-rpc.polkadot.io".
	URL string `yaml:"url"`

	// Operator marks an entry as an operator node. Such entries are not
	// registered from the config: the pool's operator node, which it always
	// tries first, is the url given in the start_indexer request.
	Operator bool `yaml:"operator"`
}

// ChainConfig is the per-chain section of the config file: its public node
// list. When a writer is created, every non-operator entry whose url differs
// from the start_indexer url is registered in the pool alongside it.
type ChainConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// RPCConfig holds the RPC client's per-call timeout and retry tunables.
type RPCConfig struct {
	// Timeout is saved and loaded with the config file but is not passed to
	// the RPC clients, which always use substrate.DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`

	// RequestBlockRetryTimes bounds same-node retries for a block fetch.
	RequestBlockRetryTimes int `yaml:"request_block_retry_times"`

	// RequestReceiptDataTimes bounds same-node retries for a receipt fetch.
	RequestReceiptDataTimes int `yaml:"request_receipt_data_times"`
}

// QueueConfig holds the bounded queue's batching thresholds.
type QueueConfig struct {
	// NMin is the minimum batch size a DB Writer waits for before draining.
	NMin int `yaml:"n_min"`

	// NMax caps how many items a single PopBatch call returns.
	NMax int `yaml:"n_max"`

	// Capacity is the queue's maximum length before producers block.
	Capacity int `yaml:"capacity"`
}

// DBWriterConfig holds the DB Writer's polling tunables.
type DBWriterConfig struct {
	// SleepInterval is how long the writer waits before retrying a failed
	// batch. Shutdown is observed through the writer's context, not on this
	// interval.
	SleepInterval time.Duration `yaml:"sleep_interval"`
}

// ControlPlaneConfig holds the control-plane WebSocket listen address.
type ControlPlaneConfig struct {
	// ListenAddr is the "host:port" the control plane's HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// Config holds all configuration for the substrate indexer daemon.
type Config struct {
	// DataDir is the directory for SQLite databases and the config file
	// itself.
	DataDir string `yaml:"data_dir"`

	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	RPC          RPCConfig          `yaml:"rpc"`
	Queue        QueueConfig        `yaml:"queue"`
	DBWriter     DBWriterConfig     `yaml:"db_writer"`
	Logging      LoggingConfig      `yaml:"logging"`

	// Chains maps a chain's canonical name (e.g. "Kusama") to its
	// configured node list.
	Chains map[string]ChainConfig `yaml:"chains,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.substrate-indexer",
		ControlPlane: ControlPlaneConfig{
			ListenAddr: "localhost:5000",
		},
		RPC: RPCConfig{
			Timeout:                 30 * time.Second,
			RequestBlockRetryTimes:  2,
			RequestReceiptDataTimes: 2,
		},
		Queue: QueueConfig{
			NMin:     10,
			NMax:     10,
			Capacity: 1000,
		},
		DBWriter: DBWriterConfig{
			SleepInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Chains: map[string]ChainConfig{
			"Kusama": {
				Nodes: []NodeConfig{
					{URL: "wss://kusama-rpc.polkadot.io", Operator: false},
				},
			},
		},
	}
}

// LoadConfig loads configuration from dataDir's config file, creating one
// with default values if none exists yet.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	path := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating its parent
// directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# substrate-indexerd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
