package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/glin-ai/glin-client/internal/errdefs"
)

// Config is the on-disk client configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Backend  BackendConfig  `yaml:"backend"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
}

type ProviderConfig struct {
	ID            uuid.UUID `yaml:"id,omitempty"`
	Name          string    `yaml:"name"`
	WalletAddress string    `yaml:"wallet_address"`
	APIKey        string    `yaml:"api_key,omitempty"`
	JWTToken      string    `yaml:"jwt_token,omitempty"`
}

type BackendConfig struct {
	URL string `yaml:"url"`
}

type WorkerConfig struct {
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"`
	PollIntervalSecs      int `yaml:"task_poll_interval_secs"`
	MaxConcurrentTasks    int `yaml:"max_concurrent_tasks"`
	DrainTimeoutSecs      int `yaml:"drain_timeout_secs"`
}

type StorageConfig struct {
	CacheDir    string `yaml:"cache_dir"`
	IPFSGateway string `yaml:"ipfs_gateway"`
	IPFSAPIURL  string `yaml:"ipfs_api_url"`
}

// Default returns the configuration used before registration fills in
// provider identity.
func Default() Config {
	return Config{
		Backend: BackendConfig{URL: "http://localhost:3000"},
		Worker: WorkerConfig{
			HeartbeatIntervalSecs: 30,
			PollIntervalSecs:      10,
			MaxConcurrentTasks:    1,
			DrainTimeoutSecs:      30,
		},
		Storage: StorageConfig{
			CacheDir:    filepath.Join(dataDir(), "cache"),
			IPFSGateway: "https://ipfs.io",
			IPFSAPIURL:  "http://localhost:5001",
		},
	}
}

// Path resolves the config file location: $XDG_CONFIG_HOME/glin/config.yaml
// or ~/.config/glin/config.yaml.
func Path() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "glin", "config.yaml")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "glin")
}

// DataDir is where the cache and the run-history database live.
func DataDir() string { return dataDir() }

// Load reads YAML configuration from path. If path is empty the default
// location is used. Credentials from secrets.env or GLIN_API_TOKEN override
// the file so tokens need not be stored in YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errdefs.ErrNotRegistered
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("GLIN_API_TOKEN"); v != "" {
		secrets["GLIN_API_TOKEN"] = v
	}
	if t, ok := secrets["GLIN_API_TOKEN"]; ok && t != "" {
		cfg.Provider.JWTToken = t
	}
	return cfg, nil
}

// Save writes the configuration to path (default location when empty),
// creating parent directories as needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Registered reports whether provider credentials are present.
func (c Config) Registered() bool {
	return c.Provider.ID != uuid.Nil && c.Provider.APIKey != ""
}
