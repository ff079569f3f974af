package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the coordinator process.
type ServerConfig struct {
	// Addr is the HTTP listen address, e.g. ":7601".
	Addr string `yaml:"addr"`
	// LocalAddress overrides the address nodes should use to reach this
	// server when "localhost" in a container means something else. The
	// V6_SERVER_LOCAL_ADDRESS environment variable takes precedence.
	LocalAddress string `yaml:"local_address"`
	DataDir      string `yaml:"data_dir"`
	JWTSecret    string `yaml:"jwt_secret"`
	LogLevel     string `yaml:"log_level"`

	// HA settings; leave ServerID/BindAddr empty for single-node mode.
	ServerID  string   `yaml:"server_id"`
	BindAddr  string   `yaml:"bind_addr"`
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"`

	Blob    BlobConfig    `yaml:"blob"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// BlobConfig selects the result blob store. Type is "", "filesystem" or
// "azure"; empty disables blob storage.
type BlobConfig struct {
	Type             string `yaml:"type"`
	Directory        string `yaml:"directory"`
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

// CleanupConfig drives the background result-data cleanup.
type CleanupConfig struct {
	RunsDataCleanupDays int           `yaml:"runs_data_cleanup_days"`
	CleanupInputs       bool          `yaml:"cleanup_inputs"`
	Interval            time.Duration `yaml:"interval"`
}

// NodeConfig configures a node agent.
type NodeConfig struct {
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	// PrivateKeyFile is the node's RSA key; generated on first boot when
	// absent. An unreadable existing file is a fatal boot error.
	PrivateKeyFile string `yaml:"private_key_file"`
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`

	// Runtime selects the container backend: docker, kubernetes or
	// containerd. Default docker.
	Runtime   string `yaml:"runtime"`
	Namespace string `yaml:"namespace"`

	Databases []DatabaseConfig `yaml:"databases"`
	Policies  PolicyConfig     `yaml:"policies"`

	// ConcurrentTasks bounds the worker pool; QueueSize the backlog of
	// accepted-but-unstarted runs.
	ConcurrentTasks int `yaml:"concurrent_tasks"`
	QueueSize       int `yaml:"queue_size"`

	// TaskStartTimeout converts runs stuck in initializing to
	// "start failed".
	TaskStartTimeout time.Duration `yaml:"task_start_timeout"`

	// ProxyAddr is where algorithm containers reach the embedded proxy.
	ProxyAddr string `yaml:"proxy_addr"`
}

// DatabaseConfig binds a label algorithms reference to a concrete source.
type DatabaseConfig struct {
	Label string `yaml:"label"`
	URI   string `yaml:"uri"`
	Type  string `yaml:"type"`
}

// PolicyConfig is the node's pre-launch policy gate.
type PolicyConfig struct {
	// AllowedAlgorithms holds image globs; empty allows everything.
	AllowedAlgorithms []string `yaml:"allowed_algorithms"`
	// AllowedAlgorithmStores limits which store ids may source tasks.
	AllowedAlgorithmStores []int `yaml:"allowed_algorithm_stores"`
}

// LoadServer reads and validates a coordinator config file.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:     ":7601",
		DataDir:  "/var/lib/vantage6/server",
		LogLevel: "info",
		Cleanup:  CleanupConfig{Interval: time.Hour},
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("V6_SERVER_LOCAL_ADDRESS"); v != "" {
		cfg.LocalAddress = v
	}
	if cfg.Blob.Type != "" && cfg.Blob.Type != "filesystem" && cfg.Blob.Type != "azure" {
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Blob.Type)
	}
	return cfg, nil
}

// LoadNode reads and validates a node config file.
func LoadNode(path string) (*NodeConfig, error) {
	cfg := &NodeConfig{
		DataDir:          "/var/lib/vantage6/node",
		LogLevel:         "info",
		Runtime:          "docker",
		ConcurrentTasks:  1,
		QueueSize:        100,
		TaskStartTimeout: 5 * time.Minute,
		ProxyAddr:        ":7602",
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required")
	}
	seen := make(map[string]bool)
	for _, db := range cfg.Databases {
		if db.Label == "" || db.URI == "" {
			return nil, fmt.Errorf("database entries need both label and uri")
		}
		if seen[db.Label] {
			return nil, fmt.Errorf("duplicate database label %q", db.Label)
		}
		seen[db.Label] = true
	}
	return cfg, nil
}

func load(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Database returns the configured source for a label.
func (c *NodeConfig) Database(label string) (*DatabaseConfig, bool) {
	for i := range c.Databases {
		if c.Databases[i].Label == label {
			return &c.Databases[i], true
		}
	}
	return nil, false
}
