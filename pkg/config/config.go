package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "NETPULSE_CONFIG"

const (
	DefaultListen    = "localhost:8080"
	DefaultDBName    = "netpulse.db"
	DefaultClientURL = "http://localhost:8080/ws"
)

type Config struct {
	Listen     string       `toml:"listen"`
	StorageDir string       `toml:"storage_dir"`
	Broker     BrokerConfig `toml:"broker"`
	Client     ClientConfig `toml:"client"`
	Kafka      KafkaConfig  `toml:"kafka"`
	Log        LogConfig    `toml:"log"`
}

type BrokerConfig struct {
	SendBuffer     int      `toml:"send_buffer"`
	WriteTimeout   Duration `toml:"write_timeout"`
	PongTimeout    Duration `toml:"pong_timeout"`
	MaxMessageSize int64    `toml:"max_message_size"`
}

type ClientConfig struct {
	URL                  string   `toml:"url"`
	BaseDelay            Duration `toml:"base_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	QueueLimit           int      `toml:"queue_limit"`
	Overflow             string   `toml:"overflow"` // drop-oldest or reject-new
	ListenerTimeout      Duration `toml:"listener_timeout"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
	MaxWait Duration `toml:"max_wait"`
}

type LogConfig struct {
	Debug         bool     `toml:"debug"`
	DebugServices []string `toml:"debug_services"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	c := &Config{StorageDir: storageDir}
	c.applyDefaults()
	return c, nil
}

// LoadConfig reads configPath. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.StorageDir == "" {
		storageDir, err := GetDefaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("getting default storage directory: %w", err)
		}
		config.StorageDir = storageDir
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills zero values. Broker and client defaults that the
// broker and syncagent packages already apply are left at zero.
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Client.URL == "" {
		c.Client.URL = DefaultClientURL
	}
	if c.Client.Overflow == "" {
		c.Client.Overflow = "drop-oldest"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "netpulse-events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "netpulse"
	}
	if c.Kafka.MaxWait.Duration == 0 {
		c.Kafka.MaxWait = Duration{time.Second}
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Client.Overflow {
	case "drop-oldest", "reject-new":
	default:
		return fmt.Errorf("client.overflow: unknown policy %q", c.Client.Overflow)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled requires at least one broker")
	}
	if c.Broker.SendBuffer < 0 || c.Client.QueueLimit < 0 || c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("negative sizes are not allowed")
	}
	return nil
}

// DBPath is the activity database inside StorageDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, DefaultDBName)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return "", fmt.Errorf("getting default storage directory: %w", err)
		}
	}

	template := strings.Replace(configTemplate, "/home/user/.local/share/netpulse", storageDir, 1)
	return template, nil
}

// GetDefaultStorageDir returns the default storage directory for databases
func GetDefaultStorageDir() (string, error) {
	// Use XDG_DATA_HOME if set, otherwise use ~/.local/share
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "netpulse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetConfigDir returns the configuration directory for netpulse
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "netpulse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetDefaultConfigPath returns $NETPULSE_CONFIG when set, otherwise
// config.toml in the config directory.
func GetDefaultConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
