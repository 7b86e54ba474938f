package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// Config is the full process configuration, loaded once at startup
type Config struct {
	Log       LogConfig       `yaml:"log"`
	DataDir   string          `yaml:"data_dir"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Publisher PublisherConfig `yaml:"publisher"`
	Platform  PlatformConfig  `yaml:"platform"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// RedisConfig locates the Redis instance carrying the notification
// stream and the leadership lock
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// SMTPConfig configures outbound mail
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PublisherConfig tunes the publisher manager
type PublisherConfig struct {
	Enabled          bool          `yaml:"enabled"`
	LockKey          string        `yaml:"lock_key"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// PlatformConfig carries platform-wide presentation settings
type PlatformConfig struct {
	BaseURI             string `yaml:"base_uri"`
	SenderEmail         string `yaml:"sender_email"`
	DarkThemeBackground string `yaml:"dark_theme_background"`
	DocURI              string `yaml:"doc_uri"`
}

// APIConfig configures the operational HTTP server
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with sane defaults applied
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: log.InfoLevel},
		DataDir: "/var/lib/umbrix",
		Redis: RedisConfig{
			Address: "127.0.0.1:6379",
			Stream:  "stream.notification",
		},
		SMTP: SMTPConfig{Port: "25"},
		Publisher: PublisherConfig{
			Enabled:          true,
			LockKey:          "publisher_manager_lock",
			LockTTL:          30 * time.Second,
			ScheduleInterval: 10 * time.Second,
			PollInterval:     2 * time.Second,
		},
		Platform: PlatformConfig{
			DarkThemeBackground: "#0a1929",
			DocURI:              "https://docs.umbrix.example/knowledge-base",
		},
		API: APIConfig{Listen: ":9431"},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults unchanged
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the publisher cannot run with
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required")
	}
	if c.Publisher.LockKey == "" {
		return fmt.Errorf("publisher.lock_key is required")
	}
	if c.Publisher.ScheduleInterval <= 0 {
		return fmt.Errorf("publisher.schedule_interval must be positive")
	}
	if c.Publisher.PollInterval <= 0 {
		return fmt.Errorf("publisher.poll_interval must be positive")
	}
	return nil
}

// Settings derives the platform settings entity served to the dispatch
// pipeline through the settings cache
func (c *Config) Settings() *types.Settings {
	return &types.Settings{
		PlatformEmail:               c.Platform.SenderEmail,
		PlatformURI:                 c.Platform.BaseURI,
		PlatformThemeDarkBackground: c.Platform.DarkThemeBackground,
	}
}
