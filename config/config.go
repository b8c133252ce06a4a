package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration accepts Go duration strings in YAML ("30s", "1h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Subscription SubscriptionConfig `yaml:"subscription"`
	Backend      BackendConfig      `yaml:"backend"`
	Watcher      WatcherConfig      `yaml:"watcher"`
}

type SubscriptionConfig struct {
	Link    string   `yaml:"link"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	Timeout Duration `yaml:"timeout"`
	// ConfigPath is where refreshed pools are rendered for the daemon.
	// Empty disables rendering (the daemon manages its own config).
	ConfigPath string `yaml:"config_path"`
}

type BackendConfig struct {
	ControllerURL string   `yaml:"controller_url"`
	Secret        string   `yaml:"secret"`
	Selector      string   `yaml:"selector"`
	BindAddress   string   `yaml:"bind_address"`
	MixedPort     int      `yaml:"mixed_port"`
	ProxyAddress  string   `yaml:"proxy_address"`
	Timeout       Duration `yaml:"timeout"`
	// Managed hands the daemon container's lifecycle to the watcher.
	Managed       bool   `yaml:"managed"`
	ContainerName string `yaml:"container_name"`
}

type WatcherConfig struct {
	Blocking     bool     `yaml:"blocking"`
	DrainTimeout Duration `yaml:"drain_timeout"`

	ProbeURL         string   `yaml:"probe_url"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	Staleness        Duration `yaml:"staleness"`
	LatencyCeilingMs int      `yaml:"latency_ceiling_ms"`

	Updater JobConfig `yaml:"updater"`
	Changer JobConfig `yaml:"changer"`
	Checker JobConfig `yaml:"checker"`
}

type JobConfig struct {
	Enabled bool          `yaml:"enabled"`
	Trigger TriggerConfig `yaml:"trigger"`
}

type TriggerConfig struct {
	Kind  string   `yaml:"kind"`  // "interval" or "cron"
	Every Duration `yaml:"every"` // interval kind
	At    string   `yaml:"at"`    // cron kind, "HH:MM"
}

// defaults mirror the tool's historical behavior: subscription refresh at
// 02:00, an hourly reconcile, a node check every thirty seconds.
func defaults() *Config {
	return &Config{
		Subscription: SubscriptionConfig{
			Timeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			Selector:    "GLOBAL",
			BindAddress: "127.0.0.1",
			Timeout:     Duration(7 * time.Second),
		},
		Watcher: WatcherConfig{
			DrainTimeout:     Duration(15 * time.Second),
			ProbeURL:         "https://www.google.com",
			ProbeTimeout:     Duration(5 * time.Second),
			Staleness:        Duration(90 * time.Second),
			LatencyCeilingMs: 2000,
			Updater: JobConfig{
				Enabled: true,
				Trigger: TriggerConfig{Kind: "cron", At: "02:00"},
			},
			Changer: JobConfig{
				Enabled: true,
				Trigger: TriggerConfig{Kind: "interval", Every: Duration(time.Hour)},
			},
			Checker: JobConfig{
				Enabled: true,
				Trigger: TriggerConfig{Kind: "interval", Every: Duration(30 * time.Second)},
			},
		},
	}
}

// Load reads the YAML config, overlays environment values and validates
// the result. Startup-time configuration problems fail here, before any
// job is armed.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CLASHWATCHER_CONFIG")
	}
	if path == "" {
		path = "clashwatcher.yaml"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if secret := os.Getenv("CLASHWATCHER_SECRET"); secret != "" {
		cfg.Backend.Secret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Subscription.Link == "" {
		return errors.New("subscription.link is required")
	}
	u, err := url.Parse(c.Subscription.Link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("subscription.link %q is not a valid http(s) url", c.Subscription.Link)
	}
	if c.Backend.ControllerURL == "" {
		return errors.New("backend.controller_url is required")
	}
	if cu, err := url.Parse(c.Backend.ControllerURL); err != nil || cu.Host == "" {
		return fmt.Errorf("backend.controller_url %q is not a valid url", c.Backend.ControllerURL)
	}
	if c.Backend.Managed && c.Backend.ContainerName == "" {
		return errors.New("backend.container_name is required when backend.managed is set")
	}
	if !c.Watcher.Updater.Enabled && !c.Watcher.Changer.Enabled && !c.Watcher.Checker.Enabled {
		return errors.New("watcher enables no jobs")
	}
	if c.Subscription.Timeout <= 0 || c.Backend.Timeout <= 0 || c.Watcher.ProbeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Watcher.Staleness <= 0 {
		return errors.New("watcher.staleness must be positive")
	}
	return nil
}
