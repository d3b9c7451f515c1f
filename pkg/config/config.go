package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the scanner service configuration file.
type Config struct {
	Database       DatabaseConfig  `yaml:"database"`
	HTTP           HTTPConfig      `yaml:"http"`
	ScanConfigPath string          `yaml:"scan_config_path"`
	Probe          ProbeProfile    `yaml:"probe"`
	Login          LoginConfig     `yaml:"login"`
	RunTimeout     time.Duration   `yaml:"run_timeout"`
	Scheduler      SchedulerConfig `yaml:"scheduler"`
	GLPI           GLPIConfig      `yaml:"glpi"`
	Logging        LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the device table backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HTTPConfig controls the trigger API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// ProbeProfile defines discovery behavior.
type ProbeProfile struct {
	Ports         []int  `yaml:"ports"`
	MaxWorkers    int    `yaml:"max_workers"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	SNMPCommunity string `yaml:"snmp_community"`
	// ARPInterface enables the pcap ARP sweep on builds with the pcap tag.
	ARPInterface string `yaml:"arp_interface"`
}

// LoginConfig bounds the SSH fan-out.
type LoginConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SchedulerConfig configures the background scheduler.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Tick    string `yaml:"tick"`
}

// GLPIConfig stores API information for the optional GLPI mirror.
type GLPIConfig struct {
	BaseURL   string           `yaml:"base_url"`
	AppToken  string           `yaml:"app_token"`
	UserToken string           `yaml:"user_token"`
	OAuth     *GLPIOAuthConfig `yaml:"oauth"`
}

// GLPIOAuthConfig stores OAuth2 credentials for the high-level API.
type GLPIOAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Scope        string `yaml:"scope"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

const (
	DefaultLoginConcurrency = 10
	DefaultLoginTimeout     = 30 * time.Second
	DefaultRunTimeout       = 30 * time.Minute
	DefaultProbeWorkers     = 64
	DefaultProbeTimeoutMS   = 1000
)

// DefaultProbePorts are dialed when the profile lists none.
var DefaultProbePorts = []int{22, 23, 80, 443, 135, 139, 445, 3389, 8080}

// Load reads a YAML (or JSON) configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "cmdbscan.db"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8585"
	}
	if c.ScanConfigPath == "" {
		c.ScanConfigPath = "scan_config.yml"
	}
	if c.Probe.MaxWorkers <= 0 {
		c.Probe.MaxWorkers = DefaultProbeWorkers
	}
	if c.Probe.TimeoutMS <= 0 {
		c.Probe.TimeoutMS = DefaultProbeTimeoutMS
	}
	if len(c.Probe.Ports) == 0 {
		c.Probe.Ports = append([]int(nil), DefaultProbePorts...)
	}
	if c.Login.Concurrency <= 0 {
		c.Login.Concurrency = DefaultLoginConcurrency
	}
	if c.Login.Timeout <= 0 {
		c.Login.Timeout = DefaultLoginTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.Scheduler.Tick == "" {
		c.Scheduler.Tick = "24h"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
