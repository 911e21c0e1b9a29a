// Package config loads the bridge settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration.
type Config struct {
	// HTTPAddr is where the UI gateway listens.
	HTTPAddr string `yaml:"http_addr"`
	// IngressAddr is where agent sockets connect.
	IngressAddr string `yaml:"ingress_addr"`
	// PublicIngressHost overrides the host:port written into the agent's
	// callback URL. Defaults to IngressAddr.
	PublicIngressHost string `yaml:"public_ingress_host"`

	AgentBinary     string `yaml:"agent_binary"`
	AgentID         string `yaml:"agent_id"`
	Description     string `yaml:"description"`
	ProtocolVersion string `yaml:"protocol_version"`

	ControlTimeout    time.Duration `yaml:"control_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	StartupProbe      time.Duration `yaml:"startup_probe"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`

	ScopeRunsToSession bool `yaml:"scope_runs_to_session"`
	WatchWorkDirs      bool `yaml:"watch_work_dirs"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:           ":8765",
		IngressAddr:        "127.0.0.1:8766",
		AgentBinary:        "claude",
		AgentID:            "default",
		Description:        "Claude agent bridged over SSE",
		ProtocolVersion:    "1.0",
		ControlTimeout:     30 * time.Second,
		KillGrace:          5 * time.Second,
		StartupProbe:       300 * time.Millisecond,
		DiscoveryInterval:  500 * time.Millisecond,
		DiscoveryAttempts:  30,
		ScopeRunsToSession: true,
		WatchWorkDirs:      true,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load builds the configuration. An empty path skips the file; a missing
// file is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BRIDGE_HTTP_ADDR", &c.HTTPAddr)
	str("BRIDGE_INGRESS_ADDR", &c.IngressAddr)
	str("BRIDGE_PUBLIC_INGRESS_HOST", &c.PublicIngressHost)
	str("BRIDGE_AGENT_BINARY", &c.AgentBinary)
	str("BRIDGE_AGENT_ID", &c.AgentID)
	str("BRIDGE_DESCRIPTION", &c.Description)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BRIDGE_CONTROL_TIMEOUT", &c.ControlTimeout},
		{"BRIDGE_KILL_GRACE", &c.KillGrace},
		{"BRIDGE_STARTUP_PROBE", &c.StartupProbe},
		{"BRIDGE_DISCOVERY_INTERVAL", &c.DiscoveryInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("BRIDGE_DISCOVERY_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BRIDGE_DISCOVERY_ATTEMPTS: %w", err)
		}
		c.DiscoveryAttempts = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"BRIDGE_SCOPE_RUNS", &c.ScopeRunsToSession},
		{"BRIDGE_WATCH_WORKDIRS", &c.WatchWorkDirs},
	}
	for _, b := range bools {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", b.key, err)
		}
		*b.dst = parsed
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if strings.TrimSpace(c.IngressAddr) == "" {
		errs = append(errs, errors.New("ingress_addr is required"))
	}
	if c.AgentBinary == "" {
		errs = append(errs, errors.New("agent_binary is required"))
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.ControlTimeout <= 0 {
		errs = append(errs, errors.New("control_timeout must be positive"))
	}
	if c.KillGrace <= 0 {
		errs = append(errs, errors.New("kill_grace must be positive"))
	}
	if c.StartupProbe < 0 {
		errs = append(errs, errors.New("startup_probe must not be negative"))
	}
	if c.DiscoveryInterval <= 0 {
		errs = append(errs, errors.New("discovery_interval must be positive"))
	}
	if c.DiscoveryAttempts <= 0 {
		errs = append(errs, errors.New("discovery_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CallbackHost is the host:port agents dial back to. A bare ":port"
// ingress address resolves to loopback.
func (c Config) CallbackHost() string {
	if c.PublicIngressHost != "" {
		return c.PublicIngressHost
	}
	if strings.HasPrefix(c.IngressAddr, ":") {
		return "127.0.0.1" + c.IngressAddr
	}
	return c.IngressAddr
}
