// Package config loads caod's TOML configuration file, mirroring the
// manifest-loading style of the teacher's rig manifest: decode, then
// apply defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/FC4b/cli-agent-orchestrator/internal/flow"
	"github.com/FC4b/cli-agent-orchestrator/internal/httpapi"
	"github.com/FC4b/cli-agent-orchestrator/internal/injector"
	"github.com/FC4b/cli-agent-orchestrator/internal/orchestrator"
)

// Config is the top-level shape of caod.toml.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Flows    FlowsConfig    `toml:"flows"`
}

// ServerConfig controls the HTTP control plane's bind address.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// TimeoutsConfig mirrors spec section 5's three built-in deadlines.
// Durations are TOML strings parsed with time.ParseDuration (e.g. "60s");
// empty means "use the package default", and for HandoffTimeout, "none".
type TimeoutsConfig struct {
	StartupTimeout string `toml:"startup_timeout"`
	IdleTimeout    string `toml:"idle_timeout"`
	HandoffTimeout string `toml:"handoff_timeout"`
}

// FlowsConfig controls the flow store's location and tick cadence.
type FlowsConfig struct {
	Dir          string `toml:"dir"`
	TickInterval string `toml:"tick_interval"`
}

// Default returns the configuration caod runs with when no file is found.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: httpapi.DefaultAddr},
		Flows:  FlowsConfig{Dir: "./flows"},
	}
}

// Load reads path and applies defaults for unset fields. A missing file is
// not an error: it returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = httpapi.DefaultAddr
	}
	if cfg.Flows.Dir == "" {
		cfg.Flows.Dir = "./flows"
	}
	return cfg, nil
}

// OrchestratorConfig translates the duration strings into an
// orchestrator.Config, applying package defaults for anything blank or
// unparseable.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	out := orchestrator.Config{
		StartupTimeout: parseDurationOr(c.Timeouts.StartupTimeout, orchestrator.DefaultStartupTimeout),
		HandoffTimeout: parseDurationOr(c.Timeouts.HandoffTimeout, orchestrator.DefaultHandoffTimeout),
	}
	return out
}

// FlowTickInterval returns the configured scheduler tick, or
// flow.DefaultTickInterval when unset.
func (c *Config) FlowTickInterval() time.Duration {
	return parseDurationOr(c.Flows.TickInterval, flow.DefaultTickInterval)
}

// InjectorConfig translates the idle-timeout duration string into an
// injector.Config, leaving PollInterval at its package default.
func (c *Config) InjectorConfig() injector.Config {
	return injector.Config{
		IdleTimeout: parseDurationOr(c.Timeouts.IdleTimeout, injector.DefaultIdleTimeout),
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
