/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Provider identifiers for the fixed set of supported provider kinds.
const (
	ProviderLoop   = "loop"
	ProviderOnCall = "oncall"
)

// Sink kinds.
const (
	SinkWebhook = "webhook"
	SinkNATS    = "nats"
	SinkLoop    = "loop"
)

// Duration unmarshals TOML strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the process configuration read from config.toml.
// Loaded once at startup; changing it requires a process restart.
type Config struct {
	Environment string `toml:"environment"`

	Server       Server       `toml:"server"`
	Loop         Loop         `toml:"loop"`
	OnCall       *OnCall      `toml:"oncall"`
	Sinks        []Sink       `toml:"sinks"`
	Notification Notification `toml:"notification"`
	Storage      Storage      `toml:"storage"`
	Telemetry    Telemetry    `toml:"telemetry"`
	Leadership   Leadership   `toml:"leadership"`
}

// Server configures the inbound HTTP surface.
type Server struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

// Loop configures the mandatory Loop provider.
type Loop struct {
	Token         string   `toml:"token"`
	URL           string   `toml:"url"`
	Team          string   `toml:"team"`
	Schedule      string   `toml:"schedule"`
	ChannelID     string   `toml:"channel_id"`
	WebhookSecret string   `toml:"webhook_secret"`
	PollInterval  Duration `toml:"poll_interval"`
	Timeout       Duration `toml:"timeout"`
}

// OnCall configures the optional Grafana OnCall provider.
type OnCall struct {
	Token         string   `toml:"token"`
	URL           string   `toml:"url"`
	Schedule      string   `toml:"schedule"`
	WebhookSecret string   `toml:"webhook_secret"`
	PollInterval  Duration `toml:"poll_interval"`
	Timeout       Duration `toml:"timeout"`
}

// Sink configures one notification target. Kind selects the variant; the
// remaining fields are kind-specific.
type Sink struct {
	Kind       string `toml:"kind"`
	Name       string `toml:"name"`
	URL        string `toml:"url"`        // webhook
	Secret     string `toml:"secret"`     // webhook HMAC signing
	NATSURL    string `toml:"nats_url"`   // nats
	Subject    string `toml:"subject"`    // nats
	ChannelID  string `toml:"channel_id"` // loop
	MaxRetries int    `toml:"max_retries"`
}

// Notification configures duty reminder sessions.
type Notification struct {
	ReminderInterval Duration `toml:"reminder_interval"`
	AckKeyword       string   `toml:"ack_keyword"`
}

// Storage backend selection for the delivery log.
type Storage struct {
	Backend string `toml:"backend"`
	DSN     string `toml:"dsn"`
}

// Telemetry configures tracing.
type Telemetry struct {
	TracingEnabled bool    `toml:"tracing_enabled"`
	OTLPEndpoint   string  `toml:"otlp_endpoint"`
	SampleRate     float64 `toml:"sample_rate"`
}

// Leadership configures Redis leader election for multi-replica deployments.
type Leadership struct {
	Enabled       bool   `toml:"enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	InstanceID    string `toml:"instance_id"`
}

// Load reads the TOML file, applies environment overrides and defaults, and
// validates the result. Validation failures are fatal: the caller must not
// start the server on error.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if !meta.IsDefined("loop") {
		return nil, fmt.Errorf("config %s: required [loop] section is missing", path)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mirrors the Kubernetes Secret mount pattern: tokens may be
// injected as environment variables overriding file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOOP_TOKEN"); v != "" {
		c.Loop.Token = v
	}
	if v := os.Getenv("LOOP_SERVER_URL"); v != "" {
		c.Loop.URL = v
	}
	if v := os.Getenv("LOOP_TEAM"); v != "" {
		c.Loop.Team = v
	}
	if c.OnCall != nil {
		if v := os.Getenv("ONCALL_TOKEN"); v != "" {
			c.OnCall.Token = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Server.Bind == "" {
		c.Server.Bind = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Loop.URL == "" {
		c.Loop.URL = "https://lemanapro.loop.ru"
	}
	if c.Loop.Team == "" {
		c.Loop.Team = "lemanapro"
	}
	if c.Loop.PollInterval.Duration == 0 {
		c.Loop.PollInterval.Duration = time.Minute
	}
	if c.Loop.Timeout.Duration == 0 {
		c.Loop.Timeout.Duration = 30 * time.Second
	}
	if c.OnCall != nil {
		if c.OnCall.PollInterval.Duration == 0 {
			c.OnCall.PollInterval.Duration = time.Minute
		}
		if c.OnCall.Timeout.Duration == 0 {
			c.OnCall.Timeout.Duration = 30 * time.Second
		}
	}
	if c.Notification.ReminderInterval.Duration == 0 {
		c.Notification.ReminderInterval.Duration = 15 * time.Minute
	}
	if c.Notification.AckKeyword == "" {
		c.Notification.AckKeyword = "@take"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "dutybot.db"
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	for i := range c.Sinks {
		if c.Sinks[i].MaxRetries == 0 {
			c.Sinks[i].MaxRetries = 5
		}
	}
}

func (c *Config) validate() error {
	if c.Loop.Token == "" {
		return fmt.Errorf("[loop] token must not be empty")
	}
	if c.Loop.Schedule == "" {
		return fmt.Errorf("[loop] schedule must not be empty")
	}
	if c.OnCall != nil {
		// All or nothing: a partially specified [oncall] is a config error,
		// not a provider that silently never works.
		if c.OnCall.Token == "" || c.OnCall.URL == "" || c.OnCall.Schedule == "" {
			return fmt.Errorf("[oncall] requires token, url and schedule together")
		}
	}
	switch c.Storage.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("[storage] unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("[storage] postgres backend requires a dsn")
	}
	for i, sink := range c.Sinks {
		if sink.MaxRetries < 0 {
			return fmt.Errorf("[[sinks]] #%d: max_retries must not be negative", i)
		}
		switch sink.Kind {
		case SinkWebhook:
			if sink.URL == "" {
				return fmt.Errorf("[[sinks]] #%d: webhook sink requires url", i)
			}
		case SinkNATS:
			if sink.NATSURL == "" || sink.Subject == "" {
				return fmt.Errorf("[[sinks]] #%d: nats sink requires nats_url and subject", i)
			}
		case SinkLoop:
			if sink.ChannelID == "" && c.Loop.ChannelID == "" {
				return fmt.Errorf("[[sinks]] #%d: loop sink requires channel_id", i)
			}
		default:
			return fmt.Errorf("[[sinks]] #%d: unknown kind %q", i, sink.Kind)
		}
	}
	if c.Leadership.Enabled && c.Leadership.RedisAddr == "" {
		return fmt.Errorf("[leadership] enabled requires redis_addr")
	}
	return nil
}

// Providers returns the configured provider ids in a stable order, Loop first.
func (c *Config) Providers() []string {
	ids := []string{ProviderLoop}
	if c.OnCall != nil {
		ids = append(ids, ProviderOnCall)
	}
	return ids
}
