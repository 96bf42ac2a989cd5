// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Gateway and Runner configuration from YAML
// with environment-variable overrides layered on top, matching
// spec.md §6's environment-variable surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/remoterun/internal/log"
)

// GatewayConfig is the full configuration of a gatewayd process.
type GatewayConfig struct {
	Log    log.Config    `yaml:"log"`
	Listen ListenConfig  `yaml:"listen"`
	Auth   AuthConfig    `yaml:"auth"`
	Store  StoreConfig   `yaml:"store"`
	Tunnel TunnelConfig  `yaml:"tunnel"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ListenConfig configures the Gateway's HTTP(S) listener.
type ListenConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	UnixSocket string `yaml:"unix_socket,omitempty"`
	TLSEnabled bool   `yaml:"tls_enabled"`
	TLSCert    string `yaml:"tls_cert,omitempty"`
	TLSKey     string `yaml:"tls_key,omitempty"`
	AllowSelfSigned bool `yaml:"allow_self_signed"`
}

// Addr returns the host:port the Gateway should bind.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// AuthConfig configures the signing verifier.
type AuthConfig struct {
	// HMACSecret is the process-wide signing secret. Must be at
	// least signing.MinSecretLen bytes; gateway.New rejects a shorter
	// one. If empty, an ephemeral secret is always generated at
	// startup; there is no mode that fails instead.
	HMACSecret string `yaml:"hmac_secret,omitempty"`

	// ClockSkewTolerance bounds |now - timestamp| on signed
	// requests. Default 300s per spec.md §4.1.
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance,omitempty"`

	// NonceExpiry is how long a consumed nonce is retained before
	// the sweep prunes it. Default 600s.
	NonceExpiry time.Duration `yaml:"nonce_expiry,omitempty"`

	// ExtraAllowedCommands mirrors EXTRA_ALLOWED_COMMANDS and is the
	// baseline merged with ExtraAllowedCommandsFile on every
	// hot-reload (SUPPLEMENTED FEATURES). The Gateway only logs the
	// merged set; each Runner enforces its own allowlist.
	ExtraAllowedCommands     []string `yaml:"extra_allowed_commands,omitempty"`
	ExtraAllowedCommandsFile string   `yaml:"extra_allowed_commands_file,omitempty"`
}

// StoreConfig configures the embedded SQLite Store.
type StoreConfig struct {
	DataDir          string        `yaml:"data_dir"`
	RunRetentionDays int           `yaml:"run_retention_days,omitempty"`
	ArtifactMaxBytes int64         `yaml:"artifact_max_bytes,omitempty"`
}

// DBPath returns the path to the SQLite database file under DataDir,
// per spec.md §6's durable layout.
func (s StoreConfig) DBPath() string { return s.DataDir + "/db.sqlite" }

// RunRetention converts RunRetentionDays to a duration; zero means no
// retention pruning.
func (s StoreConfig) RunRetention() time.Duration {
	if s.RunRetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RunRetentionDays) * 24 * time.Hour
}

// TunnelConfig configures the remote-framebuffer tunnel broker.
type TunnelConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// RunnerConfig is the full configuration of a runner process.
type RunnerConfig struct {
	Log    log.Config   `yaml:"log"`
	Gateway RunnerGatewayConfig `yaml:"gateway"`
	Poll   PollConfig   `yaml:"poll"`
	Shell  ShellConfig  `yaml:"shell"`
}

// RunnerGatewayConfig is how a Runner reaches its Gateway.
type RunnerGatewayConfig struct {
	BaseURL         string `yaml:"base_url"`
	AllowSelfSigned bool   `yaml:"allow_self_signed"`
}

// PollConfig configures the Runner's command-poll cadence.
// HeartbeatInterval and DedupWindow are loaded but not applied: the
// Runner sends no heartbeats, and the poll loop always uses
// poll.DedupWindow.
type PollConfig struct {
	CommandInterval   time.Duration `yaml:"command_interval,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	DedupWindow       time.Duration `yaml:"dedup_window,omitempty"`
}

// ShellConfig configures the Runner's plain-command allowlist.
type ShellConfig struct {
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
}

// DefaultGatewayConfig returns baseline values matching spec.md §6's
// defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Log: *log.DefaultConfig(),
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 8443,
		},
		Auth: AuthConfig{
			ClockSkewTolerance: 300 * time.Second,
			NonceExpiry:        600 * time.Second,
		},
		Store: StoreConfig{
			DataDir:          "./data",
			ArtifactMaxBytes: 50 << 20,
		},
		Tunnel: TunnelConfig{
			MaxFrameBytes: 1 << 20,
		},
	}
}

// DefaultRunnerConfig returns baseline values for a Runner.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Log: *log.DefaultConfig(),
		Poll: PollConfig{
			CommandInterval:   2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			DedupWindow:       30 * time.Minute,
		},
	}
}

// LoadGateway reads path (if non-empty and present) as YAML over the
// defaults, then layers environment-variable overrides on top,
// matching the env surface spec.md §6 names.
func LoadGateway(path string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyGatewayEnv(&cfg)
	return cfg, nil
}

// LoadRunner reads path (if non-empty and present) as YAML over the
// defaults, then layers environment-variable overrides on top.
func LoadRunner(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyRunnerEnv(&cfg)
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyGatewayEnv(cfg *GatewayConfig) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Listen.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv("HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		cfg.Listen.TLSEnabled = parseBool(v, cfg.Listen.TLSEnabled)
	}
	if v := os.Getenv("RUN_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Store.RunRetentionDays = days
		}
	}
	if v := os.Getenv("EXTRA_ALLOWED_COMMANDS"); v != "" {
		cfg.Auth.ExtraAllowedCommands = append(cfg.Auth.ExtraAllowedCommands, splitCommaList(v)...)
	}
	if v := os.Getenv("ALLOW_SELF_SIGNED"); v != "" {
		cfg.Listen.AllowSelfSigned = parseBool(v, cfg.Listen.AllowSelfSigned)
	}
}

func applyRunnerEnv(cfg *RunnerConfig) {
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("ALLOW_SELF_SIGNED"); v != "" {
		cfg.Gateway.AllowSelfSigned = parseBool(v, cfg.Gateway.AllowSelfSigned)
	}
	if v := os.Getenv("COMMAND_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Poll.CommandInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Poll.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("EXTRA_ALLOWED_COMMANDS"); v != "" {
		cfg.Shell.AllowedCommands = append(cfg.Shell.AllowedCommands, splitCommaList(v)...)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCommaList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
