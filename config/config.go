// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the test broker.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig holds routing settings.
type BrokerConfig struct {
	// ID is the container id sent in open and attached to log records.
	ID string `yaml:"id"`
	// Topics are declared at startup; every other address is a queue.
	Topics []string `yaml:"topics"`
	// ReceiverCredit is the link credit granted to peers that send.
	ReceiverCredit uint32 `yaml:"receiver_credit"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ReadyFile string `yaml:"ready_file"`

	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	TrustFile string `yaml:"trust_file"` // CA bundle for client certificate verification

	MaxConnections  int           `yaml:"max_connections"`
	ConnectionRate  float64       `yaml:"connection_rate"` // new connections per second per IP, 0 disables
	ConnectionBurst int           `yaml:"connection_burst"`
	MaxFrameSize    uint32        `yaml:"max_frame_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // a peer that reads nothing for this long is dropped
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	WSAddr string `yaml:"ws_addr"` // empty disables AMQP over WebSocket
	WSPath string `yaml:"ws_path"`

	HealthAddr    string `yaml:"health_addr"`
	HealthEnabled bool   `yaml:"health_enabled"`
}

// AuthConfig holds SASL credentials. An empty user allows anonymous access.
type AuthConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// NewID returns a container id of the form broker-<8 hex digits>.
func NewID() string {
	return "broker-" + uuid.NewString()[:8]
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ID:             NewID(),
			ReceiverCredit: 100,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            5672,
			MaxConnections:  10000,
			ConnectionBurst: 20,
			MaxFrameSize:    65536,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			WSPath:          "/",
			HealthAddr:      ":8081",
			HealthEnabled:   false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "testbroker",
			TraceSampleRate: 0.1,
		},
	}
}

// Addr returns the AMQP listener address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TLSEnabled reports whether the AMQP listener serves TLS.
func (s ServerConfig) TLSEnabled() bool {
	return s.CertFile != ""
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.ID == "" {
		return errors.New("broker.id cannot be empty")
	}
	if err := ValidateTopics(c.Broker.Topics); err != nil {
		return err
	}
	if c.Broker.ReceiverCredit == 0 {
		return errors.New("broker.receiver_credit must be at least 1")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections cannot be negative")
	}
	if c.Server.WriteTimeout < 0 {
		return errors.New("server.write_timeout cannot be negative")
	}
	if c.Server.ConnectionRate < 0 {
		return errors.New("server.connection_rate cannot be negative")
	}
	if c.Server.ConnectionRate > 0 && c.Server.ConnectionBurst < 1 {
		return errors.New("server.connection_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.MaxFrameSize != 0 && c.Server.MaxFrameSize < 512 {
		return errors.New("server.max_frame_size must be at least 512")
	}
	if c.Server.WSAddr != "" && !strings.HasPrefix(c.Server.WSPath, "/") {
		return errors.New("server.ws_path must start with /")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return errors.New("server.health_addr required when health is enabled")
	}

	switch {
	case c.Server.CertFile != "" && c.Server.KeyFile == "":
		return errors.New("server.key_file required when cert_file is set")
	case c.Server.KeyFile != "" && c.Server.CertFile == "":
		return errors.New("server.cert_file required when key_file is set")
	case c.Server.TrustFile != "" && c.Server.CertFile == "":
		return errors.New("server.trust_file requires cert_file and key_file")
	}
	for _, f := range []struct{ key, path string }{
		{"server.cert_file", c.Server.CertFile},
		{"server.key_file", c.Server.KeyFile},
		{"server.trust_file", c.Server.TrustFile},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
	}

	if c.Auth.User != "" && c.Auth.Password == "" {
		return errors.New("auth.password required when auth.user is set")
	}
	if c.Auth.User == "" && c.Auth.Password != "" {
		return errors.New("auth.user required when auth.password is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return errors.New("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return errors.New("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return errors.New("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// ValidateTopics rejects empty, blank-containing and duplicate topic
// addresses.
func ValidateTopics(topics []string) error {
	seen := make(map[string]bool, len(topics))
	for i, t := range topics {
		if t == "" {
			return fmt.Errorf("broker.topics[%d] cannot be empty", i)
		}
		if strings.ContainsAny(t, " \t\r\n,") {
			return fmt.Errorf("broker.topics[%d] %q contains a separator", i, t)
		}
		if seen[t] {
			return fmt.Errorf("broker.topics[%d] %q declared twice", i, t)
		}
		seen[t] = true
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
