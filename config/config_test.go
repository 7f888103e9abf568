// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	if cfg.Server.Port != 5672 {
		t.Errorf("Expected default port 5672, got %d", cfg.Server.Port)
	}

	if cfg.Broker.ReceiverCredit != 100 {
		t.Errorf("Expected default receiver credit 100, got %d", cfg.Broker.ReceiverCredit)
	}

	if !regexp.MustCompile(`^broker-[0-9a-f]{8}$`).MatchString(cfg.Broker.ID) {
		t.Errorf("Unexpected default broker id %q", cfg.Broker.ID)
	}

	if Default().Broker.ID == cfg.Broker.ID {
		t.Error("Expected a fresh broker id per default config")
	}

	if cfg.Server.TLSEnabled() {
		t.Error("Expected TLS disabled by default")
	}

	if cfg.Server.Addr() != "localhost:5672" {
		t.Errorf("Expected localhost:5672, got %s", cfg.Server.Addr())
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(certFile, []byte("cert"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty broker id",
			modify:  func(c *Config) { c.Broker.ID = "" },
			wantErr: true,
		},
		{
			name:    "valid topics",
			modify:  func(c *Config) { c.Broker.Topics = []string{"news", "alerts"} },
			wantErr: false,
		},
		{
			name:    "empty topic",
			modify:  func(c *Config) { c.Broker.Topics = []string{"news", ""} },
			wantErr: true,
		},
		{
			name:    "duplicate topic",
			modify:  func(c *Config) { c.Broker.Topics = []string{"news", "news"} },
			wantErr: true,
		},
		{
			name:    "topic with blank",
			modify:  func(c *Config) { c.Broker.Topics = []string{"bad topic"} },
			wantErr: true,
		},
		{
			name:    "zero receiver credit",
			modify:  func(c *Config) { c.Broker.ReceiverCredit = 0 },
			wantErr: true,
		},
		{
			name:    "port zero picks a free port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: false,
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "negative max connections",
			modify:  func(c *Config) { c.Server.MaxConnections = -1 },
			wantErr: true,
		},
		{
			name:    "negative write timeout",
			modify:  func(c *Config) { c.Server.WriteTimeout = -time.Second },
			wantErr: true,
		},
		{
			name: "rate limit without burst",
			modify: func(c *Config) {
				c.Server.ConnectionRate = 10
				c.Server.ConnectionBurst = 0
			},
			wantErr: true,
		},
		{
			name:    "frame size too small",
			modify:  func(c *Config) { c.Server.MaxFrameSize = 256 },
			wantErr: true,
		},
		{
			name: "websocket path without slash",
			modify: func(c *Config) {
				c.Server.WSAddr = ":8080"
				c.Server.WSPath = "amqp"
			},
			wantErr: true,
		},
		{
			name:    "cert without key",
			modify:  func(c *Config) { c.Server.CertFile = certFile },
			wantErr: true,
		},
		{
			name:    "key without cert",
			modify:  func(c *Config) { c.Server.KeyFile = certFile },
			wantErr: true,
		},
		{
			name: "cert and key present",
			modify: func(c *Config) {
				c.Server.CertFile = certFile
				c.Server.KeyFile = certFile
			},
			wantErr: false,
		},
		{
			name: "missing key file",
			modify: func(c *Config) {
				c.Server.CertFile = certFile
				c.Server.KeyFile = filepath.Join(dir, "missing.pem")
			},
			wantErr: true,
		},
		{
			name:    "trust without cert",
			modify:  func(c *Config) { c.Server.TrustFile = certFile },
			wantErr: true,
		},
		{
			name:    "user without password",
			modify:  func(c *Config) { c.Auth.User = "guest" },
			wantErr: true,
		},
		{
			name:    "password without user",
			modify:  func(c *Config) { c.Auth.Password = "secret" },
			wantErr: true,
		},
		{
			name: "user and password",
			modify: func(c *Config) {
				c.Auth.User = "guest"
				c.Auth.Password = "secret"
			},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "telemetry without endpoint",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Errorf("Load should return defaults for non-existent file: %v", err)
	}

	if cfg.Server.Port != 5672 {
		t.Error("Should return default config")
	}
}

func TestLoadInvalid(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	data := "broker:\n  topics: [a, a]\n"
	if err := os.WriteFile(configFile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Expected duplicate topics to fail validation")
	}
}

func TestSaveLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Broker.ID = "broker-cafe0001"
	cfg.Broker.Topics = []string{"news"}
	cfg.Server.Port = 5673
	cfg.Server.IdleTimeout = 15 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(configFile); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Broker.ID != "broker-cafe0001" {
		t.Errorf("Expected broker id broker-cafe0001, got %s", loaded.Broker.ID)
	}

	if len(loaded.Broker.Topics) != 1 || loaded.Broker.Topics[0] != "news" {
		t.Errorf("Expected topics [news], got %v", loaded.Broker.Topics)
	}

	if loaded.Server.Port != 5673 {
		t.Errorf("Expected port 5673, got %d", loaded.Server.Port)
	}

	if loaded.Server.IdleTimeout != 15*time.Second {
		t.Errorf("Expected idle timeout 15s, got %v", loaded.Server.IdleTimeout)
	}

	if loaded.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", loaded.Log.Level)
	}
}
