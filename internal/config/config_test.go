package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefault(t *testing.T) {
	cfg := LoadDefault()
	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}

	if cfg.Agent.ID == "" {
		t.Error("Expected non-empty agent ID")
	}

	if cfg.Network.ListenAddr != "0.0.0.0:7400" {
		t.Errorf("Expected default listen address '0.0.0.0:7400', got %s", cfg.Network.ListenAddr)
	}

	if cfg.Consortium.MaxMembers != 3 {
		t.Errorf("Expected default max members 3, got %d", cfg.Consortium.MaxMembers)
	}

	if cfg.API.OperatorEnabled {
		t.Error("Expected operator methods to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadDefault_Timing(t *testing.T) {
	cfg := LoadDefault()

	tests := []struct {
		name string
		got  string
		want time.Duration
	}{
		{"bid window", cfg.Auction.BidWindow, time.Second},
		{"bid deadline", cfg.Auction.BidDeadline, 5 * time.Second},
		{"response timeout", cfg.Negotiation.ResponseTimeout, 10 * time.Second},
		{"heartbeat", cfg.Heartbeat.Interval, 5 * time.Second},
		{"optimization deadline", cfg.Optimization.Deadline, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := ParseDuration(tt.got, 0); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configJSON := `{
		"agent": {
			"id": "node-a",
			"capabilities": [
				{"category": "nlp", "performance": 85, "cost": 2, "availability": 99}
			]
		},
		"network": {
			"listen_addr": "127.0.0.1:9090",
			"peers": ["10.0.0.2:7400", "10.0.0.3:7400"]
		},
		"auction": {
			"bid_window": "250ms"
		},
		"api": {
			"operator_enabled": true
		}
	}`

	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.ID != "node-a" {
		t.Errorf("Expected agent ID 'node-a', got %s", cfg.Agent.ID)
	}
	if len(cfg.Agent.Capabilities) != 1 || cfg.Agent.Capabilities[0].Category != "nlp" {
		t.Errorf("Expected one nlp capability, got %+v", cfg.Agent.Capabilities)
	}
	if len(cfg.Network.Peers) != 2 {
		t.Errorf("Expected 2 bootstrap peers, got %d", len(cfg.Network.Peers))
	}
	if got := ParseDuration(cfg.Auction.BidWindow, time.Second); got != 250*time.Millisecond {
		t.Errorf("Expected bid window 250ms, got %v", got)
	}
	if cfg.Auction.BidDeadline != "5s" {
		t.Errorf("Expected unspecified bid deadline to keep its default, got %s", cfg.Auction.BidDeadline)
	}
	if !cfg.API.OperatorEnabled {
		t.Error("Expected operator methods to be enabled")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MESH_AGENT_ID", "env-agent")
	t.Setenv("MESH_PEERS", "a:1, b:2,,")
	t.Setenv("MESH_OPERATOR_ENABLED", "true")
	t.Setenv("MESH_RETRY_MAX", "7")
	t.Setenv("MESH_LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg := LoadDefault()
	cfg.ApplyEnv()

	if cfg.Agent.ID != "env-agent" {
		t.Errorf("Expected agent ID 'env-agent', got %s", cfg.Agent.ID)
	}
	if len(cfg.Network.Peers) != 2 || cfg.Network.Peers[1] != "b:2" {
		t.Errorf("Expected peers [a:1 b:2], got %v", cfg.Network.Peers)
	}
	if !cfg.API.OperatorEnabled {
		t.Error("Expected operator methods to be enabled from env")
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("Expected 7 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Telemetry.Endpoint != "collector:4318" {
		t.Errorf("Expected OTEL endpoint fallback, got %q", cfg.Telemetry.Endpoint)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing agent id", func(c *Config) { c.Agent.ID = "" }},
		{"reserved agent id", func(c *Config) { c.Agent.ID = "broadcast" }},
		{"missing listen addr", func(c *Config) { c.Network.ListenAddr = "" }},
		{"zero members", func(c *Config) { c.Consortium.MaxMembers = 0 }},
		{"bad duration", func(c *Config) { c.Auction.BidWindow = "soon" }},
		{"negative duration", func(c *Config) { c.Heartbeat.Interval = "-1s" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"deadline before phases finish", func(c *Config) { c.Optimization.PhaseDelay = "2s"; c.Optimization.Deadline = "6s" }},
		{"deadline shorter than default phases", func(c *Config) { c.Optimization.Deadline = "5s" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidateAcceptsShortPhases(t *testing.T) {
	cfg := LoadDefault()
	cfg.Optimization.PhaseDelay = "10ms"
	cfg.Optimization.Deadline = "1s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestParseDurationFallback(t *testing.T) {
	if got := ParseDuration("", 3*time.Second); got != 3*time.Second {
		t.Errorf("Expected fallback for empty string, got %v", got)
	}
	if got := ParseDuration("nope", time.Second); got != time.Second {
		t.Errorf("Expected fallback for invalid string, got %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	if err != nil || level != slog.LevelWarn {
		t.Errorf("Expected warn level, got %v (%v)", level, err)
	}
}
