// Package config loads meshd configuration from a JSON file with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete configuration for a mesh node
type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Network      NetworkConfig      `json:"network"`
	Auction      AuctionConfig      `json:"auction"`
	Negotiation  NegotiationConfig  `json:"negotiation"`
	Consortium   ConsortiumConfig   `json:"consortium"`
	Optimization OptimizationConfig `json:"optimization"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`
	Consensus    ConsensusConfig    `json:"consensus"`
	Retry        RetryConfig        `json:"retry"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
	Audit        AuditConfig        `json:"audit"`
	Log          LogConfig          `json:"log"`
	API          APIConfig          `json:"api"`
}

// AgentConfig describes the local agent
type AgentConfig struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Capabilities []CapabilityConfig `json:"capabilities"`
	Credits      float64            `json:"credits"`
}

// CapabilityConfig is one advertised capability
type CapabilityConfig struct {
	Category     string  `json:"category"`
	Performance  float64 `json:"performance"`
	Cost         float64 `json:"cost"`
	Availability float64 `json:"availability"`
}

// NetworkConfig contains listener and bootstrap peer configuration
type NetworkConfig struct {
	ListenAddr     string   `json:"listen_addr"`
	Peers          []string `json:"peers"`           // dialed at startup
	ConnectTimeout string   `json:"connect_timeout"` // e.g. "5s"
}

type AuctionConfig struct {
	BidWindow   string `json:"bid_window"`
	BidDeadline string `json:"bid_deadline"`
	History     int    `json:"history"`
}

type NegotiationConfig struct {
	ResponseTimeout string `json:"response_timeout"`
}

type ConsortiumConfig struct {
	MaxMembers  int     `json:"max_members"`
	RewardShare float64 `json:"reward_share"` // percent
}

type OptimizationConfig struct {
	PhaseDelay string `json:"phase_delay"`
	Deadline   string `json:"deadline"`
}

type HeartbeatConfig struct {
	Interval   string `json:"interval"`
	StaleAfter string `json:"stale_after"`
}

type ConsensusConfig struct {
	SyncInterval string `json:"sync_interval"`
}

// RetryConfig bounds critical sends
type RetryConfig struct {
	InitialInterval string `json:"initial_interval"`
	MaxInterval     string `json:"max_interval"`
	MaxRetries      int    `json:"max_retries"`
}

// TelemetryConfig configures OTLP export; an empty endpoint disables it
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// AuditConfig configures the event journal
type AuditConfig struct {
	MaxEntries int    `json:"max_entries"`
	SQLitePath string `json:"sqlite_path,omitempty"` // optional on-disk history
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// APIConfig controls the HTTP snapshot API
type APIConfig struct {
	// OperatorEnabled exposes the mutating JSON-RPC methods.
	OperatorEnabled bool `json:"operator_enabled"`
}

// Load reads configuration from a JSON file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := LoadDefault()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault returns a configuration with sensible defaults
func LoadDefault() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:           "mesh-agent",
			Name:         "mesh-agent",
			Capabilities: []CapabilityConfig{},
			Credits:      100,
		},
		Network: NetworkConfig{
			ListenAddr:     "0.0.0.0:7400",
			Peers:          []string{},
			ConnectTimeout: "5s",
		},
		Auction: AuctionConfig{
			BidWindow:   "1s",
			BidDeadline: "5s",
			History:     100,
		},
		Negotiation: NegotiationConfig{
			ResponseTimeout: "10s",
		},
		Consortium: ConsortiumConfig{
			MaxMembers:  3,
			RewardShare: 30,
		},
		Optimization: OptimizationConfig{
			PhaseDelay: "2s",
			Deadline:   "30s",
		},
		Heartbeat: HeartbeatConfig{
			Interval:   "5s",
			StaleAfter: "30s",
		},
		Consensus: ConsensusConfig{
			SyncInterval: "10s",
		},
		Retry: RetryConfig{
			InitialInterval: "100ms",
			MaxInterval:     "2s",
			MaxRetries:      4,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "meshd",
			Insecure:    true,
		},
		Audit: AuditConfig{
			MaxEntries: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ApplyEnv overrides fields from MESH_* environment variables
func (c *Config) ApplyEnv() {
	c.Agent.ID = envStr("MESH_AGENT_ID", c.Agent.ID)
	c.Agent.Name = envStr("MESH_AGENT_NAME", c.Agent.Name)
	c.Network.ListenAddr = envStr("MESH_LISTEN_ADDR", c.Network.ListenAddr)
	if v := os.Getenv("MESH_PEERS"); v != "" {
		c.Network.Peers = splitList(v)
	}
	c.Auction.BidWindow = envStr("MESH_BID_WINDOW", c.Auction.BidWindow)
	c.Negotiation.ResponseTimeout = envStr("MESH_NEGOTIATION_TIMEOUT", c.Negotiation.ResponseTimeout)
	c.Heartbeat.Interval = envStr("MESH_HEARTBEAT_INTERVAL", c.Heartbeat.Interval)
	c.Retry.MaxRetries = envInt("MESH_RETRY_MAX", c.Retry.MaxRetries)
	c.Telemetry.Endpoint = envStr("MESH_OTEL_ENDPOINT", envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint))
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Insecure = envBool("MESH_OTEL_INSECURE", c.Telemetry.Insecure)
	c.Audit.SQLitePath = envStr("MESH_AUDIT_DB", c.Audit.SQLitePath)
	c.Log.Level = envStr("MESH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("MESH_LOG_FORMAT", c.Log.Format)
	c.API.OperatorEnabled = envBool("MESH_OPERATOR_ENABLED", c.API.OperatorEnabled)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config: agent.id is required")
	}
	if c.Agent.ID == "broadcast" {
		return fmt.Errorf("config: agent.id %q is reserved", c.Agent.ID)
	}
	if c.Network.ListenAddr == "" {
		return fmt.Errorf("config: network.listen_addr is required")
	}
	if c.Consortium.MaxMembers <= 0 {
		return fmt.Errorf("config: consortium.max_members must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must not be negative")
	}

	durations := map[string]string{
		"network.connect_timeout":      c.Network.ConnectTimeout,
		"auction.bid_window":           c.Auction.BidWindow,
		"auction.bid_deadline":         c.Auction.BidDeadline,
		"negotiation.response_timeout": c.Negotiation.ResponseTimeout,
		"optimization.phase_delay":     c.Optimization.PhaseDelay,
		"optimization.deadline":        c.Optimization.Deadline,
		"heartbeat.interval":           c.Heartbeat.Interval,
		"heartbeat.stale_after":        c.Heartbeat.StaleAfter,
		"consensus.sync_interval":      c.Consensus.SyncInterval,
		"retry.initial_interval":       c.Retry.InitialInterval,
		"retry.max_interval":           c.Retry.MaxInterval,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", name, v)
		}
	}

	// an optimization run needs three phases before its deadline
	phase := ParseDuration(c.Optimization.PhaseDelay, 2*time.Second)
	deadline := ParseDuration(c.Optimization.Deadline, 30*time.Second)
	if deadline <= 3*phase {
		return fmt.Errorf("config: optimization.deadline %s must exceed three phase delays (%s)", deadline, 3*phase)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("config: log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// ParseDuration parses s, returning fallback when s is empty or invalid
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParseLevel converts a log level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", level)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
