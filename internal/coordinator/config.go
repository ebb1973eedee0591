package coordinator

import (
	"time"

	"github.com/candlefish-ai/meshcoord/internal/auction"
	"github.com/candlefish-ai/meshcoord/internal/config"
	"github.com/candlefish-ai/meshcoord/internal/consortium"
	"github.com/candlefish-ai/meshcoord/internal/negotiation"
	"github.com/candlefish-ai/meshcoord/internal/optimize"
	"github.com/candlefish-ai/meshcoord/internal/peer"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

// Config holds everything a Node needs besides its collaborators
type Config struct {
	Agent        mesh.Agent
	Auction      auction.Config
	Negotiation  negotiation.Config
	Consortium   consortium.Config
	Optimization optimize.Config
	Retry        peer.RetryConfig

	// HeartbeatInterval drives heartbeat broadcasts and the stale sweep; zero disables both.
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	// SyncInterval drives consensus snapshot broadcasts; zero disables them.
	SyncInterval time.Duration
	InboxSize    int
}

// DefaultConfig returns a node configuration for agentID with standard timing
func DefaultConfig(agentID string) Config {
	return Config{
		Agent: mesh.Agent{
			ID:     agentID,
			Name:   agentID,
			Status: mesh.StatusIdle,
			Health: 100,
			Wallet: mesh.Wallet{Credits: 100},
		},
		Auction:           auction.DefaultConfig(),
		Negotiation:       negotiation.DefaultConfig(),
		Consortium:        consortium.DefaultConfig(),
		Optimization:      optimize.DefaultConfig(),
		Retry:             peer.DefaultRetryConfig(),
		HeartbeatInterval: 5 * time.Second,
		StaleAfter:        30 * time.Second,
		SyncInterval:      10 * time.Second,
		InboxSize:         1024,
	}
}

// ConfigFrom translates the file configuration into a node configuration
func ConfigFrom(c *config.Config) Config {
	cfg := DefaultConfig(c.Agent.ID)
	if c.Agent.Name != "" {
		cfg.Agent.Name = c.Agent.Name
	}
	cfg.Agent.Endpoint = c.Network.ListenAddr
	cfg.Agent.Wallet.Credits = c.Agent.Credits
	for _, capCfg := range c.Agent.Capabilities {
		cfg.Agent.Capabilities = append(cfg.Agent.Capabilities, mesh.Capability{
			Category:     capCfg.Category,
			Performance:  capCfg.Performance,
			Cost:         capCfg.Cost,
			Availability: capCfg.Availability,
		})
	}

	cfg.Auction.BidWindow = config.ParseDuration(c.Auction.BidWindow, cfg.Auction.BidWindow)
	cfg.Auction.BidDeadline = config.ParseDuration(c.Auction.BidDeadline, cfg.Auction.BidDeadline)
	if c.Auction.History > 0 {
		cfg.Auction.History = c.Auction.History
	}
	cfg.Negotiation.ResponseTimeout = config.ParseDuration(c.Negotiation.ResponseTimeout, cfg.Negotiation.ResponseTimeout)
	if c.Consortium.MaxMembers > 0 {
		cfg.Consortium.MaxMembers = c.Consortium.MaxMembers
	}
	if c.Consortium.RewardShare > 0 {
		cfg.Consortium.RewardShare = c.Consortium.RewardShare
	}
	cfg.Optimization.PhaseDelay = config.ParseDuration(c.Optimization.PhaseDelay, cfg.Optimization.PhaseDelay)
	cfg.Optimization.Deadline = config.ParseDuration(c.Optimization.Deadline, cfg.Optimization.Deadline)

	cfg.Retry.InitialInterval = config.ParseDuration(c.Retry.InitialInterval, cfg.Retry.InitialInterval)
	cfg.Retry.MaxInterval = config.ParseDuration(c.Retry.MaxInterval, cfg.Retry.MaxInterval)
	cfg.Retry.MaxRetries = c.Retry.MaxRetries

	cfg.HeartbeatInterval = config.ParseDuration(c.Heartbeat.Interval, cfg.HeartbeatInterval)
	cfg.StaleAfter = config.ParseDuration(c.Heartbeat.StaleAfter, cfg.StaleAfter)
	cfg.SyncInterval = config.ParseDuration(c.Consensus.SyncInterval, cfg.SyncInterval)
	return cfg
}
