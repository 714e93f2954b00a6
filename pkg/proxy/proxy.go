// Package proxy implements the proxy group manager (§4.4): it mediates
// between the key-value store (runtime state), the multiplexer's on-disk
// config (source of truth for the multiplexer itself), and a directory of
// provider files (proxy node inventory).
package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dispider/control-plane/pkg/kv"
	"github.com/dispider/control-plane/pkg/runtime"
)

// KV keys used by the proxy group manager (§6).
const (
	keyGroupsList     = "proxy_groups_list"
	keyRRIndex        = "proxy_group_rr_index"
	keyHealth         = "proxy_group_health"
	keyFailureCount   = "proxy_group_failure_count"
	keyBlacklist      = "proxy_group_blacklist"
	keyLastCheck      = "proxy_group_last_check"
	keyContainerRules = "container_proxy_rules"

	// channelGroupBlacklisted is published each time a failed probe leaves a
	// group past the failure threshold and (re)blacklists it. Nothing in this
	// repository subscribes to it; it is a signal for external consumers.
	channelGroupBlacklisted = "proxy_group_blacklisted"
)

// Manager owns all proxy-group state: config merge and generation, health
// checking, assignment, reassignment, recovery, and diagnostics.
type Manager struct {
	kvStore *kv.Store
	rt      *runtime.Client
	clash   *ClashClient
	logger  *slog.Logger

	configPath         string
	providersDir       string
	multiplexerName    string
	failureThreshold   int
	blacklistDuration  time.Duration
	healthPeriod       time.Duration
	reassignmentPeriod time.Duration

	// fileMu serializes the read -> modify -> write -> restart sequence over
	// the on-disk config (§5); it is process-local, not distributed.
	fileMu sync.Mutex
}

// Config holds the tunables the orchestrator wires in from environment
// configuration (§6). Zero values fall back to the spec's fixed periods
// (60s / 120s, §4.4.2 / §4.4.4).
type Config struct {
	ConfigPath         string
	ProvidersDir       string
	MultiplexerName    string
	FailureThreshold   int
	BlacklistDuration  time.Duration
	HealthCheckPeriod  time.Duration
	ReassignmentPeriod time.Duration
}

// NewManager creates a proxy group Manager.
func NewManager(kvStore *kv.Store, rt *runtime.Client, clash *ClashClient, cfg Config, logger *slog.Logger) *Manager {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	blacklistDuration := cfg.BlacklistDuration
	if blacklistDuration <= 0 {
		blacklistDuration = 600 * time.Second
	}
	healthPeriod := cfg.HealthCheckPeriod
	if healthPeriod <= 0 {
		healthPeriod = defaultHealthCheckPeriod
	}
	reassignmentPeriod := cfg.ReassignmentPeriod
	if reassignmentPeriod <= 0 {
		reassignmentPeriod = defaultReassignmentPeriod
	}
	return &Manager{
		kvStore:            kvStore,
		rt:                 rt,
		clash:              clash,
		logger:             logger,
		configPath:         cfg.ConfigPath,
		providersDir:       cfg.ProvidersDir,
		multiplexerName:    cfg.MultiplexerName,
		failureThreshold:   threshold,
		blacklistDuration:  blacklistDuration,
		healthPeriod:       healthPeriod,
		reassignmentPeriod: reassignmentPeriod,
	}
}
