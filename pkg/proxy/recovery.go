package proxy

import (
	"context"
	"fmt"
)

// RecoverMappings reads every SRC-IP-CIDR rule from the on-disk config and
// repopulates container_proxy_rules, restoring assignments after a KV-store
// restart (§4.4.5). It runs before the health and reassignment loops start.
func (m *Manager) RecoverMappings(ctx context.Context) error {
	m.fileMu.Lock()
	cfg, err := loadConfig(m.configPath)
	m.fileMu.Unlock()
	if err != nil {
		return fmt.Errorf("loading multiplexer config: %w", err)
	}

	recovered := 0
	for _, rule := range cfg.Rules {
		ip, group, ok := parseSrcIPRule(rule)
		if !ok || group == "" {
			continue
		}
		if err := m.kvStore.HSet(ctx, keyContainerRules, ip, rule); err != nil {
			return fmt.Errorf("recovering rule for %s: %w", ip, err)
		}
		recovered++
	}
	m.logger.Info("recovered container proxy mappings from on-disk config", "count", recovered)
	return nil
}

// InitializeManager ensures the group list is populated, running a full
// config merge if the KV store's group list is currently empty (§4.5).
func (m *Manager) InitializeManager(ctx context.Context) error {
	existing, err := m.kvStore.GetList(ctx, keyGroupsList)
	if err != nil {
		return fmt.Errorf("reading group list: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	return m.RefreshConfig(ctx)
}

// ClearBlacklist removes the blacklist entry for a single group, or every
// group if groupName is empty. Returns the group names cleared.
func (m *Manager) ClearBlacklist(ctx context.Context, groupName string) ([]string, error) {
	if groupName != "" {
		if err := m.kvStore.HDel(ctx, keyBlacklist, groupName); err != nil {
			return nil, fmt.Errorf("clearing blacklist entry for %s: %w", groupName, err)
		}
		return []string{groupName}, nil
	}

	all, err := m.kvStore.HGetAll(ctx, keyBlacklist)
	if err != nil {
		return nil, fmt.Errorf("reading blacklist: %w", err)
	}
	cleared := make([]string, 0, len(all))
	for g := range all {
		if err := m.kvStore.HDel(ctx, keyBlacklist, g); err != nil {
			return cleared, fmt.Errorf("clearing blacklist entry for %s: %w", g, err)
		}
		cleared = append(cleared, g)
	}
	return cleared, nil
}
