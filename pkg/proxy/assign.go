package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// healthyGroups returns the group list minus any currently blacklisted
// group, sweeping expired blacklist entries as it reads them (§4.4.3).
func (m *Manager) healthyGroups(ctx context.Context) ([]string, map[string]int, error) {
	all, err := m.kvStore.GetList(ctx, keyGroupsList)
	if err != nil {
		return nil, nil, fmt.Errorf("reading group list: %w", err)
	}
	blacklist, err := m.kvStore.HGetAll(ctx, keyBlacklist)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blacklist: %w", err)
	}
	failureCounts, err := m.kvStore.HGetAll(ctx, keyFailureCount)
	if err != nil {
		return nil, nil, fmt.Errorf("reading failure counts: %w", err)
	}

	now := time.Now().Unix()
	counts := make(map[string]int, len(all))
	for _, g := range all {
		n, _ := strconv.Atoi(failureCounts[g])
		counts[g] = n
	}

	var healthy []string
	for _, g := range all {
		until, ok := blacklist[g]
		if !ok {
			healthy = append(healthy, g)
			continue
		}
		ts, err := strconv.ParseInt(until, 10, 64)
		if err != nil || ts <= now {
			if err := m.kvStore.HDel(ctx, keyBlacklist, g); err != nil {
				m.logger.Warn("sweeping expired blacklist entry", "group", g, "error", err)
			}
			healthy = append(healthy, g)
		}
	}
	return healthy, counts, nil
}

// leastFailureGroup returns the group with the smallest failure count among
// the full group list, breaking ties by first occurrence.
func leastFailureGroup(all []string, counts map[string]int) (string, bool) {
	best := ""
	bestCount := 0
	found := false
	for _, g := range all {
		c := counts[g]
		if !found || c < bestCount {
			best, bestCount, found = g, c, true
		}
	}
	return best, found
}

// Assign picks a proxy group for a container IP, writes the corresponding
// routing rule to the on-disk config, and records the mapping (§4.4.3).
func (m *Manager) Assign(ctx context.Context, containerIP string) (string, error) {
	healthy, counts, err := m.healthyGroups(ctx)
	if err != nil {
		return "", fmt.Errorf("computing healthy groups: %w", err)
	}

	var group string
	if len(healthy) > 0 {
		idx, err := m.kvStore.Incr(ctx, keyRRIndex)
		if err != nil {
			return "", fmt.Errorf("incrementing round-robin counter: %w", err)
		}
		group = healthy[(int(idx)-1)%len(healthy)]
	} else {
		all, err := m.kvStore.GetList(ctx, keyGroupsList)
		if err != nil {
			return "", fmt.Errorf("reading group list: %w", err)
		}
		g, ok := leastFailureGroup(all, counts)
		if !ok {
			return "", fmt.Errorf("no proxy groups configured")
		}
		m.logger.Warn("all proxy groups blacklisted, falling back to least-failure group", "group", g)
		group = g
	}

	if err := m.writeAssignmentRule(ctx, containerIP, group); err != nil {
		return "", err
	}
	return group, nil
}

func (m *Manager) writeAssignmentRule(ctx context.Context, containerIP, group string) error {
	rule := buildSrcIPRule(containerIP, group)

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	cfg, err := loadConfig(m.configPath)
	if err != nil {
		return fmt.Errorf("loading multiplexer config: %w", err)
	}
	cfg.Rules = append([]string{rule}, cfg.Rules...)
	if err := writeConfig(m.configPath, cfg); err != nil {
		return fmt.Errorf("writing multiplexer config: %w", err)
	}
	if err := m.reloadMultiplexer(ctx); err != nil {
		return fmt.Errorf("reloading multiplexer: %w", err)
	}

	if err := m.kvStore.HSet(ctx, keyContainerRules, containerIP, rule); err != nil {
		return fmt.Errorf("recording container proxy rule: %w", err)
	}
	return nil
}

// Release removes a container's proxy assignment. The KV mapping is always
// deleted, even if the on-disk file manipulation fails (§4.4.3); a failure
// there is logged but never surfaces to the caller.
func (m *Manager) Release(ctx context.Context, containerIP string) {
	rule, ok, err := m.kvStore.HGet(ctx, keyContainerRules, containerIP)
	if err != nil {
		m.logger.Warn("looking up container proxy rule", "container_ip", containerIP, "error", err)
		return
	}
	if !ok {
		return
	}

	func() {
		m.fileMu.Lock()
		defer m.fileMu.Unlock()

		cfg, err := loadConfig(m.configPath)
		if err != nil {
			m.logger.Warn("loading multiplexer config during release", "container_ip", containerIP, "error", err)
			return
		}
		filtered := make([]string, 0, len(cfg.Rules))
		removed := false
		for _, r := range cfg.Rules {
			if r == rule {
				removed = true
				continue
			}
			filtered = append(filtered, r)
		}
		if !removed {
			return
		}
		cfg.Rules = filtered
		if err := writeConfig(m.configPath, cfg); err != nil {
			m.logger.Warn("writing multiplexer config during release", "container_ip", containerIP, "error", err)
			return
		}
		if err := m.reloadMultiplexer(ctx); err != nil {
			m.logger.Warn("reloading multiplexer during release", "container_ip", containerIP, "error", err)
		}
	}()

	if err := m.kvStore.HDel(ctx, keyContainerRules, containerIP); err != nil {
		m.logger.Warn("clearing container proxy rule mapping", "container_ip", containerIP, "error", err)
	}
}

// ForceReassign releases a container's current assignment and assigns a new
// one, returning the before/after group names.
func (m *Manager) ForceReassign(ctx context.Context, containerIP string) (oldGroup, newGroup string, err error) {
	rule, ok, err := m.kvStore.HGet(ctx, keyContainerRules, containerIP)
	if err != nil {
		return "", "", fmt.Errorf("looking up current assignment: %w", err)
	}
	if ok {
		_, oldGroup, _ = parseSrcIPRule(rule)
	}

	m.Release(ctx, containerIP)

	newGroup, err = m.Assign(ctx, containerIP)
	if err != nil {
		return oldGroup, "", err
	}
	return oldGroup, newGroup, nil
}
