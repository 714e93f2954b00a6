package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/dispider/control-plane/internal/telemetry"
)

const (
	defaultReassignmentPeriod = 120 * time.Second
	reassignmentErrorBackoff  = 60 * time.Second
)

// RunReassignmentLoop moves containers off blacklisted groups on a fixed
// period until ctx is canceled (§4.4.4).
func (m *Manager) RunReassignmentLoop(ctx context.Context) {
	ticker := time.NewTicker(m.reassignmentPeriod)
	defer ticker.Stop()

	for {
		if err := m.runReassignmentIteration(ctx); err != nil {
			m.logger.Error("reassignment iteration failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reassignmentErrorBackoff):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) runReassignmentIteration(ctx context.Context) error {
	rules, err := m.kvStore.HGetAll(ctx, keyContainerRules)
	if err != nil {
		return fmt.Errorf("reading container proxy rules: %w", err)
	}
	blacklist, err := m.kvStore.HGetAll(ctx, keyBlacklist)
	if err != nil {
		return fmt.Errorf("reading blacklist: %w", err)
	}
	if len(blacklist) == 0 {
		return nil
	}

	now := time.Now().Unix()
	for containerIP, rule := range rules {
		_, group, ok := parseSrcIPRule(rule)
		if !ok {
			continue
		}
		until, blacklisted := blacklist[group]
		if !blacklisted {
			continue
		}
		if expired(until, now) {
			continue
		}

		oldGroup, newGroup, err := m.ForceReassign(ctx, containerIP)
		if err != nil {
			m.logger.Error("reassigning container off blacklisted group", "container_ip", containerIP, "group", group, "error", err)
			continue
		}
		telemetry.ProxyReassignmentsTotal.Inc()
		m.logger.Info("reassigned container off blacklisted group", "container_ip", containerIP, "old_group", oldGroup, "new_group", newGroup)
	}
	return nil
}

func expired(untilStr string, now int64) bool {
	var until int64
	if _, err := fmt.Sscanf(untilStr, "%d", &until); err != nil {
		return true
	}
	return until <= now
}
