package proxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dispider/control-plane/internal/telemetry"
)

const (
	defaultHealthCheckPeriod = 60 * time.Second
	healthCheckErrorBackoff  = 30 * time.Second
	healthProbeUnhealthyMS   = 5000
	healthProbeWorkerPool    = 10
)

// RunHealthLoop checks every group's delay on a fixed period until ctx is
// canceled. A failing iteration is logged and the loop backs off before
// retrying rather than aborting (§4.4.2, §7).
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthPeriod)
	defer ticker.Stop()

	for {
		if err := m.runHealthIteration(ctx); err != nil {
			m.logger.Error("health check iteration failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(healthCheckErrorBackoff):
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

func (m *Manager) runHealthIteration(ctx context.Context) error {
	groups, err := m.kvStore.GetList(ctx, keyGroupsList)
	if err != nil {
		return fmt.Errorf("reading group list: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	sem := make(chan struct{}, healthProbeWorkerPool)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group string) {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkGroupHealth(ctx, group)
		}(group)
	}
	wg.Wait()
	return nil
}

func (m *Manager) checkGroupHealth(ctx context.Context, group string) {
	start := time.Now()
	delay, err := m.clash.Probe(ctx, group, 5000)
	elapsed := time.Since(start).Seconds()
	healthy := err == nil && delay < healthProbeUnhealthyMS
	now := time.Now().Unix()

	outcome := "healthy"
	if !healthy {
		outcome = "unhealthy"
	}
	telemetry.ProxyGroupHealthChecksTotal.WithLabelValues(outcome).Inc()

	healthValue := fmt.Sprintf("%t:%.3f:%d", healthy, elapsed, now)
	if err := m.kvStore.HSet(ctx, keyHealth, group, healthValue); err != nil {
		m.logger.Error("recording group health", "group", group, "error", err)
	}
	if err := m.kvStore.HSet(ctx, keyLastCheck, group, strconv.FormatInt(now, 10)); err != nil {
		m.logger.Error("recording group last check", "group", group, "error", err)
	}

	if healthy {
		if err := m.kvStore.HDel(ctx, keyFailureCount, group); err != nil {
			m.logger.Error("clearing group failure count", "group", group, "error", err)
		}
		if err := m.kvStore.HDel(ctx, keyBlacklist, group); err != nil {
			m.logger.Error("clearing group blacklist", "group", group, "error", err)
		}
		return
	}

	count, err := m.incrementFailureCount(ctx, group)
	if err != nil {
		m.logger.Error("incrementing group failure count", "group", group, "error", err)
		return
	}
	if count > m.failureThreshold {
		until := time.Now().Add(m.blacklistDuration).Unix()
		if err := m.kvStore.HSet(ctx, keyBlacklist, group, strconv.FormatInt(until, 10)); err != nil {
			m.logger.Error("blacklisting group", "group", group, "error", err)
			return
		}
		telemetry.ProxyGroupBlacklistedTotal.Inc()
		if err := m.kvStore.Publish(ctx, channelGroupBlacklisted, group); err != nil {
			m.logger.Warn("publishing group blacklisted event", "group", group, "error", err)
		}
	}
}

func (m *Manager) incrementFailureCount(ctx context.Context, group string) (int, error) {
	current, ok, err := m.kvStore.HGet(ctx, keyFailureCount, group)
	if err != nil {
		return 0, err
	}
	count := 0
	if ok {
		count, _ = strconv.Atoi(current)
	}
	count++
	if err := m.kvStore.HSet(ctx, keyFailureCount, group, strconv.Itoa(count)); err != nil {
		return 0, err
	}
	return count, nil
}

// groupHealth is the parsed form of a proxy_group_health value.
type groupHealth struct {
	Healthy         bool
	ResponseSeconds float64
	LastCheckTS     int64
}

func parseGroupHealth(raw string) (groupHealth, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return groupHealth{}, false
	}
	healthy, err1 := strconv.ParseBool(parts[0])
	seconds, err2 := strconv.ParseFloat(parts[1], 64)
	ts, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return groupHealth{}, false
	}
	return groupHealth{Healthy: healthy, ResponseSeconds: seconds, LastCheckTS: ts}, true
}
