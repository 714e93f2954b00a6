package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// GroupHealth is a single row of the groups-health report (§4.4.6).
type GroupHealth struct {
	Name            string
	IsHealthy       bool
	ResponseSeconds float64
	FailureCount    int
	IsBlacklisted   bool
	LastCheckTS     int64
	BlacklistUntil  *int64
}

// GroupsHealthReport lists every group's health plus overall counts.
type GroupsHealthReport struct {
	Groups         []GroupHealth
	HealthyCount   int
	TotalCount     int
}

// GroupsHealth reports the health of every configured group.
func (m *Manager) GroupsHealth(ctx context.Context) (GroupsHealthReport, error) {
	groups, err := m.kvStore.GetList(ctx, keyGroupsList)
	if err != nil {
		return GroupsHealthReport{}, fmt.Errorf("reading group list: %w", err)
	}
	healthRaw, err := m.kvStore.HGetAll(ctx, keyHealth)
	if err != nil {
		return GroupsHealthReport{}, fmt.Errorf("reading group health: %w", err)
	}
	failureCounts, err := m.kvStore.HGetAll(ctx, keyFailureCount)
	if err != nil {
		return GroupsHealthReport{}, fmt.Errorf("reading failure counts: %w", err)
	}
	blacklist, err := m.kvStore.HGetAll(ctx, keyBlacklist)
	if err != nil {
		return GroupsHealthReport{}, fmt.Errorf("reading blacklist: %w", err)
	}

	report := GroupsHealthReport{TotalCount: len(groups)}
	for _, g := range groups {
		gh := GroupHealth{Name: g}
		if raw, ok := healthRaw[g]; ok {
			if parsed, ok := parseGroupHealth(raw); ok {
				gh.IsHealthy = parsed.Healthy
				gh.ResponseSeconds = parsed.ResponseSeconds
				gh.LastCheckTS = parsed.LastCheckTS
			}
		}
		if raw, ok := failureCounts[g]; ok {
			gh.FailureCount, _ = strconv.Atoi(raw)
		}
		if raw, ok := blacklist[g]; ok {
			until, err := strconv.ParseInt(raw, 10, 64)
			if err == nil && until > time.Now().Unix() {
				gh.IsBlacklisted = true
				gh.BlacklistUntil = &until
			}
		}
		if gh.IsHealthy {
			report.HealthyCount++
		}
		report.Groups = append(report.Groups, gh)
	}
	return report, nil
}

// ContainerMapping is a single container's current proxy assignment.
type ContainerMapping struct {
	ContainerIP   string
	AssignedGroup string
	Rule          string
}

// ContainerMappingsReport lists all mappings plus a bucket-by-group view.
type ContainerMappingsReport struct {
	Mappings []ContainerMapping
	ByGroup  map[string][]string
}

// ContainerMappings reports every container's current proxy assignment.
func (m *Manager) ContainerMappings(ctx context.Context) (ContainerMappingsReport, error) {
	rules, err := m.kvStore.HGetAll(ctx, keyContainerRules)
	if err != nil {
		return ContainerMappingsReport{}, fmt.Errorf("reading container proxy rules: %w", err)
	}
	report := ContainerMappingsReport{ByGroup: make(map[string][]string)}
	for ip, rule := range rules {
		_, group, ok := parseSrcIPRule(rule)
		if !ok {
			continue
		}
		report.Mappings = append(report.Mappings, ContainerMapping{ContainerIP: ip, AssignedGroup: group, Rule: rule})
		report.ByGroup[group] = append(report.ByGroup[group], ip)
	}
	return report, nil
}

// Overall status bands for the system summary (§4.4.6).
const (
	SystemHealthy   = "healthy"
	SystemDegraded  = "degraded"
	SystemUnhealthy = "unhealthy"
)

// SystemSummary is the overall proxy subsystem status.
type SystemSummary struct {
	Status       string
	HealthyCount int
	TotalCount   int
}

// Summary derives an overall status band from the healthy/total ratio.
func (m *Manager) Summary(ctx context.Context) (SystemSummary, error) {
	health, err := m.GroupsHealth(ctx)
	if err != nil {
		return SystemSummary{}, err
	}
	if health.TotalCount == 0 {
		return SystemSummary{Status: SystemUnhealthy, HealthyCount: 0, TotalCount: 0}, nil
	}
	ratio := float64(health.HealthyCount) / float64(health.TotalCount)
	status := SystemUnhealthy
	switch {
	case ratio >= 0.8:
		status = SystemHealthy
	case ratio >= 0.5:
		status = SystemDegraded
	}
	return SystemSummary{Status: status, HealthyCount: health.HealthyCount, TotalCount: health.TotalCount}, nil
}

// DiagnosticIssue is a single finding from Diagnose.
type DiagnosticIssue struct {
	Severity       string
	Message        string
	Recommendation string
}

// DiagnoseReport is the result of probing the multiplexer's own endpoints
// and cross-referencing them against this manager's expected state.
type DiagnoseReport struct {
	Reachable bool
	Version   map[string]any
	Configs   map[string]any
	Proxies   map[string]any
	Issues    []DiagnosticIssue
}

// ClashStatus probes the multiplexer's own endpoints without judgment.
func (m *Manager) ClashStatus(ctx context.Context) (DiagnoseReport, error) {
	report := DiagnoseReport{}
	version, err := m.clash.Version(ctx)
	if err != nil {
		return DiagnoseReport{Reachable: false}, fmt.Errorf("probing multiplexer version: %w", err)
	}
	report.Reachable = true
	report.Version = version

	if configs, err := m.clash.Configs(ctx); err == nil {
		report.Configs = configs
	}
	if proxies, err := m.clash.Proxies(ctx); err == nil {
		report.Proxies = proxies
	}
	return report, nil
}

// Diagnose runs ClashStatus plus this manager's own health state and
// classifies issues with recommendations, the fuller companion to
// ClashStatus (§4.4.6, supplemented from the original recommendation table).
func (m *Manager) Diagnose(ctx context.Context) (DiagnoseReport, error) {
	report, err := m.ClashStatus(ctx)
	if err != nil {
		report.Issues = append(report.Issues, DiagnosticIssue{
			Severity:       "critical",
			Message:        "multiplexer admin API is unreachable",
			Recommendation: "verify the multiplexer container is running and its admin port is reachable from the control plane",
		})
		return report, nil
	}

	if report.Proxies == nil || len(report.Proxies) == 0 {
		report.Issues = append(report.Issues, DiagnosticIssue{
			Severity:       "warning",
			Message:        "multiplexer reports no proxies configured",
			Recommendation: "upload at least one provider file and refresh the proxy config",
		})
	}

	health, err := m.GroupsHealth(ctx)
	if err == nil {
		if health.TotalCount == 0 {
			report.Issues = append(report.Issues, DiagnosticIssue{
				Severity:       "warning",
				Message:        "no proxy groups are registered with the control plane",
				Recommendation: "run a config refresh to regenerate groups from the provider inventory",
			})
		}
		for _, g := range health.Groups {
			if g.IsBlacklisted {
				report.Issues = append(report.Issues, DiagnosticIssue{
					Severity:       "warning",
					Message:        fmt.Sprintf("group %s is blacklisted (failure_count=%d)", g.Name, g.FailureCount),
					Recommendation: "investigate upstream connectivity for this group, or clear the blacklist once the underlying nodes recover",
				})
			}
		}
	}

	return report, nil
}
