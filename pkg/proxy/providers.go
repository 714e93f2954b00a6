package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dispider/control-plane/internal/apperr"
)

// providerFile models the one field every provider YAML file is expected to
// carry: a list of proxy node dicts with at least a name.
type providerFile struct {
	Proxies []ruleNode `yaml:"proxies"`
}

// providerFilenamePattern matches the filenames this manager accepts for
// upload (§9: only word characters, dots, and hyphens, ending .yml/.yaml).
var providerFilenamePattern = regexp.MustCompile(`^[\w.-]+\.ya?ml$`)

// regionKeywords is the static, case-insensitive, first-match-wins table
// used to bucket proxy nodes by region (§4.4.1).
var regionOrder = []string{"HK", "TW", "JP", "SG", "US", "KR", "CA", "GB", "DE", "FR", "IT", "ES", "NL", "BE"}

var regionKeywords = map[string][]string{
	"HK": {"hk", "hong kong", "香港"},
	"TW": {"tw", "taiwan", "台湾", "臺灣"},
	"JP": {"jp", "japan", "日本"},
	"SG": {"sg", "singapore", "新加坡"},
	"US": {"us", "united states", "america", "美国"},
	"KR": {"kr", "korea", "韩国"},
	"CA": {"ca", "canada", "加拿大"},
	"GB": {"gb", "uk", "united kingdom", "britain", "英国"},
	"DE": {"de", "germany", "德国"},
	"FR": {"fr", "france", "法国"},
	"IT": {"it", "italy", "意大利"},
	"ES": {"es", "spain", "西班牙"},
	"NL": {"nl", "netherlands", "荷兰"},
	"BE": {"be", "belgium", "比利时"},
}

const (
	regionVirtual = "virtual"
	regionOther   = "other"
)

// classifyRegion returns the first region whose keyword table matches the
// node name, case-insensitively; "virtual" for nodes whose name mentions a
// virtual/relay node, else "other".
func classifyRegion(name string) string {
	lower := strings.ToLower(name)
	for _, region := range regionOrder {
		for _, kw := range regionKeywords[region] {
			if matchesKeyword(lower, kw) {
				return region
			}
		}
	}
	if strings.Contains(lower, "virtual") || strings.Contains(lower, "relay") {
		return regionVirtual
	}
	return regionOther
}

// matchesKeyword reports whether kw occurs in the lower-cased name. ASCII
// keywords match only when not flanked by other ASCII letters, so a short
// code such as "de" does not match inside "node"; CJK keywords match
// anywhere in the name.
func matchesKeyword(lower, kw string) bool {
	if kw[0] >= 0x80 {
		return strings.Contains(lower, kw)
	}
	return regexp.MustCompile(`(^|[^a-z])` + regexp.QuoteMeta(kw) + `([^a-z]|$)`).MatchString(lower)
}

const groupShardSize = 5

// loadProviders reads every YAML file in dir and merges their proxies:
// lists, dropping duplicate names (first file wins, later duplicates
// logged).
func (m *Manager) loadProviders(ctx context.Context) ([]ruleNode, error) {
	entries, err := os.ReadDir(m.providersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading providers dir: %w", err)
	}

	seen := make(map[string]bool)
	var merged []ruleNode
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".yaml") && !strings.HasSuffix(strings.ToLower(e.Name()), ".yml") {
			continue
		}
		path := filepath.Join(m.providersDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("skipping unreadable provider file", "file", path, "error", err)
			continue
		}
		var pf providerFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			m.logger.Warn("skipping malformed provider file", "file", path, "error", err)
			continue
		}
		for _, node := range pf.Proxies {
			if node.Name == "" {
				continue
			}
			if seen[node.Name] {
				m.logger.Warn("dropping duplicate proxy node", "name", node.Name, "file", path)
				continue
			}
			seen[node.Name] = true
			merged = append(merged, node)
		}
	}
	return merged, nil
}

// generateGroups partitions nodes by region and emits url-test groups,
// sharding regions with more than groupShardSize nodes (§4.4.1).
func generateGroups(nodes []ruleNode) []proxyGroup {
	byRegion := make(map[string][]string)
	var order []string
	for _, node := range nodes {
		region := classifyRegion(node.Name)
		if _, ok := byRegion[region]; !ok {
			order = append(order, region)
		}
		byRegion[region] = append(byRegion[region], node.Name)
	}
	sort.Strings(order)

	var groups []proxyGroup
	for _, region := range order {
		names := byRegion[region]
		if len(names) <= groupShardSize {
			groups = append(groups, newURLTestGroup(fmt.Sprintf("[Auto] %s", region), names))
			continue
		}
		shard := 1
		for i := 0; i < len(names); i += groupShardSize {
			end := i + groupShardSize
			if end > len(names) {
				end = len(names)
			}
			name := fmt.Sprintf("[Auto] %s-%02d", region, shard)
			groups = append(groups, newURLTestGroup(name, names[i:end]))
			shard++
		}
	}
	return groups
}

func newURLTestGroup(name string, proxies []string) proxyGroup {
	return proxyGroup{
		Name:      name,
		Type:      "url-test",
		Proxies:   proxies,
		URL:       probeURL,
		Interval:  30,
		Tolerance: 50,
		Timeout:   3000,
		Lazy:      false,
	}
}

// RefreshConfig performs a full provider merge: load every provider file,
// generate groups, merge into the on-disk config (preserving rules modulo
// the sweep), persist the group list to the KV store, rewrite the file, and
// restart the multiplexer (§4.4.1).
func (m *Manager) RefreshConfig(ctx context.Context) error {
	nodes, err := m.loadProviders(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "loading proxy providers", err)
	}
	groups := generateGroups(nodes)
	groupNames := make([]string, len(groups))
	for i, g := range groups {
		groupNames[i] = g.Name
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	cfg, err := loadConfig(m.configPath)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "loading multiplexer config", err)
	}
	cfg.Proxies = nodes
	cfg.ProxyGroups = groups
	cfg.Rules = sweepRules(cfg.Rules, groupNames)

	if err := writeConfig(m.configPath, cfg); err != nil {
		return apperr.Wrap(apperr.Internal, "writing multiplexer config", err)
	}
	if err := m.kvStore.SetList(ctx, keyGroupsList, groupNames); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting group list", err)
	}
	if err := m.reloadMultiplexer(ctx); err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, "reloading multiplexer", err)
	}
	return nil
}

func (m *Manager) reloadMultiplexer(ctx context.Context) error {
	return m.rt.RestartByName(ctx, m.multiplexerName)
}

// UploadProvider validates a provider filename and writes its contents into
// the providers directory. The config is not automatically refreshed; the
// caller invokes RefreshConfig separately (§6).
func (m *Manager) UploadProvider(filename string, contents []byte) error {
	if !providerFilenameValid(filename) {
		return apperr.New(apperr.InvalidArgument, fmt.Sprintf("unsafe provider filename %q", filename))
	}
	path := filepath.Join(m.providersDir, filename)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return apperr.Wrap(apperr.Internal, "writing provider file", err)
	}
	return nil
}

func providerFilenameValid(name string) bool {
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return false
	}
	return providerFilenamePattern.MatchString(name)
}
