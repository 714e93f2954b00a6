package proxy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleNode is a single proxy node entry. Only the fields the manager reasons
// about are typed; everything else round-trips through Extra.
type ruleNode struct {
	Name  string `yaml:"name"`
	Extra map[string]any `yaml:",inline"`
}

// proxyGroup is a generated url-test group (§4.4.1).
type proxyGroup struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Proxies   []string `yaml:"proxies"`
	URL       string   `yaml:"url"`
	Interval  int      `yaml:"interval"`
	Tolerance int      `yaml:"tolerance"`
	Timeout   int      `yaml:"timeout"`
	Lazy      bool     `yaml:"lazy"`
}

// multiplexerConfig models the on-disk config file (§6). Unknown top-level
// keys round-trip through Extra so they are preserved verbatim across a
// merge.
type multiplexerConfig struct {
	Port               any      `yaml:"port,omitempty"`
	SocksPort          any      `yaml:"socks-port,omitempty"`
	AllowLAN           any      `yaml:"allow-lan,omitempty"`
	Mode               any      `yaml:"mode,omitempty"`
	LogLevel           any      `yaml:"log-level,omitempty"`
	ExternalController any      `yaml:"external-controller,omitempty"`
	Secret             any      `yaml:"secret,omitempty"`
	Proxies            []ruleNode   `yaml:"proxies"`
	ProxyGroups        []proxyGroup `yaml:"proxy-groups"`
	Rules              []string     `yaml:"rules"`
	Extra              map[string]any `yaml:",inline"`
}

const probeURL = "http://www.gstatic.com/generate_204"

func defaultMultiplexerConfig() multiplexerConfig {
	return multiplexerConfig{
		Port:               7890,
		SocksPort:          7891,
		AllowLAN:           false,
		Mode:               "rule",
		LogLevel:           "info",
		ExternalController: "127.0.0.1:9090",
		Rules:              []string{"GEOIP,CN,DIRECT", "MATCH,DIRECT"},
	}
}

// loadConfig reads the on-disk multiplexer config, or synthesizes a minimal
// default if the file does not exist.
func loadConfig(path string) (multiplexerConfig, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultMultiplexerConfig(), nil
	}
	if err != nil {
		return multiplexerConfig{}, fmt.Errorf("reading multiplexer config: %w", err)
	}
	var cfg multiplexerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return multiplexerConfig{}, fmt.Errorf("parsing multiplexer config: %w", err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg multiplexerConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling multiplexer config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing multiplexer config %s: %w", path, err)
	}
	return nil
}

// sweepRules drops any rule whose last comma-separated token references a
// name that is neither an emitted group nor DIRECT, then appends the default
// GEOIP/MATCH rules if missing (§4.4.1). Rules referencing SRC-IP-CIDR
// (container-to-group routing, §4.4.4) are always kept as long as their
// target group still exists.
func sweepRules(existing []string, groupNames []string) []string {
	valid := make(map[string]bool, len(groupNames)+1)
	for _, g := range groupNames {
		valid[g] = true
	}
	valid["DIRECT"] = true

	out := make([]string, 0, len(existing)+2)
	for _, rule := range existing {
		parts := strings.Split(rule, ",")
		target := strings.TrimSpace(parts[len(parts)-1])
		if valid[target] {
			out = append(out, rule)
		}
	}

	hasGeoIPCN := false
	hasMatch := false
	for _, rule := range out {
		if strings.HasPrefix(rule, "GEOIP,CN,") {
			hasGeoIPCN = true
		}
		if strings.HasPrefix(rule, "MATCH,") {
			hasMatch = true
		}
	}
	if !hasGeoIPCN {
		out = append(out, "GEOIP,CN,DIRECT")
	}
	if !hasMatch {
		out = append(out, "MATCH,DIRECT")
	}
	return out
}

// srcIPCIDRPrefix starts the rule format used for container-to-group
// routing: "SRC-IP-CIDR,<ip>/32,<group>".
const srcIPCIDRPrefix = "SRC-IP-CIDR,"

func buildSrcIPRule(containerIP, group string) string {
	return fmt.Sprintf("SRC-IP-CIDR,%s/32,%s", containerIP, group)
}

// parseSrcIPRule extracts the container IP and group name from a
// SRC-IP-CIDR rule. ok is false for any other rule shape.
func parseSrcIPRule(rule string) (ip, group string, ok bool) {
	if !strings.HasPrefix(rule, srcIPCIDRPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(rule, srcIPCIDRPrefix)
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	cidr := parts[0]
	group = parts[1]
	ip = strings.TrimSuffix(cidr, "/32")
	if ip == cidr && !strings.Contains(cidr, "/") {
		// no /32 suffix present; still usable but unexpected for this system.
		return ip, group, true
	}
	return ip, group, true
}
