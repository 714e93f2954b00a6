package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRegion(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"HK-01 Hong Kong Premium", "HK"},
		{"japan node 3", "JP"},
		{"新加坡-01", "SG"},
		{"US West Relay", "US"},
		{"virtual-node-5", "virtual"},
		{"relay-backup", "virtual"},
		{"unlabeled-node-9", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRegion(tt.name))
		})
	}
}

func TestGenerateGroups_ShardsLargeRegions(t *testing.T) {
	var nodes []ruleNode
	for i := 0; i < 12; i++ {
		nodes = append(nodes, ruleNode{Name: "HK-node"})
	}
	groups := generateGroups(nodes)

	require.Len(t, groups, 3, "12 nodes / shard size 5")
	total := 0
	for _, g := range groups {
		assert.Equal(t, "url-test", g.Type, "group %s", g.Name)
		total += len(g.Proxies)
	}
	assert.Equal(t, 12, total)
}

func TestGenerateGroups_EmitsOtherRegion(t *testing.T) {
	nodes := []ruleNode{{Name: "unlabeled"}, {Name: "JP-1"}}
	groups := generateGroups(nodes)
	require.Len(t, groups, 2)

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	assert.Contains(t, names, "[Auto] JP")
	assert.Contains(t, names, "[Auto] other")
}

func TestGenerateGroups_Empty(t *testing.T) {
	assert.Empty(t, generateGroups(nil))
}

func TestBuildAndParseSrcIPRule(t *testing.T) {
	rule := buildSrcIPRule("10.0.0.5", "[Auto] HK")
	require.Equal(t, "SRC-IP-CIDR,10.0.0.5/32,[Auto] HK", rule)

	ip, group, ok := parseSrcIPRule(rule)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", ip)
	assert.Equal(t, "[Auto] HK", group)
}

func TestParseSrcIPRule_RejectsOtherRuleShapes(t *testing.T) {
	tests := []string{
		"GEOIP,CN,DIRECT",
		"MATCH,DIRECT",
		"SRC-IP-CIDR,missingcomma",
		"",
	}
	for _, rule := range tests {
		_, _, ok := parseSrcIPRule(rule)
		assert.False(t, ok, "rule %q", rule)
	}
}

func TestSweepRules(t *testing.T) {
	existing := []string{
		"SRC-IP-CIDR,10.0.0.1/32,[Auto] HK",
		"SRC-IP-CIDR,10.0.0.2/32,[Auto] Stale",
		"GEOIP,CN,DIRECT",
	}
	out := sweepRules(existing, []string{"[Auto] HK"})

	assert.Contains(t, out, "SRC-IP-CIDR,10.0.0.1/32,[Auto] HK", "rule targeting a still-valid group should survive")
	assert.NotContains(t, out, "SRC-IP-CIDR,10.0.0.2/32,[Auto] Stale", "rule targeting a dropped group should be swept")
	assert.Contains(t, out, "GEOIP,CN,DIRECT")
	assert.Contains(t, out, "MATCH,DIRECT", "sweepRules should append a default MATCH,DIRECT rule")
}

func TestSweepRules_AddsDefaultsOnlyWhenMissing(t *testing.T) {
	existing := []string{"GEOIP,CN,DIRECT", "MATCH,DIRECT"}
	out := sweepRules(existing, nil)
	assert.Equal(t, existing, out)
}

func TestLeastFailureGroup(t *testing.T) {
	all := []string{"a", "b", "c"}
	counts := map[string]int{"a": 3, "b": 1, "c": 2}

	got, ok := leastFailureGroup(all, counts)
	require.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestLeastFailureGroup_TiesPickFirst(t *testing.T) {
	all := []string{"x", "y"}
	counts := map[string]int{"x": 0, "y": 0}

	got, ok := leastFailureGroup(all, counts)
	require.True(t, ok)
	assert.Equal(t, "x", got)
}

func TestLeastFailureGroup_Empty(t *testing.T) {
	_, ok := leastFailureGroup(nil, nil)
	assert.False(t, ok)
}

func TestParseGroupHealth(t *testing.T) {
	gh, ok := parseGroupHealth("true:0.123:1700000000")
	require.True(t, ok)
	assert.True(t, gh.Healthy)
	assert.Equal(t, 0.123, gh.ResponseSeconds)
	assert.EqualValues(t, 1700000000, gh.LastCheckTS)
}

func TestParseGroupHealth_Malformed(t *testing.T) {
	tests := []string{"", "true:notafloat:1", "true:0.1", "notabool:0.1:1"}
	for _, raw := range tests {
		_, ok := parseGroupHealth(raw)
		assert.False(t, ok, "raw %q", raw)
	}
}

func TestProviderFilenameValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"nodes.yaml", true},
		{"nodes.yml", true},
		{"../escape.yaml", false},
		{"sub/dir.yaml", false},
		{"windows\\path.yaml", false},
		{"no-extension", false},
		{"nodes.txt", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, providerFilenameValid(tt.name), "filename %q", tt.name)
	}
}

func TestExpired(t *testing.T) {
	now := int64(1000)
	assert.True(t, expired("999", now))
	assert.False(t, expired("1001", now))
	assert.True(t, expired("not-a-number", now), "garbage should be treated as expired")
}
