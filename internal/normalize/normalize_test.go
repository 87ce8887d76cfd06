package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

func newTestNormalizer() *Normalizer {
	return New(zap.NewNop())
}

func TestNormalizeFeodo(t *testing.T) {
	n := newTestNormalizer()
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	obs, err := n.Normalize(RawRecord{
		Source:     "feodotracker",
		ObservedAt: observed,
		Data: map[string]any{
			"ip_address": "203.0.113.10",
			"malware":    "Emotet",
			"status":     "online",
		},
	})
	require.NoError(t, err)

	require.Len(t, obs.Infrastructure, 1)
	assert.Equal(t, diamond.IndicatorIP, obs.Infrastructure[0].Type)
	assert.Equal(t, "203.0.113.10", obs.Infrastructure[0].Value)
	require.NotNil(t, obs.Capability)
	assert.Equal(t, "Emotet", obs.Capability.Name)
	assert.Equal(t, diamond.CapabilityMalware, obs.Capability.Type)
	assert.Nil(t, obs.Adversary)
	assert.Equal(t, observed, obs.ObservedAt)
}

func TestNormalizeFeodoMalformedIP(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(RawRecord{
		Source:     "feodotracker",
		ObservedAt: time.Now(),
		Data:       map[string]any{"ip_address": "not-an-ip"},
	})
	assert.ErrorIs(t, err, diamond.ErrMalformedRecord)
}

func TestNormalizeOTXPulse(t *testing.T) {
	n := newTestNormalizer()

	obs, err := n.Normalize(RawRecord{
		Source:     "otx",
		ObservedAt: time.Now(),
		Data: map[string]any{
			"name":             "APT28 spearphishing wave",
			"adversary":        "APT28",
			"attack_ids":       []any{"T1566.002"},
			"malware_families": []any{"Zebrocy"},
			"industries":       []any{"Government"},
			"indicators": []any{
				map[string]any{"type": "IPv4", "indicator": "198.51.100.7"},
				map[string]any{"type": "domain", "indicator": "Login.Evil.Example.COM"},
				map[string]any{"type": "FileHash-SHA256", "indicator": "AA" + "bb" + "11223344556677889900aabbccddeeff00112233445566778899aabbccdd"},
				map[string]any{"type": "CVE", "indicator": "CVE-2026-0001"},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, obs.Adversary)
	assert.Equal(t, "APT28", obs.Adversary.Name)
	require.NotNil(t, obs.Capability)
	assert.Equal(t, "Zebrocy", obs.Capability.Name)
	require.NotNil(t, obs.Victim)
	assert.Equal(t, "Government", obs.Victim.Name)
	assert.Equal(t, []string{"T1566.002"}, obs.TechniqueRefs)

	// CVE indicator types are unsupported and silently skipped.
	require.Len(t, obs.Infrastructure, 3)
	assert.Equal(t, "login.evil.example.com", obs.Infrastructure[1].Value)
	assert.Equal(t, diamond.IndicatorHash, obs.Infrastructure[2].Type)
}

func TestNormalizeOTXAuthorFallback(t *testing.T) {
	n := newTestNormalizer()

	obs, err := n.Normalize(RawRecord{
		Source:     "otx",
		ObservedAt: time.Now(),
		Data: map[string]any{
			"name":        "Community pulse",
			"author_name": "researcher42",
			"indicators": []any{
				map[string]any{"type": "IPv4", "indicator": "192.0.2.1"},
			},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, obs.Adversary)
	assert.Equal(t, "researcher42", obs.Adversary.Name)
}

func TestNormalizeMISP(t *testing.T) {
	n := newTestNormalizer()

	obs, err := n.Normalize(RawRecord{
		Source:     "misp",
		ObservedAt: time.Now(),
		Data: map[string]any{
			"info": "Sofacy campaign infra",
			"org":  "CIRCL",
			"tags": []any{
				`misp-galaxy:threat-actor="Sofacy"`,
				`misp-galaxy:mitre-attack-pattern="PowerShell - T1059.001"`,
				"tlp:white",
			},
			"attributes": []any{
				map[string]any{"type": "ip-dst", "value": "203.0.113.77"},
				map[string]any{"type": "domain", "value": "bad.example.org"},
				map[string]any{"type": "comment", "value": "free text"},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, obs.Adversary)
	assert.Equal(t, "Sofacy", obs.Adversary.Name)
	assert.Equal(t, []string{"PowerShell - T1059.001"}, obs.TechniqueRefs)
	assert.Len(t, obs.Infrastructure, 2)
}

func TestNormalizeGeneric(t *testing.T) {
	n := newTestNormalizer()

	obs, err := n.Normalize(RawRecord{
		Source:     "manual",
		ObservedAt: time.Now(),
		Data: map[string]any{
			"type":        "url",
			"value":       "https://Evil.Example.com/payload",
			"adversary":   "FIN7",
			"capability":  "Carbanak",
			"victim":      "Retail",
			"sector":      "retail",
			"technique":   "T1059",
			"description": "manual submission",
		},
	})
	require.NoError(t, err)

	require.Len(t, obs.Infrastructure, 1)
	assert.Equal(t, "https://evil.example.com/payload", obs.Infrastructure[0].Value)
	assert.Equal(t, "FIN7", obs.Adversary.Name)
	assert.Equal(t, "Carbanak", obs.Capability.Name)
	assert.Equal(t, "Retail", obs.Victim.Name)
}

func TestNormalizeEmptyRecord(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(RawRecord{
		Source:     "otx",
		ObservedAt: time.Now(),
		Data:       map[string]any{"name": "empty pulse"},
	})
	assert.ErrorIs(t, err, diamond.ErrMalformedRecord)
}

func TestNormalizeDropsMalformedKeepsRest(t *testing.T) {
	n := newTestNormalizer()

	obs, err := n.Normalize(RawRecord{
		Source:     "otx",
		ObservedAt: time.Now(),
		Data: map[string]any{
			"name": "mixed pulse",
			"indicators": []any{
				map[string]any{"type": "IPv4", "indicator": "999.999.1.1"},
				map[string]any{"type": "IPv4", "indicator": "192.0.2.9"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, obs.Infrastructure, 1)
	assert.Equal(t, "192.0.2.9", obs.Infrastructure[0].Value)
	assert.Equal(t, 1, obs.Dropped)
}

func TestCanonicalIndicator(t *testing.T) {
	cases := []struct {
		name    string
		typ     diamond.IndicatorType
		in      string
		want    string
		wantErr bool
	}{
		{"ipv4", diamond.IndicatorIP, "203.0.113.10", "203.0.113.10", false},
		{"ipv4 padded", diamond.IndicatorIP, " 203.0.113.10 ", "203.0.113.10", false},
		{"ipv6", diamond.IndicatorIP, "2001:DB8::1", "2001:db8::1", false},
		{"bad ip", diamond.IndicatorIP, "300.1.1.1", "", true},
		{"domain case", diamond.IndicatorDomain, "Evil.Example.COM", "evil.example.com", false},
		{"domain trailing dot", diamond.IndicatorDomain, "evil.example.com.", "evil.example.com", false},
		{"bad domain", diamond.IndicatorDomain, "not a domain", "", true},
		{"email", diamond.IndicatorEmail, "spear@Evil.Example.com", "spear@evil.example.com", false},
		{"bad email", diamond.IndicatorEmail, "spear@@", "", true},
		{"url", diamond.IndicatorURL, "https://Evil.Example.com/x", "https://evil.example.com/x", false},
		{"bad url scheme", diamond.IndicatorURL, "gopher://evil.example.com", "", true},
		{"md5", diamond.IndicatorHash, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e", false},
		{"sha1", diamond.IndicatorHash, "da39a3ee5e6b4b0d3255bfef95601890afd80709", "da39a3ee5e6b4b0d3255bfef95601890afd80709", false},
		{"bad hash length", diamond.IndicatorHash, "abcdef", "", true},
		{"bad hash chars", diamond.IndicatorHash, "zz1d8cd98f00b204e9800998ecf8427e", "", true},
		{"empty", diamond.IndicatorIP, "", "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := CanonicalIndicator(c.typ, c.in)
			if c.wantErr {
				assert.ErrorIs(t, err, diamond.ErrMalformedRecord)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}
