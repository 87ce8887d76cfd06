// Package rules renders detection rules from resolved, attributed
// indicators. Output formats are YARA for hashes, Snort and Suricata for
// network indicators. Input values come from the entity store so every rule
// is backed by at least one correlated event.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// Snort and Suricata rules get distinct SID ranges so generated sets can be
// loaded side by side.
const (
	snortSIDBase    = 1000001
	suricataSIDBase = 2000001
)

// indicatorSource is the slice of the store the generator reads.
type indicatorSource interface {
	IndicatorValuesForAdversary(ctx context.Context, adversaryName string, indType diamond.IndicatorType) ([]string, error)
}

// Generator renders rule sets for one adversary at a time.
type Generator struct {
	store indicatorSource
}

// New creates a rule generator.
func New(store indicatorSource) *Generator {
	return &Generator{store: store}
}

// sanitizeName maps an adversary name onto a YARA-safe identifier.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// GenerateYARA renders one YARA rule matching any file hash attributed to
// the adversary. No hashes means no rule and ErrNotFound.
func (g *Generator) GenerateYARA(ctx context.Context, adversary string) (string, error) {
	hashes, err := g.store.IndicatorValuesForAdversary(ctx, adversary, diamond.IndicatorHash)
	if err != nil {
		return "", err
	}
	if len(hashes) == 0 {
		return "", fmt.Errorf("%w: no hash indicators for %s", diamond.ErrNotFound, adversary)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "rule %s_indicators\n{\n", sanitizeName(adversary))
	b.WriteString("    meta:\n")
	fmt.Fprintf(&b, "        author = \"threatmeta\"\n")
	fmt.Fprintf(&b, "        date = \"%s\"\n", time.Now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "        adversary = \"%s\"\n", adversary)
	b.WriteString("    strings:\n")
	for i, h := range hashes {
		fmt.Fprintf(&b, "        $hash%d = \"%s\" nocase\n", i+1, h)
	}
	b.WriteString("    condition:\n")
	b.WriteString("        any of them\n")
	b.WriteString("}\n")
	return b.String(), nil
}

// GenerateSnort renders one Snort rule per IP and per domain attributed to
// the adversary.
func (g *Generator) GenerateSnort(ctx context.Context, adversary string) (string, error) {
	ips, err := g.store.IndicatorValuesForAdversary(ctx, adversary, diamond.IndicatorIP)
	if err != nil {
		return "", err
	}
	domains, err := g.store.IndicatorValuesForAdversary(ctx, adversary, diamond.IndicatorDomain)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 && len(domains) == 0 {
		return "", fmt.Errorf("%w: no network indicators for %s", diamond.ErrNotFound, adversary)
	}

	date := time.Now().UTC().Format("2006-01-02")
	var b strings.Builder
	sid := snortSIDBase
	// Known C2 infrastructure is the source: alert on traffic it sends
	// into the monitored network.
	for _, ip := range ips {
		fmt.Fprintf(&b,
			"alert ip %s any -> $HOME_NET any (msg:\"Potential %s Activity Detected from %s\"; metadata:author threatmeta, date %s, adversary %s; classtype:trojan-activity; sid:%d; rev:1;)\n",
			ip, adversary, ip, date, adversary, sid)
		sid++
	}
	for _, domain := range domains {
		fmt.Fprintf(&b,
			"alert udp any any -> any 53 (msg:\"DNS query for %s domain %s\"; content:\"%s\"; nocase; metadata:author threatmeta, date %s, adversary %s; classtype:trojan-activity; sid:%d; rev:1;)\n",
			adversary, domain, domain, date, adversary, sid)
		sid++
	}
	return b.String(), nil
}

// GenerateSuricata renders one Suricata rule per IP attributed to the
// adversary.
func (g *Generator) GenerateSuricata(ctx context.Context, adversary string) (string, error) {
	ips, err := g.store.IndicatorValuesForAdversary(ctx, adversary, diamond.IndicatorIP)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("%w: no IP indicators for %s", diamond.ErrNotFound, adversary)
	}

	date := time.Now().UTC().Format("2006-01-02")
	var b strings.Builder
	sid := suricataSIDBase
	for _, ip := range ips {
		fmt.Fprintf(&b,
			"alert ip %s any -> $HOME_NET any (msg:\"ET CURRENT_EVENTS %s Inbound from %s\"; flow:to_client,established; reference:url,threatmeta; metadata:author threatmeta, date %s, adversary %s; classtype:trojan-activity; sid:%d; rev:1;)\n",
			ip, adversary, ip, date, adversary, sid)
		sid++
	}
	return b.String(), nil
}

// Generate dispatches by format name: yara, snort, suricata.
func (g *Generator) Generate(ctx context.Context, format, adversary string) (string, error) {
	switch strings.ToLower(format) {
	case "yara":
		return g.GenerateYARA(ctx, adversary)
	case "snort":
		return g.GenerateSnort(ctx, adversary)
	case "suricata":
		return g.GenerateSuricata(ctx, adversary)
	default:
		return "", fmt.Errorf("unsupported rule format %q", format)
	}
}
