// Package mitre resolves free-form technique references against the ATT&CK
// catalog and seeds the store with baseline technique and group knowledge.
package mitre

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// tidPattern matches a technique ID, optionally with a sub-technique
// suffix: T1059, T1059.001.
var tidPattern = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)

// catalogStore is the slice of the entity store the mapper reads.
type catalogStore interface {
	ListMitreMappings(ctx context.Context) ([]diamond.MitreMapping, error)
}

// Mapper resolves tags and free text to technique IDs. The catalog is held
// in memory behind a lock so Map never touches the database on the hot path.
type Mapper struct {
	mu       sync.RWMutex
	catalog  map[string]diamond.MitreMapping
	keywords []keywordRule
	logger   *zap.Logger
}

// keywordRule maps a lowercase substring to a technique ID. Rules apply in
// order; the first hit wins.
type keywordRule struct {
	keyword string
	tid     string
}

// defaultKeywords covers the phrasings feeds actually use for common
// techniques. Controlled list: no fuzzy matching.
var defaultKeywords = []keywordRule{
	{"spearphishing attachment", "T1566.001"},
	{"spearphishing link", "T1566.002"},
	{"spear phishing", "T1566"},
	{"spearphishing", "T1566"},
	{"phishing", "T1566"},
	{"powershell", "T1059.001"},
	{"command and scripting", "T1059"},
	{"command-line", "T1059"},
	{"scheduled task", "T1053.005"},
	{"credential dumping", "T1003"},
	{"os credential dumping", "T1003"},
	{"lsass", "T1003.001"},
	{"brute force", "T1110"},
	{"password spraying", "T1110.003"},
	{"lateral movement", "T1021"},
	{"remote desktop", "T1021.001"},
	{"exfiltration over c2", "T1041"},
	{"exfiltration", "T1041"},
	{"ransomware", "T1486"},
	{"data encrypted for impact", "T1486"},
	{"process injection", "T1055"},
	{"dll side-loading", "T1574.002"},
	{"web shell", "T1505.003"},
	{"valid accounts", "T1078"},
	{"supply chain", "T1195"},
}

// NewMapper builds a mapper with the default keyword table and an empty
// catalog. Call Reload before the first Map.
func NewMapper(logger *zap.Logger) *Mapper {
	return &Mapper{
		catalog:  make(map[string]diamond.MitreMapping),
		keywords: defaultKeywords,
		logger:   logger,
	}
}

// Reload replaces the in-memory catalog from the store.
func (m *Mapper) Reload(ctx context.Context, store catalogStore) error {
	mappings, err := store.ListMitreMappings(ctx)
	if err != nil {
		return err
	}
	catalog := make(map[string]diamond.MitreMapping, len(mappings))
	for _, mp := range mappings {
		catalog[mp.TID] = mp
	}

	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()

	m.logger.Info("technique catalog loaded", zap.Int("techniques", len(catalog)))
	return nil
}

// Map resolves a tag or free-text reference to a catalog technique ID.
// Exact TID matches win; otherwise the keyword table applies. A miss
// returns ok=false, never an error: unmapped references are expected.
func (m *Mapper) Map(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// A TID embedded anywhere in the reference counts, so galaxy tags like
	// "Attack Pattern - T1059" resolve directly.
	if tid := tidPattern.FindString(ref); tid != "" {
		if _, ok := m.catalog[tid]; ok {
			return tid, true
		}
		// Sub-technique of an uncatalogued parent: fall back to the parent.
		if dot := strings.Index(tid, "."); dot > 0 {
			if _, ok := m.catalog[tid[:dot]]; ok {
				return tid[:dot], true
			}
		}
		return "", false
	}

	lower := strings.ToLower(ref)
	for _, rule := range m.keywords {
		if strings.Contains(lower, rule.keyword) {
			if _, ok := m.catalog[rule.tid]; ok {
				return rule.tid, true
			}
		}
	}
	return "", false
}

// Lookup returns the catalog entry for a technique ID.
func (m *Mapper) Lookup(tid string) (diamond.MitreMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.catalog[tid]
	return mp, ok
}

// Size returns the number of catalogued techniques.
func (m *Mapper) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.catalog)
}
