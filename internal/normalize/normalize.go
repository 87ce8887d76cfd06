// Package normalize converts raw feed records into canonical entity drafts.
// It is a pure transformation: no storage access, no network, so every
// source schema can be unit tested against fixture maps.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// RawRecord is one untyped record as delivered by a feed source. The map
// never leaks past this package: everything downstream works with drafts.
type RawRecord struct {
	Source     string
	Data       map[string]any
	ObservedAt time.Time
}

// InfrastructureDraft is a canonical, validated indicator candidate.
type InfrastructureDraft struct {
	Type        diamond.IndicatorType
	Value       string
	Description string
}

// AdversaryDraft carries a display name plus any aliases observed alongside.
type AdversaryDraft struct {
	Name        string
	Description string
	Aliases     []string
}

// CapabilityDraft names a malware family, tool, or exploit.
type CapabilityDraft struct {
	Name        string
	Type        diamond.CapabilityType
	Description string
}

// VictimDraft names a targeted organization, sector, or population.
type VictimDraft struct {
	Name        string
	Sector      string
	Region      string
	Description string
}

// Observation is one record's worth of resolved-entity candidates. The
// correlator turns each infrastructure draft (or the bare entity set, when
// no indicators are present) into one event.
type Observation struct {
	Source         string
	ObservedAt     time.Time
	Description    string
	Infrastructure []InfrastructureDraft
	Adversary      *AdversaryDraft
	Capability     *CapabilityDraft
	Victim         *VictimDraft
	TechniqueRefs  []string
	// Dropped counts indicator values discarded by syntactic validation.
	Dropped int
}

// Empty reports whether the observation carries nothing resolvable.
func (o *Observation) Empty() bool {
	return len(o.Infrastructure) == 0 && o.Adversary == nil && o.Capability == nil && o.Victim == nil
}

// Normalizer maps per-source raw records onto the shared entity model.
type Normalizer struct {
	logger *zap.Logger
}

// New creates a normalizer.
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts one raw record into an observation. Records that yield
// no usable entities fail with ErrMalformedRecord; indicator values that
// fail the syntactic check are dropped and counted, never fatal.
func (n *Normalizer) Normalize(rec RawRecord) (*Observation, error) {
	obs := &Observation{
		Source:     rec.Source,
		ObservedAt: rec.ObservedAt,
	}

	var err error
	switch strings.ToLower(rec.Source) {
	case "feodotracker":
		err = n.parseFeodo(rec, obs)
	case "otx":
		err = n.parseOTX(rec, obs)
	case "misp":
		err = n.parseMISP(rec, obs)
	default:
		err = n.parseGeneric(rec, obs)
	}
	if err != nil {
		return nil, err
	}

	if obs.Empty() {
		return nil, fmt.Errorf("%w: no usable entities in %s record", diamond.ErrMalformedRecord, rec.Source)
	}
	return obs, nil
}

// addIndicator validates and canonicalizes one candidate value, dropping
// malformed ones with a warning.
func (n *Normalizer) addIndicator(obs *Observation, indType diamond.IndicatorType, value, description string) {
	canon, err := CanonicalIndicator(indType, value)
	if err != nil {
		obs.Dropped++
		n.logger.Warn("dropping malformed indicator",
			zap.String("source", obs.Source),
			zap.String("type", string(indType)),
			zap.String("value", value),
			zap.Error(err))
		return
	}
	obs.Infrastructure = append(obs.Infrastructure, InfrastructureDraft{
		Type:        indType,
		Value:       canon,
		Description: description,
	})
}

// parseFeodo handles Feodo Tracker C2 blocklist entries:
// {"ip_address": "...", "port": ..., "malware": "...", "status": ...}.
func (n *Normalizer) parseFeodo(rec RawRecord, obs *Observation) error {
	ip := str(rec.Data, "ip_address")
	if ip == "" {
		ip = str(rec.Data, "value")
	}
	malware := str(rec.Data, "malware")

	desc := "Feodo Tracker C2"
	if malware != "" {
		desc = fmt.Sprintf("Feodo Tracker: %s C2", malware)
	}
	obs.Description = desc

	if ip != "" {
		n.addIndicator(obs, diamond.IndicatorIP, ip, desc)
	}
	if malware != "" {
		obs.Capability = &CapabilityDraft{
			Name:        malware,
			Type:        diamond.CapabilityMalware,
			Description: desc,
		}
	}
	return nil
}

// parseOTX handles one OTX pulse:
// {"name", "author_name", "adversary", "tags", "attack_ids",
//  "malware_families", "targeted_countries", "industries", "indicators"}.
func (n *Normalizer) parseOTX(rec RawRecord, obs *Observation) error {
	pulseName := str(rec.Data, "name")
	obs.Description = fmt.Sprintf("Indicator from Pulse: %s", pulseName)

	advName := str(rec.Data, "adversary")
	if advName == "" {
		advName = str(rec.Data, "author_name")
	}
	if advName != "" {
		obs.Adversary = &AdversaryDraft{Name: advName, Description: pulseName}
	}

	if families := strs(rec.Data, "malware_families"); len(families) > 0 {
		obs.Capability = &CapabilityDraft{
			Name:        families[0],
			Type:        diamond.CapabilityMalware,
			Description: pulseName,
		}
	}

	if industries := strs(rec.Data, "industries"); len(industries) > 0 {
		obs.Victim = &VictimDraft{Name: industries[0], Sector: industries[0], Description: pulseName}
	} else if countries := strs(rec.Data, "targeted_countries"); len(countries) > 0 {
		obs.Victim = &VictimDraft{Name: countries[0], Region: countries[0], Description: pulseName}
	}

	obs.TechniqueRefs = strs(rec.Data, "attack_ids")

	indicators, _ := rec.Data["indicators"].([]any)
	for _, raw := range indicators {
		ind, ok := raw.(map[string]any)
		if !ok {
			obs.Dropped++
			continue
		}
		indType, ok := otxIndicatorType(str(ind, "type"))
		if !ok {
			continue
		}
		desc := str(ind, "description")
		if desc == "" {
			desc = obs.Description
		}
		n.addIndicator(obs, indType, str(ind, "indicator"), desc)
	}
	return nil
}

// otxIndicatorType maps OTX indicator type names onto ours.
func otxIndicatorType(t string) (diamond.IndicatorType, bool) {
	switch t {
	case "IPv4", "IPv6":
		return diamond.IndicatorIP, true
	case "domain", "hostname":
		return diamond.IndicatorDomain, true
	case "URL", "URI":
		return diamond.IndicatorURL, true
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return diamond.IndicatorHash, true
	case "email":
		return diamond.IndicatorEmail, true
	default:
		return "", false
	}
}

// parseMISP handles one MISP event flattened by the feed client:
// {"info", "org", "tags", "attributes": [{"type", "value", "comment"}]}.
func (n *Normalizer) parseMISP(rec RawRecord, obs *Observation) error {
	info := str(rec.Data, "info")
	obs.Description = info

	advName := str(rec.Data, "org")
	var techniques []string
	for _, tag := range strs(rec.Data, "tags") {
		// Galaxy tags carry structured context:
		// misp-galaxy:threat-actor="APT28", misp-galaxy:mitre-attack-pattern="... - T1059".
		if v, ok := galaxyValue(tag, "threat-actor"); ok {
			advName = v
		}
		if v, ok := galaxyValue(tag, "mitre-attack-pattern"); ok {
			techniques = append(techniques, v)
		}
	}
	if advName != "" {
		obs.Adversary = &AdversaryDraft{Name: advName, Description: info}
	}
	obs.TechniqueRefs = techniques

	attributes, _ := rec.Data["attributes"].([]any)
	for _, raw := range attributes {
		attr, ok := raw.(map[string]any)
		if !ok {
			obs.Dropped++
			continue
		}
		indType, ok := mispIndicatorType(str(attr, "type"))
		if !ok {
			continue
		}
		desc := str(attr, "comment")
		if desc == "" {
			desc = info
		}
		n.addIndicator(obs, indType, str(attr, "value"), desc)
	}
	return nil
}

// mispIndicatorType maps MISP attribute types onto ours.
func mispIndicatorType(t string) (diamond.IndicatorType, bool) {
	switch t {
	case "ip-src", "ip-dst":
		return diamond.IndicatorIP, true
	case "domain", "hostname":
		return diamond.IndicatorDomain, true
	case "url":
		return diamond.IndicatorURL, true
	case "md5", "sha1", "sha256":
		return diamond.IndicatorHash, true
	case "email-src", "email-dst":
		return diamond.IndicatorEmail, true
	default:
		return "", false
	}
}

// galaxyValue extracts the quoted value from a MISP galaxy tag of the given
// kind, e.g. misp-galaxy:threat-actor="APT28".
func galaxyValue(tag, kind string) (string, bool) {
	prefix := "misp-galaxy:" + kind + "=\""
	if !strings.HasPrefix(tag, prefix) || !strings.HasSuffix(tag, "\"") {
		return "", false
	}
	v := strings.TrimSuffix(strings.TrimPrefix(tag, prefix), "\"")
	return v, v != ""
}

// parseGeneric handles flat records from manual or unregistered sources:
// {"type", "value", "description", "adversary", "capability",
//  "capability_type", "victim", "sector", "region", "technique"}.
func (n *Normalizer) parseGeneric(rec RawRecord, obs *Observation) error {
	obs.Description = str(rec.Data, "description")

	if value := str(rec.Data, "value"); value != "" {
		indType, ok := genericIndicatorType(str(rec.Data, "type"))
		if !ok {
			return fmt.Errorf("%w: unknown indicator type %q", diamond.ErrMalformedRecord, str(rec.Data, "type"))
		}
		n.addIndicator(obs, indType, value, obs.Description)
	}

	if adv := str(rec.Data, "adversary"); adv != "" {
		obs.Adversary = &AdversaryDraft{Name: adv, Description: obs.Description}
	}
	if name := str(rec.Data, "capability"); name != "" {
		capType := diamond.CapabilityType(strings.ToLower(str(rec.Data, "capability_type")))
		switch capType {
		case diamond.CapabilityMalware, diamond.CapabilityTool, diamond.CapabilityExploit:
		default:
			capType = diamond.CapabilityMalware
		}
		obs.Capability = &CapabilityDraft{Name: name, Type: capType, Description: obs.Description}
	}
	if victim := str(rec.Data, "victim"); victim != "" {
		obs.Victim = &VictimDraft{
			Name:        victim,
			Sector:      str(rec.Data, "sector"),
			Region:      str(rec.Data, "region"),
			Description: obs.Description,
		}
	}
	if technique := str(rec.Data, "technique"); technique != "" {
		obs.TechniqueRefs = append(obs.TechniqueRefs, technique)
	}
	return nil
}

// genericIndicatorType accepts common spellings for indicator types.
func genericIndicatorType(t string) (diamond.IndicatorType, bool) {
	switch strings.ToLower(t) {
	case "ip", "ipv4", "ipv6":
		return diamond.IndicatorIP, true
	case "domain", "hostname":
		return diamond.IndicatorDomain, true
	case "url":
		return diamond.IndicatorURL, true
	case "email":
		return diamond.IndicatorEmail, true
	case "hash", "md5", "sha1", "sha256":
		return diamond.IndicatorHash, true
	default:
		return "", false
	}
}

// str reads a string field from a raw map, tolerating absence.
func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return strings.TrimSpace(v)
}

// strs reads a string slice field, accepting both []string and the []any
// that json.Unmarshal produces.
func strs(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
