// Package diamond defines the Diamond Model entity types shared across the
// ingestion pipeline: Infrastructure, Adversary, Capability, Victim, and the
// append-only Event rows that link them.
package diamond

import "time"

// IndicatorType classifies an infrastructure indicator.
type IndicatorType string

const (
	IndicatorIP     IndicatorType = "ip"
	IndicatorDomain IndicatorType = "domain"
	IndicatorEmail  IndicatorType = "email"
	IndicatorURL    IndicatorType = "url"
	IndicatorHash   IndicatorType = "hash"
)

// CapabilityType classifies a capability.
type CapabilityType string

const (
	CapabilityMalware CapabilityType = "malware"
	CapabilityTool    CapabilityType = "tool"
	CapabilityExploit CapabilityType = "exploit"
)

// Infrastructure is an observable artifact (IP, domain, URL, email, hash).
// Identity key is (Type, Value) with Value in canonical form. Rows are never
// deleted; re-observation extends LastSeen only.
type Infrastructure struct {
	ID          string        `json:"id"`
	Type        IndicatorType `json:"type"`
	Value       string        `json:"value"`
	Description string        `json:"description"`
	FirstSeen   time.Time     `json:"first_seen"`
	LastSeen    time.Time     `json:"last_seen"`
}

// Adversary is a tracked threat actor. Identity key is the canonicalized
// Name, or membership in Aliases.
type Adversary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Aliases     []string  `json:"aliases"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Capability is a malware family, tool, or exploit. Identity key is
// (Name, Type).
type Capability struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        CapabilityType `json:"type"`
	Description string         `json:"description"`
}

// Victim is a targeted organization or population. Identity key is Name.
type Victim struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Sector      string `json:"sector"`
	Region      string `json:"region"`
	Description string `json:"description"`
}

// MitreMapping is one row of the static ATT&CK technique reference table.
type MitreMapping struct {
	TID           string `json:"tid"`
	TechniqueName string `json:"technique_name"`
	Description   string `json:"description"`
}

// Event is one Diamond Model linkage. Events are append-only facts: repeated
// observations of the same relationship produce separate rows so provenance
// survives entity deduplication. At least one of the four entity references
// must be set.
type Event struct {
	ID               string    `json:"id"`
	EventTime        time.Time `json:"event_time"`
	Description      string    `json:"description"`
	AdversaryID      string    `json:"adversary_id,omitempty"`
	InfrastructureID string    `json:"infrastructure_id,omitempty"`
	CapabilityID     string    `json:"capability_id,omitempty"`
	VictimID         string    `json:"victim_id,omitempty"`
	MitreTID         string    `json:"mitre_tid,omitempty"`
	ConfidenceScore  float64   `json:"confidence_score"`
}

// HasEntityRef reports whether the event references at least one entity.
func (e *Event) HasEntityRef() bool {
	return e.AdversaryID != "" || e.InfrastructureID != "" || e.CapabilityID != "" || e.VictimID != ""
}

// FeedCursor records resumption state for one feed source.
type FeedCursor struct {
	SourceName  string    `json:"source_name"`
	CursorToken string    `json:"cursor_token"`
	LastRunAt   time.Time `json:"last_run_at"`
}
