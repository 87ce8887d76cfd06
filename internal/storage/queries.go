package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// Read-side queries backing the dashboard and the rule generator. The star
// schema joins events against the four entity tables; nothing here writes.

// AttributedIndicator is one row of the dashboard's main table: an indicator
// with its attributed adversary and observation time.
type AttributedIndicator struct {
	Value       string    `json:"value"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Adversary   string    `json:"adversary"`
	EventTime   time.Time `json:"event_time"`
	Confidence  float64   `json:"confidence"`
}

// ListAttributedIndicators returns recent indicators joined to their
// attributed adversaries, newest events first.
func (s *Store) ListAttributedIndicators(ctx context.Context, limit int) ([]AttributedIndicator, error) {
	const q = `
	SELECT i.value, i.type, i.description, a.name, e.event_time, e.confidence_score
	FROM infrastructure i
	JOIN events e ON e.infrastructure_id = i.id
	JOIN adversaries a ON e.adversary_id = a.id
	ORDER BY e.event_time DESC
	LIMIT ?`

	return s.scanAttributed(ctx, q, limit)
}

// ListAdversaryIndicators returns the indicators attributed to one adversary.
func (s *Store) ListAdversaryIndicators(ctx context.Context, adversaryName string, limit int) ([]AttributedIndicator, error) {
	const q = `
	SELECT i.value, i.type, i.description, a.name, e.event_time, e.confidence_score
	FROM infrastructure i
	JOIN events e ON e.infrastructure_id = i.id
	JOIN adversaries a ON e.adversary_id = a.id
	WHERE a.name = ?
	ORDER BY e.event_time DESC
	LIMIT ?`

	return s.scanAttributed(ctx, q, adversaryName, limit)
}

func (s *Store) scanAttributed(ctx context.Context, q string, args ...any) ([]AttributedIndicator, error) {
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attributed indicators: %w", err)
	}
	defer rows.Close()

	var out []AttributedIndicator
	for rows.Next() {
		var r AttributedIndicator
		var eventTime string
		if err := rows.Scan(&r.Value, &r.Type, &r.Description, &r.Adversary, &eventTime, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scanning attributed indicator: %w", err)
		}
		var err error
		if r.EventTime, err = parseTime(eventTime); err != nil {
			return nil, fmt.Errorf("scanning attributed indicator: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndicatorValuesForAdversary returns indicator values of one type
// attributed to an adversary, deduplicated. This is the rule generator's
// input contract: resolved, canonical values only.
func (s *Store) IndicatorValuesForAdversary(ctx context.Context, adversaryName string, indType diamond.IndicatorType) ([]string, error) {
	const q = `
	SELECT DISTINCT i.value
	FROM infrastructure i
	JOIN events e ON e.infrastructure_id = i.id
	JOIN adversaries a ON e.adversary_id = a.id
	WHERE a.name = ? AND i.type = ?
	ORDER BY i.value`

	rows, err := s.readDB.QueryContext(ctx, q, adversaryName, string(indType))
	if err != nil {
		return nil, fmt.Errorf("querying indicator values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning indicator value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Stats are the dashboard KPI counts.
type Stats struct {
	Adversaries    int `json:"adversaries"`
	Infrastructure int `json:"infrastructure"`
	Capabilities   int `json:"capabilities"`
	Victims        int `json:"victims"`
	Events         int `json:"events"`
	Techniques     int `json:"techniques"`
}

// GetStats returns row counts for the five tables plus the technique
// reference table.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"adversaries", &stats.Adversaries},
		{"infrastructure", &stats.Infrastructure},
		{"capabilities", &stats.Capabilities},
		{"victims", &stats.Victims},
		{"events", &stats.Events},
		{"mitre_mappings", &stats.Techniques},
	}
	for _, c := range counts {
		if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return stats, nil
}
