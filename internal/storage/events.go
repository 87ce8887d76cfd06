package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// InsertEvent appends one Diamond Model event row. Events are immutable
// facts; there is no update or merge path. A dangling mitre_tid or entity id
// trips the foreign keys and surfaces as ErrReferentialIntegrity.
func (s *Store) InsertEvent(ctx context.Context, ev *diamond.Event) (string, error) {
	if !ev.HasEntityRef() {
		return "", diamond.ErrIncompleteEvent
	}
	if ev.ConfidenceScore < 0 || ev.ConfidenceScore > 1 {
		return "", fmt.Errorf("confidence %f out of range [0,1]", ev.ConfidenceScore)
	}

	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	const q = `
	INSERT INTO events (id, event_time, description, adversary_id,
		infrastructure_id, capability_id, victim_id, mitre_tid, confidence_score)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.writeDB.ExecContext(ctx, q,
		id,
		fmtTime(ev.EventTime),
		ev.Description,
		nullable(ev.AdversaryID),
		nullable(ev.InfrastructureID),
		nullable(ev.CapabilityID),
		nullable(ev.VictimID),
		nullable(ev.MitreTID),
		ev.ConfidenceScore,
	)
	if isForeignKeyErr(err) {
		return "", fmt.Errorf("%w: event references missing row (tid=%q)", diamond.ErrReferentialIntegrity, ev.MitreTID)
	}
	if err != nil {
		return "", fmt.Errorf("inserting event: %w", err)
	}
	return id, nil
}

// AttributionLink is one adversary attribution for an indicator, pivoted
// through the events table.
type AttributionLink struct {
	Adversary  string  `json:"adversary"`
	Confidence float64 `json:"score"`
}

// EventsForInfrastructure returns the adversary links recorded for one
// infrastructure row.
func (s *Store) EventsForInfrastructure(ctx context.Context, infrastructureID string) ([]AttributionLink, error) {
	const q = `
	SELECT a.name, e.confidence_score
	FROM events e
	JOIN adversaries a ON e.adversary_id = a.id
	WHERE e.infrastructure_id = ?
	ORDER BY e.confidence_score DESC`

	rows, err := s.readDB.QueryContext(ctx, q, infrastructureID)
	if err != nil {
		return nil, fmt.Errorf("querying attribution links: %w", err)
	}
	defer rows.Close()

	var links []AttributionLink
	for rows.Next() {
		var l AttributionLink
		if err := rows.Scan(&l.Adversary, &l.Confidence); err != nil {
			return nil, fmt.Errorf("scanning attribution link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// TTPMatch counts how many of a set of observed techniques an adversary is
// known to use.
type TTPMatch struct {
	Adversary  string `json:"adversary"`
	MatchCount int    `json:"matched_ttps"`
}

// AdversariesByTechniques returns adversaries ranked by how many of the
// given TIDs appear in their recorded events.
func (s *Store) AdversariesByTechniques(ctx context.Context, tids []string) ([]TTPMatch, error) {
	if len(tids) == 0 {
		return nil, nil
	}

	placeholders := "?"
	args := make([]any, 0, len(tids))
	args = append(args, tids[0])
	for _, tid := range tids[1:] {
		placeholders += ",?"
		args = append(args, tid)
	}

	q := fmt.Sprintf(`
	SELECT a.name, COUNT(e.mitre_tid) AS match_count
	FROM events e
	JOIN adversaries a ON e.adversary_id = a.id
	WHERE e.mitre_tid IN (%s)
	GROUP BY a.name
	ORDER BY match_count DESC`, placeholders)

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying technique overlap: %w", err)
	}
	defer rows.Close()

	var matches []TTPMatch
	for rows.Next() {
		var m TTPMatch
		if err := rows.Scan(&m.Adversary, &m.MatchCount); err != nil {
			return nil, fmt.Errorf("scanning technique match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// HasAdversaryTechnique reports whether a knowledge-base link between an
// adversary and a technique already exists, so the catalog importer does not
// duplicate it on re-runs.
func (s *Store) HasAdversaryTechnique(ctx context.Context, adversaryID, tid string) (bool, error) {
	var one int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE adversary_id = ? AND mitre_tid = ? LIMIT 1`,
		adversaryID, tid).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("checking adversary technique link: %w", err)
}

// CountEventsForInfrastructure returns how many events reference an
// infrastructure row, used by tests and the stats endpoint.
func (s *Store) CountEventsForInfrastructure(ctx context.Context, infrastructureID string) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE infrastructure_id = ?`, infrastructureID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// EventsForAdversary returns recent events attributed to one adversary.
func (s *Store) EventsForAdversary(ctx context.Context, adversaryID string, limit int) ([]diamond.Event, error) {
	const q = `
	SELECT id, event_time, description,
		COALESCE(adversary_id, ''), COALESCE(infrastructure_id, ''),
		COALESCE(capability_id, ''), COALESCE(victim_id, ''),
		COALESCE(mitre_tid, ''), confidence_score
	FROM events
	WHERE adversary_id = ?
	ORDER BY event_time DESC
	LIMIT ?`

	rows, err := s.readDB.QueryContext(ctx, q, adversaryID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying adversary events: %w", err)
	}
	defer rows.Close()

	var events []diamond.Event
	for rows.Next() {
		var ev diamond.Event
		var eventTime string
		err := rows.Scan(&ev.ID, &eventTime, &ev.Description,
			&ev.AdversaryID, &ev.InfrastructureID, &ev.CapabilityID,
			&ev.VictimID, &ev.MitreTID, &ev.ConfidenceScore)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if ev.EventTime, err = parseTime(eventTime); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
