package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// UpsertResult reports the outcome of a resolve-or-create upsert.
type UpsertResult struct {
	ID        string
	Created   bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// UpsertInfrastructure inserts or merges one infrastructure row keyed on
// (type, value). On merge, last_seen is extended but never regressed and
// first_seen is left untouched. The unique index makes concurrent callers
// converge on one row.
func (s *Store) UpsertInfrastructure(ctx context.Context, indType diamond.IndicatorType, value, description string, observedAt time.Time) (*UpsertResult, error) {
	newID := uuid.NewString()
	ts := fmtTime(observedAt)

	const q = `
	INSERT INTO infrastructure (id, type, value, description, first_seen, last_seen)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(type, value) DO UPDATE SET
		last_seen = MAX(infrastructure.last_seen, excluded.last_seen),
		description = CASE WHEN infrastructure.description = ''
			THEN excluded.description ELSE infrastructure.description END
	RETURNING id, first_seen, last_seen`

	var id, firstSeen, lastSeen string
	err := s.writeDB.QueryRowContext(ctx, q, newID, string(indType), value, description, ts, ts).
		Scan(&id, &firstSeen, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("upserting infrastructure %s:%s: %w", indType, value, err)
	}

	first, err := parseTime(firstSeen)
	if err != nil {
		return nil, fmt.Errorf("upserting infrastructure %s:%s: %w", indType, value, err)
	}
	last, err := parseTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("upserting infrastructure %s:%s: %w", indType, value, err)
	}

	return &UpsertResult{
		ID:        id,
		Created:   id == newID,
		FirstSeen: first,
		LastSeen:  last,
	}, nil
}

// UpsertAdversary resolves an adversary by canonicalized name or by alias,
// then merges observation times and unions the alias set. All lookups and
// writes happen in one transaction on the single-writer pool.
func (s *Store) UpsertAdversary(ctx context.Context, name, description string, aliases []string, observedAt time.Time) (*UpsertResult, error) {
	canon := diamond.CanonicalName(name)
	if canon == "" {
		return nil, diamond.ErrInvalidEntityKey
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning adversary upsert: %w", err)
	}
	defer tx.Rollback()

	ts := fmtTime(observedAt)
	var id string
	created := false

	// Primary-name index first, then the alias reverse index. Only when both
	// miss is a new row created; a concurrent create of the same name lands
	// on the unique constraint and merges instead.
	err = tx.QueryRowContext(ctx, `SELECT id FROM adversaries WHERE canonical = ?`, canon).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `SELECT adversary_id FROM adversary_aliases WHERE canonical = ?`, canon).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		newID := uuid.NewString()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO adversaries (id, name, canonical, description, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical) DO UPDATE SET
				last_seen = MAX(adversaries.last_seen, excluded.last_seen)
			RETURNING id`, newID, name, canon, description, ts, ts).Scan(&id)
		created = err == nil && id == newID
	}
	if err != nil {
		return nil, fmt.Errorf("resolving adversary %q: %w", name, err)
	}

	if !created {
		_, err = tx.ExecContext(ctx, `
			UPDATE adversaries SET
				last_seen = MAX(last_seen, ?),
				description = CASE WHEN description = '' THEN ? ELSE description END
			WHERE id = ?`, ts, description, id)
		if err != nil {
			return nil, fmt.Errorf("merging adversary %q: %w", name, err)
		}
	}

	// Alias set union. An alias already claimed by another adversary keeps
	// its original owner; unioning never re-points an existing alias.
	for _, alias := range aliases {
		aliasCanon := diamond.CanonicalName(alias)
		if aliasCanon == "" || aliasCanon == canon {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO adversary_aliases (canonical, alias, adversary_id)
			VALUES (?, ?, ?)
			ON CONFLICT(canonical) DO NOTHING`, aliasCanon, alias, id)
		if err != nil {
			return nil, fmt.Errorf("merging alias %q: %w", alias, err)
		}
	}

	var firstSeen, lastSeen string
	err = tx.QueryRowContext(ctx, `SELECT first_seen, last_seen FROM adversaries WHERE id = ?`, id).
		Scan(&firstSeen, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("reading back adversary %q: %w", name, err)
	}
	first, err := parseTime(firstSeen)
	if err != nil {
		return nil, fmt.Errorf("reading back adversary %q: %w", name, err)
	}
	last, err := parseTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("reading back adversary %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing adversary upsert: %w", err)
	}

	return &UpsertResult{
		ID:        id,
		Created:   created,
		FirstSeen: first,
		LastSeen:  last,
	}, nil
}

// UpsertCapability inserts or merges one capability keyed on (name, type).
func (s *Store) UpsertCapability(ctx context.Context, name string, capType diamond.CapabilityType, description string) (*UpsertResult, error) {
	newID := uuid.NewString()

	const q = `
	INSERT INTO capabilities (id, name, type, description)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name, type) DO UPDATE SET
		description = CASE WHEN capabilities.description = ''
			THEN excluded.description ELSE capabilities.description END
	RETURNING id`

	var id string
	err := s.writeDB.QueryRowContext(ctx, q, newID, name, string(capType), description).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upserting capability %s/%s: %w", name, capType, err)
	}
	return &UpsertResult{ID: id, Created: id == newID}, nil
}

// UpsertVictim inserts or merges one victim keyed on name.
func (s *Store) UpsertVictim(ctx context.Context, name, sector, region, description string) (*UpsertResult, error) {
	newID := uuid.NewString()

	const q = `
	INSERT INTO victims (id, name, sector, region, description)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		sector = CASE WHEN victims.sector = '' THEN excluded.sector ELSE victims.sector END,
		region = CASE WHEN victims.region = '' THEN excluded.region ELSE victims.region END,
		description = CASE WHEN victims.description = ''
			THEN excluded.description ELSE victims.description END
	RETURNING id`

	var id string
	err := s.writeDB.QueryRowContext(ctx, q, newID, name, sector, region, description).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upserting victim %s: %w", name, err)
	}
	return &UpsertResult{ID: id, Created: id == newID}, nil
}

// GetInfrastructure fetches one infrastructure row by identity key.
func (s *Store) GetInfrastructure(ctx context.Context, indType diamond.IndicatorType, value string) (*diamond.Infrastructure, error) {
	const q = `SELECT id, type, value, description, first_seen, last_seen
		FROM infrastructure WHERE type = ? AND value = ?`

	var inf diamond.Infrastructure
	var typ, firstSeen, lastSeen string
	err := s.readDB.QueryRowContext(ctx, q, string(indType), value).
		Scan(&inf.ID, &typ, &inf.Value, &inf.Description, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diamond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting infrastructure %s:%s: %w", indType, value, err)
	}
	inf.Type = diamond.IndicatorType(typ)
	if inf.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("getting infrastructure %s:%s: %w", indType, value, err)
	}
	if inf.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("getting infrastructure %s:%s: %w", indType, value, err)
	}
	return &inf, nil
}

// GetInfrastructureByValue fetches an infrastructure row by value alone,
// used by the attribution lookup where the caller has only the raw
// indicator.
func (s *Store) GetInfrastructureByValue(ctx context.Context, value string) (*diamond.Infrastructure, error) {
	const q = `SELECT id, type, value, description, first_seen, last_seen
		FROM infrastructure WHERE value = ? LIMIT 1`

	var inf diamond.Infrastructure
	var typ, firstSeen, lastSeen string
	err := s.readDB.QueryRowContext(ctx, q, value).
		Scan(&inf.ID, &typ, &inf.Value, &inf.Description, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diamond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting infrastructure by value %s: %w", value, err)
	}
	inf.Type = diamond.IndicatorType(typ)
	if inf.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("getting infrastructure by value %s: %w", value, err)
	}
	if inf.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("getting infrastructure by value %s: %w", value, err)
	}
	return &inf, nil
}

// GetAdversaryByName resolves an adversary by name or alias, canonicalizing
// the input first.
func (s *Store) GetAdversaryByName(ctx context.Context, name string) (*diamond.Adversary, error) {
	canon := diamond.CanonicalName(name)
	var id string
	err := s.readDB.QueryRowContext(ctx, `SELECT id FROM adversaries WHERE canonical = ?`, canon).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.readDB.QueryRowContext(ctx, `SELECT adversary_id FROM adversary_aliases WHERE canonical = ?`, canon).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diamond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving adversary name %q: %w", name, err)
	}
	return s.GetAdversary(ctx, id)
}

// GetAdversary fetches one adversary with its alias set.
func (s *Store) GetAdversary(ctx context.Context, id string) (*diamond.Adversary, error) {
	var adv diamond.Adversary
	var firstSeen, lastSeen string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT id, name, description, first_seen, last_seen FROM adversaries WHERE id = ?`, id).
		Scan(&adv.ID, &adv.Name, &adv.Description, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diamond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting adversary %s: %w", id, err)
	}
	if adv.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("getting adversary %s: %w", id, err)
	}
	if adv.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("getting adversary %s: %w", id, err)
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT alias FROM adversary_aliases WHERE adversary_id = ? ORDER BY alias`, id)
	if err != nil {
		return nil, fmt.Errorf("getting aliases for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		adv.Aliases = append(adv.Aliases, alias)
	}
	return &adv, rows.Err()
}

// ListAdversaries returns all adversaries ordered by name, aliases included.
func (s *Store) ListAdversaries(ctx context.Context) ([]diamond.Adversary, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, name, description, first_seen, last_seen FROM adversaries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing adversaries: %w", err)
	}
	defer rows.Close()

	var out []diamond.Adversary
	for rows.Next() {
		var adv diamond.Adversary
		var firstSeen, lastSeen string
		if err := rows.Scan(&adv.ID, &adv.Name, &adv.Description, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning adversary: %w", err)
		}
		var err error
		if adv.FirstSeen, err = parseTime(firstSeen); err != nil {
			return nil, fmt.Errorf("scanning adversary: %w", err)
		}
		if adv.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("scanning adversary: %w", err)
		}
		out = append(out, adv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		full, err := s.GetAdversary(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Aliases = full.Aliases
	}
	return out, nil
}
