package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// UpsertMitreMapping inserts or refreshes one technique reference row.
// The mapping table is static reference data: ingestion reads it, only the
// catalog importer writes it.
func (s *Store) UpsertMitreMapping(ctx context.Context, m diamond.MitreMapping) error {
	const q = `
	INSERT INTO mitre_mappings (tid, technique_name, description)
	VALUES (?, ?, ?)
	ON CONFLICT(tid) DO UPDATE SET
		technique_name = excluded.technique_name,
		description = excluded.description`

	if _, err := s.writeDB.ExecContext(ctx, q, m.TID, m.TechniqueName, m.Description); err != nil {
		return fmt.Errorf("upserting technique %s: %w", m.TID, err)
	}
	return nil
}

// GetMitreMapping fetches one technique by TID.
func (s *Store) GetMitreMapping(ctx context.Context, tid string) (*diamond.MitreMapping, error) {
	var m diamond.MitreMapping
	err := s.readDB.QueryRowContext(ctx,
		`SELECT tid, technique_name, description FROM mitre_mappings WHERE tid = ?`, tid).
		Scan(&m.TID, &m.TechniqueName, &m.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diamond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting technique %s: %w", tid, err)
	}
	return &m, nil
}

// ListMitreMappings returns the full technique reference table.
func (s *Store) ListMitreMappings(ctx context.Context) ([]diamond.MitreMapping, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT tid, technique_name, description FROM mitre_mappings ORDER BY tid`)
	if err != nil {
		return nil, fmt.Errorf("listing techniques: %w", err)
	}
	defer rows.Close()

	var out []diamond.MitreMapping
	for rows.Next() {
		var m diamond.MitreMapping
		if err := rows.Scan(&m.TID, &m.TechniqueName, &m.Description); err != nil {
			return nil, fmt.Errorf("scanning technique: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
