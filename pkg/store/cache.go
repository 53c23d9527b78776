package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/podup/podup/pkg/types"
)

// UpsertDiscoveredUnit records a unit found by discovery
func (s *Store) UpsertDiscoveredUnit(unit *types.DiscoveredUnit) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO discovered_units (unit_name, source, discovered_at) VALUES (?, ?, ?)
		 ON CONFLICT (unit_name) DO UPDATE SET source = excluded.source, discovered_at = excluded.discovered_at`,
		unit.Unit, unit.Source, toMillis(unit.DiscoveredAt),
	)
	return err
}

// ListDiscoveredUnits returns all discovered units sorted by name
func (s *Store) ListDiscoveredUnits() ([]*types.DiscoveredUnit, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	type row struct {
		Unit         string `db:"unit_name"`
		Source       string `db:"source"`
		DiscoveredAt int64  `db:"discovered_at"`
	}
	var rows []row
	err := s.db.Select(&rows,
		`SELECT unit_name, source, discovered_at FROM discovered_units ORDER BY unit_name`)
	if err != nil {
		return nil, err
	}
	units := make([]*types.DiscoveredUnit, len(rows))
	for i, r := range rows {
		units[i] = &types.DiscoveredUnit{
			Unit:         r.Unit,
			Source:       r.Source,
			DiscoveredAt: fromMillis(r.DiscoveredAt),
		}
	}
	return units, nil
}

// GetDigestEntry fetches one registry digest cache row
func (s *Store) GetDigestEntry(image string) (*types.DigestEntry, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	type row struct {
		Image     string  `db:"image"`
		Digest    *string `db:"digest"`
		CheckedAt int64   `db:"checked_at"`
		Status    string  `db:"status"`
		Error     *string `db:"error"`
	}
	var r row
	err := s.db.Get(&r, `SELECT * FROM registry_digest_cache WHERE image = ?`, image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := &types.DigestEntry{
		Image:     r.Image,
		CheckedAt: fromMillis(r.CheckedAt),
		Status:    types.DigestStatus(r.Status),
	}
	if r.Digest != nil {
		entry.Digest = *r.Digest
	}
	if r.Error != nil {
		entry.Error = *r.Error
	}
	return entry, nil
}

// UpsertDigestEntry writes a registry digest cache row
func (s *Store) UpsertDigestEntry(entry *types.DigestEntry) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO registry_digest_cache (image, digest, checked_at, status, error)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (image) DO UPDATE SET
		   digest = excluded.digest, checked_at = excluded.checked_at,
		   status = excluded.status, error = excluded.error`,
		entry.Image, entry.Digest, toMillis(entry.CheckedAt), string(entry.Status), entry.Error,
	)
	return err
}

// PruneCounts reports what a prune pass deleted (or would delete)
type PruneCounts struct {
	RateLimitTokens int `json:"rate_limit_tokens"`
	ImageLocks      int `json:"image_locks"`
	LegacyFiles     int `json:"legacy_files"`
}

// CountPrunable reports how many rows a prune with the given cutoff
// would delete, without deleting them.
func (s *Store) CountPrunable(cutoff time.Time) (PruneCounts, error) {
	var counts PruneCounts
	if !s.Ready() {
		return counts, ErrNotReady
	}
	if err := s.db.Get(&counts.RateLimitTokens,
		`SELECT COUNT(*) FROM rate_limit_tokens WHERE ts < ?`, toMillis(cutoff)); err != nil {
		return counts, err
	}
	if err := s.db.Get(&counts.ImageLocks,
		`SELECT COUNT(*) FROM image_locks WHERE acquired_at < ?`, toMillis(cutoff)); err != nil {
		return counts, err
	}
	return counts, nil
}

// PruneBefore deletes rate-limit tokens and image locks older than the
// cutoff, returning the deleted counts.
func (s *Store) PruneBefore(cutoff time.Time) (PruneCounts, error) {
	var counts PruneCounts
	if !s.Ready() {
		return counts, ErrNotReady
	}
	res, err := s.db.Exec(`DELETE FROM rate_limit_tokens WHERE ts < ?`, toMillis(cutoff))
	if err != nil {
		return counts, err
	}
	n, _ := res.RowsAffected()
	counts.RateLimitTokens = int(n)

	res, err = s.db.Exec(`DELETE FROM image_locks WHERE acquired_at < ?`, toMillis(cutoff))
	if err != nil {
		return counts, err
	}
	n, _ = res.RowsAffected()
	counts.ImageLocks = int(n)
	return counts, nil
}
