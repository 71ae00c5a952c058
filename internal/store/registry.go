package store

import (
	"fmt"

	"github.com/openscope/siteops/internal/registry"
)

// SaveEntry upserts one registry entry into the snapshot.
func (s *Store) SaveEntry(e registry.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO registry_entries
			(address, host, class, registration_id, registered_at, last_heartbeat, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			host = excluded.host,
			class = excluded.class,
			registration_id = excluded.registration_id,
			registered_at = excluded.registered_at,
			last_heartbeat = excluded.last_heartbeat,
			status = excluded.status
	`, e.Address, e.Host, e.Class, e.RegistrationID, e.RegisteredAt, e.LastHeartbeat, string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to save registry entry %s: %w", e.Address, err)
	}
	return nil
}

// DeleteEntry removes one registry entry from the snapshot.
func (s *Store) DeleteEntry(address string) error {
	if _, err := s.db.Exec("DELETE FROM registry_entries WHERE address = ?", address); err != nil {
		return fmt.Errorf("failed to delete registry entry %s: %w", address, err)
	}
	return nil
}

// LoadEntries returns the persisted snapshot, ordered by address.
func (s *Store) LoadEntries() ([]registry.Entry, error) {
	rows, err := s.db.Query(`
		SELECT address, host, class, registration_id, registered_at, last_heartbeat, status
		FROM registry_entries ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry entries: %w", err)
	}
	defer rows.Close()

	var entries []registry.Entry
	for rows.Next() {
		var e registry.Entry
		var status string
		if err := rows.Scan(&e.Address, &e.Host, &e.Class, &e.RegistrationID,
			&e.RegisteredAt, &e.LastHeartbeat, &status); err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		e.Status = registry.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
