package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JournalEntry is one recorded instance state transition.
type JournalEntry struct {
	ID         int64
	TS         time.Time
	Host       string
	InstanceID string
	FromState  string
	ToState    string
	Detail     string
}

// WriteTransition appends one lifecycle transition to the journal.
func (s *Store) WriteTransition(host, instanceID, fromState, toState, detail string) error {
	var detailNull sql.NullString
	if detail != "" {
		detailNull = sql.NullString{String: detail, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO lifecycle_journal (ts, host, instance_id, from_state, to_state, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().UTC(), host, instanceID, fromState, toState, detailNull)
	if err != nil {
		return fmt.Errorf("failed to write lifecycle journal: %w", err)
	}
	return nil
}

// RecentTransitions returns the latest journal rows for one instance, newest
// first, up to limit.
func (s *Store) RecentTransitions(host, instanceID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, ts, host, instance_id, from_state, to_state, COALESCE(detail, '')
		FROM lifecycle_journal
		WHERE host = ? AND instance_id = ?
		ORDER BY id DESC LIMIT ?
	`, host, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(&j.ID, &j.TS, &j.Host, &j.InstanceID,
			&j.FromState, &j.ToState, &j.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
