// Package storage - ceremony outcome ledger operations.
package storage

import (
	"fmt"
	"time"
)

// Outcome classifies how a ceremony reached its terminal state.
type Outcome string

const (
	OutcomeEnded    Outcome = "ended"
	OutcomeErrored  Outcome = "errored"
	OutcomeTimedOut Outcome = "timedout"
	OutcomeReaped   Outcome = "reaped"
	OutcomeKilled   Outcome = "killed"
)

// RecordOutcome appends one row to the ledger for a ceremony that just
// reached a terminal state. ceremonyIDHash is the hex-encoded
// blake2_256(encoded(payload)) used elsewhere as the ceremony's submission
// hash (internal/dispatcher.SubmissionHash) — never the raw payload bytes,
// key material, nonces, or signature.
func (s *Storage) RecordOutcome(ceremonyIDHash string, signerCount int, outcome Outcome, durationMs int64, createdAt, terminatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO ceremony_outcomes (
			ceremony_id_hash, signer_count, outcome, duration_ms, created_at, terminated_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		ceremonyIDHash, signerCount, string(outcome), durationMs,
		createdAt.Unix(), terminatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ceremony outcome: %w", err)
	}
	return nil
}

// OutcomeCounts returns the number of ceremonies that terminated with each
// outcome since the given time, for operator forensics ("how many
// ceremonies timed out in the last hour").
func (s *Storage) OutcomeCounts(since time.Time) (map[Outcome]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT outcome, COUNT(*) FROM ceremony_outcomes
		WHERE terminated_at >= ?
		GROUP BY outcome
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[Outcome(outcome)] = count
	}
	return counts, rows.Err()
}
