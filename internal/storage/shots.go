package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveShot inserts or updates a shot record.
func (p *PostgresClient) SaveShot(ctx context.Context, shot *ShotRecord) error {
	faults := shot.Faults
	if faults == nil {
		faults = []ShotFault{}
	}
	faultsJSON, err := json.Marshal(faults)
	if err != nil {
		return fmt.Errorf("failed to marshal faults: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO shots (id, number, state, started_at, finished_at, error, faults)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state       = EXCLUDED.state,
		    finished_at = EXCLUDED.finished_at,
		    error       = EXCLUDED.error,
		    faults      = EXCLUDED.faults
	`, shot.ID, shot.Number, shot.State, shot.StartedAt, shot.FinishedAt, shot.Error, faultsJSON)
	if err != nil {
		return fmt.Errorf("failed to save shot %d: %w", shot.Number, err)
	}
	return nil
}

// ListShots returns the most recent shots, newest first.
func (p *PostgresClient) ListShots(ctx context.Context, limit int) ([]ShotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, number, state, started_at, finished_at, error, faults
		FROM shots
		ORDER BY number DESC, started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shots: %w", err)
	}
	defer rows.Close()

	shots := make([]ShotRecord, 0)
	for rows.Next() {
		var shot ShotRecord
		var faultsJSON []byte
		if err := rows.Scan(&shot.ID, &shot.Number, &shot.State, &shot.StartedAt, &shot.FinishedAt, &shot.Error, &faultsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan shot: %w", err)
		}
		if err := json.Unmarshal(faultsJSON, &shot.Faults); err != nil {
			return nil, fmt.Errorf("shot %d faults: %w", shot.Number, err)
		}
		shots = append(shots, shot)
	}
	return shots, rows.Err()
}

// LogAuthEvent records a login attempt.
func (p *PostgresClient) LogAuthEvent(ctx context.Context, ev AuthEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, username, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.Type, ev.Username, ev.IPAddress, ev.UserAgent, ev.Success, ev.Reason)
	if err != nil {
		return fmt.Errorf("failed to log auth event: %w", err)
	}
	return nil
}
