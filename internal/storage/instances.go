package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// ReserveIdentity inserts the registry row. The primary key guarantees an
// identity is never handed out twice, across restarts and processes.
func (p *PostgresClient) ReserveIdentity(ctx context.Context, inst Instance) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO device_instances (id, kind, contract_guid, name, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inst.ID, inst.Kind, inst.ContractGUID, inst.Name, inst.Fingerprint, inst.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errcode.New(errcode.DuplicateIdentity, "storage.ReserveIdentity",
			"instance %s (%s) already exists: %s", inst.ID, inst.Name, pgErr.ConstraintName)
	}
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// ReleaseIdentity deletes the registry row; parameters follow through the
// foreign key cascade.
func (p *PostgresClient) ReleaseIdentity(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM device_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// ListInstances returns every registered instance, oldest first.
func (p *PostgresClient) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, contract_guid, name, fingerprint, created_at
		FROM device_instances
		ORDER BY created_at, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	instances := make([]Instance, 0)
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Kind, &inst.ContractGUID, &inst.Name, &inst.Fingerprint, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// SaveParameter upserts one leaf. A write-once row only accepts its own
// value again; anything else affects no row and is refused.
func (p *PostgresClient) SaveParameter(ctx context.Context, instanceID uuid.UUID, rec params.Record) error {
	valueJSON, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	result, err := p.pool.Exec(ctx, `
		INSERT INTO device_parameters (instance_id, path, value_type, value, write_once, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (instance_id, path) DO UPDATE
		SET value_type = EXCLUDED.value_type,
		    value      = EXCLUDED.value,
		    updated_at = now()
		WHERE NOT device_parameters.write_once
		   OR device_parameters.value = EXCLUDED.value
	`, instanceID, rec.Path, string(rec.Value.Type), valueJSON, rec.WriteOnce)
	if err != nil {
		return fmt.Errorf("failed to save parameter %s: %w", rec.Path, err)
	}
	if result.RowsAffected() == 0 {
		return errcode.New(errcode.Frozen, "storage.SaveParameter", "%s is write-once and already stored", rec.Path)
	}
	return nil
}

// LoadParameters returns every stored leaf of an instance.
func (p *PostgresClient) LoadParameters(ctx context.Context, instanceID uuid.UUID) ([]params.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT path, value_type, value, write_once
		FROM device_parameters
		WHERE instance_id = $1
		ORDER BY path
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameters: %w", err)
	}
	defer rows.Close()

	records := make([]params.Record, 0)
	for rows.Next() {
		var rec params.Record
		var valueType string
		var valueJSON []byte
		if err := rows.Scan(&rec.Path, &valueType, &valueJSON, &rec.WriteOnce); err != nil {
			return nil, fmt.Errorf("failed to scan parameter: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &rec.Value); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", rec.Path, err)
		}
		rec.Value = params.Coerce(rec.Value, params.Type(valueType))
		records = append(records, rec)
	}
	return records, rows.Err()
}
