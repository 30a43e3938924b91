package storage

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/google/uuid"
)

// Instance is the registry entry of one device instance.
type Instance struct {
	ID           uuid.UUID `json:"id"`
	Kind         string    `json:"kind"`
	ContractGUID uuid.UUID `json:"contract_guid"`
	Name         string    `json:"name"`
	Fingerprint  string    `json:"fingerprint"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShotFault is a fault raised during a shot.
type ShotFault struct {
	Device     string    `json:"device"`
	Signal     string    `json:"signal"`
	Missing    int       `json:"missing"`
	MaxMissing int       `json:"max_missing"`
	At         time.Time `json:"at"`
}

// ShotRecord is the persisted outcome of one shot.
type ShotRecord struct {
	ID         uuid.UUID   `json:"id"`
	Number     int64       `json:"number"`
	State      string      `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	Faults     []ShotFault `json:"faults"`
}

// AuthEvent is one login attempt.
type AuthEvent struct {
	Type      string
	Username  string
	IPAddress string
	UserAgent string
	Success   bool
	Reason    string
}

// Store is everything the service persists. Both the Postgres client and
// the in-memory store implement it.
type Store interface {
	params.Store

	// ReserveIdentity records a new instance; a reused ID or name fails
	// with errcode.DuplicateIdentity.
	ReserveIdentity(ctx context.Context, inst Instance) error
	// ReleaseIdentity drops an instance and its parameters.
	ReleaseIdentity(ctx context.Context, id uuid.UUID) error
	ListInstances(ctx context.Context) ([]Instance, error)

	SaveShot(ctx context.Context, shot *ShotRecord) error
	ListShots(ctx context.Context, limit int) ([]ShotRecord, error)

	LogAuthEvent(ctx context.Context, ev AuthEvent) error

	Close()
}
