package shot

import (
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/google/uuid"
)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Phase is the step of the shot timeline currently executing.
type Phase string

const (
	PhaseCheck     Phase = "CHECK"
	PhaseConfigure Phase = "CONFIGURE"
	PhaseStart     Phase = "START"
	PhasePulse     Phase = "PULSE"
	PhaseStop      Phase = "STOP"
	PhaseDone      Phase = "DONE"
)

// Shot is one request to run the pulse timeline. A zero Number takes the
// next number; a zero Duration takes the configured default.
type Shot struct {
	Number   int64         `json:"number,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

type Status struct {
	ID         uuid.UUID           `json:"id"`
	Number     int64               `json:"number"`
	State      State               `json:"state"`
	Phase      Phase               `json:"phase"`
	Duration   time.Duration       `json:"duration"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Error      string              `json:"error,omitempty"`
	Faults     []storage.ShotFault `json:"faults"`
}

func (s Status) Finished() bool {
	return s.State != StateRunning
}

func (s Status) record() *storage.ShotRecord {
	return &storage.ShotRecord{
		ID:         s.ID,
		Number:     s.Number,
		State:      string(s.State),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Error:      s.Error,
		Faults:     s.Faults,
	}
}

func (s Status) clone() Status {
	s.Faults = append([]storage.ShotFault(nil), s.Faults...)
	return s
}
