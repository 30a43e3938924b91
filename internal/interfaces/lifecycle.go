package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/devices"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State       string            `json:"state"`
	DeviceCount int               `json:"device_count"`
	DeviceState map[string]string `json:"device_states"`
	Shot        *shot.Status      `json:"shot,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	Storage() storage.Store
	DeviceManager() *devices.Manager
	Sequencer() *shot.Sequencer
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
