package modbus

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/KevinKickass/OpenShotCore/internal/config"
	"go.uber.org/zap"
)

type setpointKey struct {
	device string
	path   string
}

// SetpointWriter writes recipe values to holding registers of one Modbus
// controller. Registers hold signed 16 bit values of value*scale.
type SetpointWriter struct {
	client   *Client
	unitID   uint8
	mappings map[setpointKey]config.SetpointMapping
	logger   *zap.Logger
}

func NewSetpointWriter(client *Client, unitID uint8, mappings []config.SetpointMapping, logger *zap.Logger) *SetpointWriter {
	w := &SetpointWriter{
		client:   client,
		unitID:   unitID,
		mappings: make(map[setpointKey]config.SetpointMapping, len(mappings)),
		logger:   logger,
	}
	for _, m := range mappings {
		if m.Scale == 0 {
			m.Scale = 1
		}
		w.mappings[key(m.Device, m.Path)] = m
	}
	return w
}

func key(device, path string) setpointKey {
	return setpointKey{device: device, path: strings.ToUpper(strings.TrimLeft(path, ".:"))}
}

// Encode converts a setpoint to its register value.
func Encode(value, scale float64) (uint16, error) {
	scaled := math.Round(value * scale)
	if math.IsNaN(scaled) || scaled < math.MinInt16 || scaled > math.MaxInt16 {
		return 0, fmt.Errorf("value %g (scaled %g) does not fit a 16 bit register", value, scaled)
	}
	return uint16(int16(scaled)), nil
}

// Decode converts a register value back to the setpoint.
func Decode(reg uint16, scale float64) float64 {
	return float64(int16(reg)) / scale
}

// WriteSetpoint writes the register mapped to (device, path) and reads it
// back to confirm the controller accepted it.
func (w *SetpointWriter) WriteSetpoint(ctx context.Context, device, path string, value float64) error {
	m, ok := w.mappings[key(device, path)]
	if !ok {
		return fmt.Errorf("no register mapped for %s %s", device, path)
	}
	reg, err := Encode(value, m.Scale)
	if err != nil {
		return fmt.Errorf("%s %s: %w", device, path, err)
	}

	if err := w.client.WriteSingleRegister(ctx, w.unitID, m.Register, reg); err != nil {
		return fmt.Errorf("write register %d: %w", m.Register, err)
	}
	got, err := w.client.ReadHoldingRegisters(ctx, w.unitID, m.Register, 1)
	if err != nil {
		return fmt.Errorf("read back register %d: %w", m.Register, err)
	}
	if got[0] != reg {
		return fmt.Errorf("register %d reads %d after writing %d", m.Register, got[0], reg)
	}

	w.logger.Debug("Setpoint register written",
		zap.String("device", device),
		zap.String("path", path),
		zap.Uint16("register", m.Register),
		zap.Uint16("raw", reg))
	return nil
}

// Close releases the controller connection.
func (w *SetpointWriter) Close() error {
	return w.client.Close()
}
