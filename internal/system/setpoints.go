package system

import (
	"context"

	"go.uber.org/zap"
)

// loggingSetpoints stands in for the controller when io.mode is "none".
type loggingSetpoints struct {
	logger *zap.Logger
}

func (l loggingSetpoints) WriteSetpoint(ctx context.Context, device, path string, value float64) error {
	l.logger.Info("Setpoint (no controller attached)",
		zap.String("device", device),
		zap.String("path", path),
		zap.Float64("value", value))
	return nil
}

func (l loggingSetpoints) Close() error { return nil }
