package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/devices"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{GRPCPort: 0, HTTPPort: 0, ShutdownTimeout: 5 * time.Second},
		Storage:   config.StorageConfig{Backend: "memory"},
		Transport: config.TransportConfig{Mode: "memory", QueueLen: 16},
		Lifecycle: config.LifecycleConfig{ConfigureTimeout: time.Second, StopTimeout: time.Second},
		IO:        config.IOConfig{Mode: "none"},
		Shot:      config.ShotConfig{DefaultDuration: 10 * time.Millisecond, MaxDuration: time.Minute},
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(StateInitializing, StateRunning); err != nil {
		t.Error(err)
	}
	if err := ValidateTransition(StateStopped, StateRunning); err == nil {
		t.Error("STOPPED -> RUNNING accepted")
	}
	if StateStopping.String() != "STOPPING" || SystemState(42).String() != "UNKNOWN" {
		t.Error("unexpected state names")
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx := context.Background()
	lm, err := NewLifecycleManager(ctx, testConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	statuses := lm.SubscribeStatus()

	if err := lm.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if st := lm.GetCurrentStatus(); st.State != "RUNNING" || st.DeviceCount != 0 {
		t.Errorf("status = %+v", st)
	}

	dev, err := lm.DeviceManager().Instantiate(ctx, devices.CreateRequest{Kind: "LIFT_COIL", Name: "lift"})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dev.Configure(ctx); err != nil {
		t.Fatal(err)
	}

	st := lm.GetCurrentStatus()
	if st.DeviceCount != 1 || st.DeviceState["lift"] != string(contract.StateConfigured) {
		t.Errorf("status = %+v", st)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-lm.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}

	// Shutdown stopped the configured device.
	if dev.State() != contract.StateStopped {
		t.Errorf("device state after shutdown = %s", dev.State())
	}
	if lm.GetCurrentStatus().State != "STOPPED" {
		t.Errorf("state after shutdown = %s", lm.GetCurrentStatus().State)
	}

	var seen []SystemState
	for len(statuses) > 0 {
		seen = append(seen, (<-statuses).State)
	}
	want := []SystemState{StateRunning, StateStopping, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("status updates = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("status updates = %v, want %v", seen, want)
		}
	}

	// A second Shutdown is a no-op.
	if err := lm.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func TestShutdownAbortsRunningShot(t *testing.T) {
	ctx := context.Background()
	lm, err := NewLifecycleManager(ctx, testConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := lm.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := lm.DeviceManager().Instantiate(ctx, devices.CreateRequest{Kind: "TOF_SENSORS", Name: "tof"}); err != nil {
		t.Fatal(err)
	}

	if _, err := lm.Sequencer().Launch(shotOf(time.Minute)); err != nil {
		t.Fatal(err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}
	if lm.Sequencer().Running() {
		t.Error("shot still running after shutdown")
	}
	if err := lm.Sequencer().Abort("late"); !errors.Is(err, errcode.InvalidTransition) {
		t.Errorf("abort after shutdown err = %v", err)
	}
}

func shotOf(d time.Duration) shot.Shot {
	return shot.Shot{Duration: d}
}
