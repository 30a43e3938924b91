package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/api/rest"
	"github.com/KevinKickass/OpenShotCore/internal/api/websocket"
	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/devices"
	"github.com/KevinKickass/OpenShotCore/internal/fault"
	"github.com/KevinKickass/OpenShotCore/internal/interfaces"
	"github.com/KevinKickass/OpenShotCore/internal/modbus"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/KevinKickass/OpenShotCore/internal/streaming"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// setpointWriter is a contract.Setpoints that owns a connection.
type setpointWriter interface {
	contract.Setpoints
	Close() error
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	store         storage.Store
	bus           transport.Bus
	setpoints     setpointWriter
	streamer      *streaming.SampleStreamer
	deviceManager *devices.Manager
	sequencer     *shot.Sequencer
	authService   *auth.AuthService
	wsHub         *websocket.Hub

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	hubCancel    context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager opens storage, the bus and the setpoint controller
// and wires the device, shot and API layers on top of them.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:          cfg,
		logger:          logger,
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
		statusListeners: make([]chan SystemStatus, 0),
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	lm.store = store

	bus, err := openBus(cfg.Transport, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	lm.bus = bus

	lm.setpoints = openSetpoints(cfg.IO, logger)

	loader, err := devices.NewDescriptorLoader(cfg.Devices.SearchPaths)
	if err != nil {
		lm.closeBackends()
		return nil, fmt.Errorf("failed to create descriptor loader: %w", err)
	}

	lm.streamer = streaming.NewSampleStreamer(0)
	lm.authService = auth.NewAuthService(cfg.Auth, store, logger)
	lm.wsHub = websocket.NewHub(logger, lm.authService, lm.streamer)

	lm.deviceManager = devices.NewManager(loader, store, contract.Options{
		Bus:              bus,
		Sink:             lm.streamer,
		Setpoints:        lm.setpoints,
		Logger:           logger,
		ConfigureTimeout: cfg.Lifecycle.ConfigureTimeout,
		StopTimeout:      cfg.Lifecycle.StopTimeout,
		Debug:            cfg.Debug,
		OnFault:          lm.onFault,
		OnTransition: func(t contract.Transition) {
			lm.wsHub.Broadcast(websocket.NewTransitionMessage(t))
		},
	}, logger)

	lm.sequencer = shot.NewSequencer(lm.deviceManager, store, shot.Options{
		DefaultDuration: cfg.Shot.DefaultDuration,
		MaxDuration:     cfg.Shot.MaxDuration,
		AbortOnFault:    cfg.Shot.AbortOnFault,
		StopTimeout:     cfg.Lifecycle.StopTimeout,
	}, logger)

	return lm, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == "memory" {
		logger.Warn("Using in-memory storage; identities and recipes are lost on exit")
		return storage.NewMemoryStore(), nil
	}

	pg, err := storage.NewPostgresClient(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return pg, nil
}

func openBus(cfg config.TransportConfig, logger *zap.Logger) (transport.Bus, error) {
	if cfg.Mode == "memory" {
		return transport.NewMemoryBus(cfg.QueueLen), nil
	}
	bus, err := transport.NewUDPBus(transport.UDPConfig{
		Interface: cfg.Interface,
		TTL:       cfg.TTL,
		Loopback:  cfg.Loopback,
		QueueLen:  cfg.QueueLen,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open multicast bus: %w", err)
	}
	return bus, nil
}

func openSetpoints(cfg config.IOConfig, logger *zap.Logger) setpointWriter {
	if cfg.Mode != "modbus" {
		return loggingSetpoints{logger: logger}
	}
	client := modbus.NewClient(cfg.Address, cfg.Timeout)
	return modbus.NewSetpointWriter(client, cfg.UnitID, cfg.Setpoints, logger)
}

func (lm *LifecycleManager) onFault(id contract.Identity, ev fault.Event) {
	lm.sequencer.ReportFault(id, ev)
	lm.wsHub.Broadcast(websocket.NewFaultMessage(id, ev))
}

// Start restores the device instances and brings up the API servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenShotCore")
	lm.setState(StateInitializing)

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	// A broken instance must not keep the others offline
	if err := lm.deviceManager.Restore(ctx); err != nil {
		lm.logger.Warn("Some device instances could not be restored", zap.Error(err))
	}
	if err := lm.sequencer.LoadHistory(ctx); err != nil {
		lm.logger.Warn("Failed to load shot history", zap.Error(err))
	}
	go lm.forwardShotStatus()

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(lm.deviceManager.List())),
		zap.Bool("auth_enabled", lm.authService.Enabled()))

	return nil
}

func (lm *LifecycleManager) forwardShotStatus() {
	updates := lm.sequencer.Subscribe()
	defer lm.sequencer.Unsubscribe(updates)

	for {
		select {
		case st := <-updates:
			lm.wsHub.Broadcast(websocket.NewShotStatusMessage(st))
		case <-lm.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// 1. End the running shot and stop every device before the APIs go away
	lm.abortShot(ctx)
	lm.deviceManager.StopAll(ctx)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.healthServer.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
	}
	if err := lm.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// abortShot ends a running shot and waits for its STOP phase.
func (lm *LifecycleManager) abortShot(ctx context.Context) {
	updates := lm.sequencer.Subscribe()
	defer lm.sequencer.Unsubscribe(updates)

	if err := lm.sequencer.Abort("system shutdown"); err != nil {
		return
	}
	lm.logger.Warn("Aborting running shot for shutdown")
	for {
		select {
		case st := <-updates:
			if st.Finished() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (lm *LifecycleManager) closeBackends() error {
	var errs []error
	if lm.setpoints != nil {
		if err := lm.setpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("setpoint controller: %w", err))
		}
	}
	if lm.bus != nil {
		if err := lm.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
	}
	if lm.store != nil {
		lm.store.Close()
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.NewSampleService(lm.streamer, lm.deviceManager).Register(lm.grpcServer)

	lm.healthServer = health.NewServer()
	lm.healthServer.SetServingStatus(streaming.SampleStreamServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.SampleStreamServiceDesc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	prev := lm.currentState
	if prev == state {
		lm.stateMu.Unlock()
		return
	}
	if err := ValidateTransition(prev, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus(prev)
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	prev := lm.currentState
	lm.currentState = StateError
	lm.lastError = err
	lm.stateMu.Unlock()

	lm.logger.Error("System error", zap.Error(err))
	lm.broadcastStatus(prev)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	list := lm.deviceManager.List()
	states := make(map[string]string, len(list))
	for _, d := range list {
		states[d.Identity().Name] = string(d.State())
	}

	status := interfaces.SystemStatus{
		State:       state.String(),
		DeviceCount: len(list),
		DeviceState: states,
	}
	if st := lm.sequencer.Current(); st.Number > 0 {
		status.Shot = &st
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus(prev SystemState) {
	lm.stateMu.RLock()
	status := SystemStatus{
		State:     lm.currentState,
		Previous:  prev,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastError != nil {
		status.Error = lm.lastError.Error()
	}
	lm.stateMu.RUnlock()

	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(status.State.String(), prev.String()))

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) DeviceManager() *devices.Manager { return lm.deviceManager }
func (lm *LifecycleManager) Sequencer() *shot.Sequencer      { return lm.sequencer }
func (lm *LifecycleManager) Storage() storage.Store          { return lm.store }
func (lm *LifecycleManager) Config() *config.Config          { return lm.config }
func (lm *LifecycleManager) AuthService() *auth.AuthService  { return lm.authService }
