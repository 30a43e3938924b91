package shot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/fault"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Devices lists the instances taking part in a shot.
type Devices interface {
	List() []*contract.Device
}

type Options struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	AbortOnFault    bool
	StopTimeout     time.Duration
}

// Sequencer drives every device through one shot at a time.
type Sequencer struct {
	devices Devices
	store   storage.Store
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	current *Status
	last    *Status
	number  int64
	abort   chan string

	listenersMu sync.RWMutex
	listeners   []chan Status
}

func NewSequencer(devices Devices, store storage.Store, opts Options, logger *zap.Logger) *Sequencer {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Sequencer{
		devices: devices,
		store:   store,
		opts:    opts,
		logger:  logger,
	}
}

// LoadHistory continues shot numbering after the last persisted shot.
func (s *Sequencer) LoadHistory(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	shots, err := s.store.ListShots(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to load shot history: %w", err)
	}
	if len(shots) > 0 {
		s.mu.Lock()
		if shots[0].Number > s.number {
			s.number = shots[0].Number
		}
		s.mu.Unlock()
	}
	return nil
}

// Run executes a shot and blocks until every device is stopped again.
func (s *Sequencer) Run(ctx context.Context, shot Shot) (Status, error) {
	abort, err := s.reserve(shot)
	if err != nil {
		return Status{}, err
	}
	return s.execute(ctx, abort)
}

// Launch reserves the shot and runs it in the background.
func (s *Sequencer) Launch(shot Shot) (Status, error) {
	abort, err := s.reserve(shot)
	if err != nil {
		return Status{}, err
	}
	status := s.Current()
	go s.execute(context.Background(), abort)
	return status, nil
}

func (s *Sequencer) reserve(shot Shot) (chan string, error) {
	duration := shot.Duration
	if duration <= 0 {
		duration = s.opts.DefaultDuration
	}
	if s.opts.MaxDuration > 0 && duration > s.opts.MaxDuration {
		return nil, errcode.New(errcode.RecipeMismatch, "shot.Run", "duration %v exceeds the maximum %v", duration, s.opts.MaxDuration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil, errcode.New(errcode.InvalidTransition, "shot.Run", "shot %d is still running", s.current.Number)
	}
	number := shot.Number
	if number == 0 {
		number = s.number + 1
	}
	if number <= s.number {
		return nil, errcode.New(errcode.DuplicateIdentity, "shot.Run", "shot number %d is not after %d", number, s.number)
	}
	s.number = number
	s.abort = make(chan string, 1)
	s.current = &Status{
		ID:        uuid.New(),
		Number:    number,
		State:     StateRunning,
		Phase:     PhaseCheck,
		Duration:  duration,
		StartedAt: time.Now().UTC(),
		Faults:    []storage.ShotFault{},
	}
	return s.abort, nil
}

func (s *Sequencer) execute(ctx context.Context, abort chan string) (Status, error) {
	status := s.Current()
	logger := s.logger.With(zap.Int64("shot", status.Number))
	logger.Info("Shot started", zap.Duration("duration", status.Duration))
	s.save(ctx)
	s.broadcast()

	devices := s.devices.List()
	err := s.prepare(ctx, devices)
	if err == nil {
		s.setPhase(PhasePulse)
		err = s.hold(ctx, abort, status.Duration)
	}

	// STOP runs even when the caller's context is gone.
	s.setPhase(PhaseStop)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()
	s.stopAll(stopCtx, devices)

	final := s.finish(err)
	s.save(stopCtx)
	s.broadcast()

	switch final.State {
	case StateCompleted:
		logger.Info("Shot completed", zap.Int("faults", len(final.Faults)))
	default:
		logger.Warn("Shot ended early",
			zap.String("state", string(final.State)),
			zap.String("error", final.Error))
	}
	return final, err
}

// prepare stops leftovers from manual operation and then runs CHECK,
// CONFIGURE and START.
func (s *Sequencer) prepare(ctx context.Context, devices []*contract.Device) error {
	for _, dev := range devices {
		switch dev.State() {
		case contract.StateChecked, contract.StateConfigured, contract.StateStarted:
			if err := dev.Stop(ctx); err != nil {
				return fmt.Errorf("%s: %w", dev.Identity().Name, err)
			}
		}
	}

	steps := []struct {
		phase Phase
		op    contract.Operation
	}{
		{PhaseCheck, contract.OpCheck},
		{PhaseConfigure, contract.OpConfigure},
		{PhaseStart, contract.OpStart},
	}
	for _, step := range steps {
		s.setPhase(step.phase)
		if err := s.dispatch(ctx, step.op, devices); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs op on every device, one priority group after another and
// concurrently within a group.
func (s *Sequencer) dispatch(ctx context.Context, op contract.Operation, devices []*contract.Device) error {
	groups := make(map[int][]*contract.Device)
	for _, dev := range devices {
		p := dev.Descriptor().DispatchFor(op).Priority
		groups[p] = append(groups[p], dev)
	}
	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	for _, p := range priorities {
		g, gctx := errgroup.WithContext(ctx)
		for _, dev := range groups[p] {
			g.Go(func() error {
				if err := invoke(gctx, dev, op); err != nil {
					return fmt.Errorf("%s %s: %w", op, dev.Identity().Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func invoke(ctx context.Context, dev contract.DeviceContract, op contract.Operation) error {
	switch op {
	case contract.OpCheck:
		return dev.Check(ctx)
	case contract.OpConfigure:
		return dev.Configure(ctx)
	case contract.OpStart:
		return dev.Start(ctx)
	case contract.OpStop:
		return dev.Stop(ctx)
	}
	return errcode.New(errcode.InvalidTransition, "shot.dispatch", "unknown operation %s", op)
}

func (s *Sequencer) hold(ctx context.Context, abort chan string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case reason := <-abort:
		return errAborted{reason}
	case <-ctx.Done():
		return errAborted{ctx.Err().Error()}
	}
}

type errAborted struct{ reason string }

func (e errAborted) Error() string { return "shot aborted: " + e.reason }

// stopAll stops every device concurrently so the whole teardown shares one
// deadline.
func (s *Sequencer) stopAll(ctx context.Context, devices []*contract.Device) {
	var g errgroup.Group
	for _, dev := range devices {
		if !contract.CanTransition(dev.State(), contract.OpStop) {
			continue
		}
		g.Go(func() error {
			if err := dev.Stop(ctx); err != nil {
				s.logger.Error("Failed to stop device",
					zap.String("device", dev.Identity().Name),
					zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Sequencer) finish(err error) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.current
	now := time.Now().UTC()
	st.FinishedAt = &now
	st.Phase = PhaseDone

	var aborted errAborted
	switch {
	case err == nil:
		st.State = StateCompleted
	case errors.As(err, &aborted):
		st.State = StateAborted
		st.Error = err.Error()
	default:
		st.State = StateFailed
		st.Error = err.Error()
	}

	final := st.clone()
	s.last = &final
	s.current = nil
	return final
}

func (s *Sequencer) setPhase(p Phase) {
	s.mu.Lock()
	if s.current != nil {
		s.current.Phase = p
	}
	s.mu.Unlock()
	s.broadcast()
}

// Abort ends the running shot early.
func (s *Sequencer) Abort(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return errcode.New(errcode.InvalidTransition, "shot.Abort", "no shot is running")
	}
	select {
	case s.abort <- reason:
	default:
	}
	return nil
}

// ReportFault records a fault raised during the running shot. It is the
// contract.Options.OnFault hook of every device.
func (s *Sequencer) ReportFault(id contract.Identity, ev fault.Event) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	s.current.Faults = append(s.current.Faults, storage.ShotFault{
		Device:     id.Name,
		Signal:     ev.Signal,
		Missing:    ev.Missing,
		MaxMissing: ev.MaxMissing,
		At:         ev.At,
	})
	if s.opts.AbortOnFault {
		select {
		case s.abort <- fmt.Sprintf("%s.%s faulted", id.Name, ev.Signal):
		default:
		}
	}
	s.mu.Unlock()
	s.broadcast()
}

// Current returns the running shot, or the last finished one.
func (s *Sequencer) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.current != nil:
		return s.current.clone()
	case s.last != nil:
		return s.last.clone()
	}
	return Status{}
}

func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// History returns the most recent shots, newest first.
func (s *Sequencer) History(ctx context.Context, limit int) ([]storage.ShotRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListShots(ctx, limit)
}

func (s *Sequencer) save(ctx context.Context) {
	if s.store == nil {
		return
	}
	rec := s.Current().record()
	if err := s.store.SaveShot(ctx, rec); err != nil {
		s.logger.Error("Failed to save shot", zap.Int64("shot", rec.Number), zap.Error(err))
	}
}

func (s *Sequencer) broadcast() {
	status := s.Current()

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		select {
		case listener <- status:
		default:
		}
	}
}

// Subscribe returns a channel receiving every status change.
func (s *Sequencer) Subscribe() chan Status {
	ch := make(chan Status, 16)

	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()

	return ch
}

func (s *Sequencer) Unsubscribe(ch chan Status) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}
