package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/fault"
	"github.com/KevinKickass/OpenShotCore/internal/hal"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceContract is the lifecycle surface the shot sequencer drives.
type DeviceContract interface {
	Identity() Identity
	State() State
	Check(ctx context.Context) error
	Configure(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Identity is fixed when the instance is created.
type Identity struct {
	ContractGUID uuid.UUID `json:"contract_guid"`
	InstanceID   uuid.UUID `json:"instance_id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
}

// Setpoints pushes recipe values to the controlled hardware.
type Setpoints interface {
	WriteSetpoint(ctx context.Context, device, path string, value float64) error
}

// Options carries the collaborators of a device. Bus is required once the
// device is started; everything else is optional.
type Options struct {
	Bus              transport.Bus
	Sink             SampleSink
	Setpoints        Setpoints
	Ticks            TickSource
	Logger           *zap.Logger
	ConfigureTimeout time.Duration
	StopTimeout      time.Duration
	Debug            bool
	OnFault          func(Identity, fault.Event)
	OnTransition     func(Transition)
}

type demand struct {
	phys []float64
	raw  []float64
}

// Device is the generic contract implementation; the descriptor supplies
// everything type specific.
type Device struct {
	desc     *Descriptor
	identity Identity
	tree     *params.Tree
	opts     Options
	logger   *zap.Logger

	pipeline *hal.Pipeline
	monitor  *fault.Monitor

	// opMu serialises lifecycle operations.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	demands map[string]*demand

	sub     transport.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	binding transport.Binding
}

var _ DeviceContract = (*Device)(nil)

// New wraps a parameter tree built from Schema(desc) into a device.
func New(desc *Descriptor, tree *params.Tree, opts Options) (*Device, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Ticks == nil {
		opts.Ticks = AlignedTicks{}
	}
	if opts.ConfigureTimeout <= 0 {
		opts.ConfigureTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}

	name, err := tree.Get(PathName, params.TypeText)
	if err != nil {
		return nil, fmt.Errorf("device name: %w", err)
	}

	d := &Device{
		desc: desc,
		identity: Identity{
			ContractGUID: desc.GUID,
			InstanceID:   tree.InstanceID(),
			Kind:         desc.Kind,
			Name:         name.Text,
		},
		tree:     tree,
		opts:     opts,
		pipeline: hal.NewPipeline(),
		state:    StateCreated,
		demands:  make(map[string]*demand),
	}
	d.logger = opts.Logger.With(
		zap.String("device", d.identity.Name),
		zap.String("kind", desc.Kind),
		zap.String("instance_id", d.identity.InstanceID.String()))
	d.monitor = fault.NewMonitor(d.logger, d.onFault)
	return d, nil
}

func (d *Device) Identity() Identity { return d.identity }
func (d *Device) Descriptor() *Descriptor { return d.desc }
func (d *Device) Tree() *params.Tree { return d.tree }
func (d *Device) Faults() []fault.Status { return d.monitor.Snapshot() }
func (d *Device) Pipeline() *hal.Pipeline { return d.pipeline }

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) onFault(ev fault.Event) {
	if d.opts.OnFault != nil {
		d.opts.OnFault(d.identity, ev)
	}
}

func (d *Device) begin(op Operation) (State, error) {
	from := d.State()
	if !CanTransition(from, op) {
		return from, transitionError(op, from)
	}
	return from, nil
}

func (d *Device) commit(op Operation, from State) {
	to := transitions[op].to
	d.mu.Lock()
	d.state = to
	d.mu.Unlock()

	if d.opts.Debug {
		d.logger.Debug("Lifecycle transition",
			zap.String("op", string(op)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	if d.opts.OnTransition != nil {
		d.opts.OnTransition(Transition{
			InstanceID: d.identity.InstanceID,
			Name:       d.identity.Name,
			Op:         op,
			From:       from,
			To:         to,
			At:         time.Now(),
		})
	}
}

func (d *Device) number(path string) (float64, error) {
	v, err := d.tree.Get(path, params.TypeNumeric)
	if err != nil {
		return 0, err
	}
	return v.Number, nil
}

func (d *Device) vector(path string) ([]float64, error) {
	v, err := d.tree.Get(path, params.TypeVector)
	if err != nil {
		return nil, err
	}
	return v.Vector, nil
}

// Binding reads the transport binding from the COMMS nodes.
func (d *Device) Binding() (transport.Binding, error) {
	var b transport.Binding
	kind, err := d.tree.Get(PathTransport, params.TypeText)
	if err != nil {
		return b, err
	}
	addr, err := d.tree.Get(PathAddress, params.TypeText)
	if err != nil {
		return b, err
	}
	port, err := d.number(PathPort)
	if err != nil {
		return b, err
	}
	name, err := d.tree.Get(PathCommsName, params.TypeText)
	if err != nil {
		return b, err
	}
	b = transport.Binding{Kind: transport.Kind(kind.Text), Address: addr.Text, Port: int(port), Name: name.Text}
	return b, b.Validate()
}

// Check validates the recipe and the contract parameters without touching
// them.
func (d *Device) Check(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.begin(OpCheck)
	if err != nil {
		return err
	}

	var problems []error
	for _, p := range d.tree.Unresolved() {
		problems = append(problems, fmt.Errorf("%s is unresolved", p))
	}
	problems = append(problems, d.tree.RangeViolations()...)

	if rate, err := d.number(PathRate); err != nil {
		problems = append(problems, err)
	} else if rate <= 0 || rate > MaxRate {
		problems = append(problems, fmt.Errorf("%s must be in (0, %g], got %g", PathRate, MaxRate, rate))
	}
	if _, err := d.Binding(); err != nil {
		problems = append(problems, fmt.Errorf("transport binding: %w", err))
	}
	for _, ch := range d.desc.Channels {
		problems = append(problems, d.checkChannel(ch)...)
	}

	if len(problems) > 0 {
		d.logger.Warn("CHECK failed", zap.Errors("problems", problems))
		return errcode.Wrap(errcode.RecipeMismatch, "contract.CHECK", errors.Join(problems...))
	}

	d.commit(OpCheck, from)
	return nil
}

func (d *Device) checkChannel(ch ChannelSpec) []error {
	var problems []error
	rawShape, err1 := d.number(ChannelPath(ch.Name, "RAW_SHAPE"))
	physShape, err2 := d.number(ChannelPath(ch.Name, "PHYS_SHAPE"))
	if err := errors.Join(err1, err2); err != nil {
		return []error{err}
	}
	if rawShape != physShape {
		problems = append(problems, fmt.Errorf("channel %s: raw shape %g differs from physical shape %g", ch.Name, rawShape, physShape))
	}
	for _, attr := range []string{"SCALE", "OFFSET"} {
		v, err := d.vector(ChannelPath(ch.Name, attr))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if float64(len(v)) != physShape {
			problems = append(problems, fmt.Errorf("channel %s: %s has %d elements for shape %g", ch.Name, attr, len(v), physShape))
		}
	}
	if len(ch.Selectors) > 0 {
		sel, err := d.vector(ChannelPath(ch.Name, "SELECTORS"))
		if err != nil {
			problems = append(problems, err)
		} else if float64(len(sel)) != rawShape {
			problems = append(problems, fmt.Errorf("channel %s: %d selectors for raw shape %g", ch.Name, len(sel), rawShape))
		}
	}
	return problems
}

// Configure pushes every recipe setpoint to the hardware. A failed or timed
// out write leaves the state unchanged.
func (d *Device) Configure(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.begin(OpConfigure)
	if err != nil {
		return err
	}

	if len(d.desc.Setpoints) > 0 {
		if d.opts.Setpoints == nil {
			return errcode.New(errcode.IOError, "contract.CONFIGURE", "no setpoint writer for %d recipe values", len(d.desc.Setpoints))
		}
		ctx, cancel := context.WithTimeout(ctx, d.opts.ConfigureTimeout)
		defer cancel()

		for _, path := range d.desc.Setpoints {
			value, err := d.number(path)
			if err != nil {
				return errcode.Wrap(errcode.IOError, "contract.CONFIGURE", fmt.Errorf("recipe %s: %w", path, err))
			}
			if err := d.opts.Setpoints.WriteSetpoint(ctx, d.identity.Name, path, value); err != nil {
				d.logger.Error("Setpoint write failed",
					zap.String("path", path),
					zap.Float64("value", value),
					zap.Error(err))
				return errcode.Wrap(errcode.IOError, "contract.CONFIGURE", fmt.Errorf("setpoint %s: %w", path, err))
			}
			d.logger.Info("Setpoint written", zap.String("path", path), zap.Float64("value", value))
		}
	}

	d.commit(OpConfigure, from)
	return nil
}

// Start freezes the shot parameters, installs every transform, subscribes
// the binding and launches one sampler per channel. Any failure rolls the
// device back to configured.
func (d *Device) Start(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.begin(OpStart)
	if err != nil {
		return err
	}
	if d.opts.Bus == nil {
		return errcode.New(errcode.IOError, "contract.START", "no transport bus")
	}

	d.tree.BeginShot()
	samplers, err := d.arm(ctx)
	if err != nil {
		rollback, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.StopTimeout)
		d.disarm(rollback)
		cancel()
		d.tree.EndShot()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for _, s := range samplers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			s.run(runCtx, d.opts.Ticks)
		}()
	}

	d.commit(OpStart, from)
	d.logger.Info("Device started",
		zap.String("binding", d.binding.String()),
		zap.Int("channels", len(samplers)))
	return nil
}

func (d *Device) arm(ctx context.Context) ([]*sampler, error) {
	binding, err := d.Binding()
	if err != nil {
		return nil, errcode.Wrap(errcode.RecipeMismatch, "contract.START", err)
	}
	rate, err := d.number(PathRate)
	if err != nil {
		return nil, err
	}
	phase, err := d.number(PathPhase)
	if err != nil {
		return nil, err
	}
	if rate <= 0 || rate > MaxRate {
		return nil, errcode.New(errcode.RecipeMismatch, "contract.START", "rate %g Hz outside (0, %g]", rate, MaxRate)
	}
	period := time.Duration(float64(time.Second) / rate)
	offset := time.Duration(phase * float64(time.Second))

	d.pipeline.Clear()
	samplers := make([]*sampler, 0, len(d.desc.Channels))
	inputs := 0
	for _, ch := range d.desc.Channels {
		shape, err := d.number(ChannelPath(ch.Name, "PHYS_SHAPE"))
		if err != nil {
			return nil, err
		}
		if err := d.pipeline.Declare(ch.Name, int(shape), ch.Direction); err != nil {
			return nil, err
		}
		scale, err := d.vector(ChannelPath(ch.Name, "SCALE"))
		if err != nil {
			return nil, err
		}
		off, err := d.vector(ChannelPath(ch.Name, "OFFSET"))
		if err != nil {
			return nil, err
		}
		if err := d.pipeline.Install(ch.Name, scale, off); err != nil {
			return nil, err
		}
		maxMissing, err := d.number(ChannelPath(ch.Name, "MAX_MISSING"))
		if err != nil {
			return nil, err
		}

		s := &sampler{
			device:     d,
			channel:    ch,
			period:     period,
			phase:      offset,
			maxMissing: int(maxMissing),
			binding:    binding,
		}
		if len(ch.Selectors) > 0 {
			sel, err := d.vector(ChannelPath(ch.Name, "SELECTORS"))
			if err != nil {
				return nil, err
			}
			for _, f := range sel {
				s.selectors = append(s.selectors, int(f))
			}
		}
		if ch.Direction == hal.Input {
			inputs++
		}
		samplers = append(samplers, s)
	}

	d.binding = binding
	if inputs > 0 {
		sub, err := d.opts.Bus.Subscribe(ctx, binding)
		if err != nil {
			return nil, errcode.Wrap(errcode.IOError, "contract.START", err)
		}
		d.sub = sub
		dm := newDemux(sub, d.desc.Channels)
		for _, s := range samplers {
			s.demux = dm
		}
	}

	d.mu.Lock()
	d.demands = make(map[string]*demand)
	d.mu.Unlock()

	for _, s := range samplers {
		d.monitor.Arm(s.channel.Name, s.maxMissing)
	}
	return samplers, nil
}

// disarm tears down whatever arm or a running shot set up. Waiting on the
// samplers and closing the subscription are bounded by ctx; failures and
// overruns are logged only.
func (d *Device) disarm(ctx context.Context) {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("Samplers did not stop in time", zap.Error(ctx.Err()))
		}
	}
	if d.sub != nil {
		sub := d.sub
		d.sub = nil

		closed := make(chan error, 1)
		go func() { closed <- sub.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				d.logger.Warn("Closing subscription failed", zap.Error(err))
			}
		case <-ctx.Done():
			d.logger.Warn("Closing subscription did not finish in time", zap.Error(ctx.Err()))
		}
	}
	d.monitor.DisarmAll()
	d.pipeline.Clear()
}

// Stop always ends in the stopped state with every channel disarmed. The
// teardown is bounded by ctx and by the configured stop timeout, whichever
// ends first.
func (d *Device) Stop(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from, err := d.begin(OpStop)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.StopTimeout)
	defer cancel()
	d.disarm(ctx)
	d.tree.EndShot()
	d.mu.Lock()
	d.demands = make(map[string]*demand)
	d.mu.Unlock()

	d.commit(OpStop, from)
	if from == StateStarted {
		d.logger.Info("Device stopped")
	}
	return nil
}

// WriteDemand sets the physical demand of an output channel for the
// running shot. The demand is write-once per shot; repeating the same
// value succeeds.
func (d *Device) WriteDemand(ctx context.Context, channel string, phys []float64) error {
	name, err := params.CanonicalPath(channel)
	if err != nil {
		return errcode.Wrap(errcode.NotFound, "contract.WriteDemand", err)
	}
	var spec *ChannelSpec
	for i := range d.desc.Channels {
		if d.desc.Channels[i].Name == name {
			spec = &d.desc.Channels[i]
		}
	}
	if spec == nil {
		return errcode.New(errcode.NotFound, "contract.WriteDemand", "no channel %s", name)
	}
	if spec.Direction != hal.Output {
		return errcode.New(errcode.TypeMismatch, "contract.WriteDemand", "channel %s is an input", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStarted {
		return errcode.New(errcode.InvalidTransition, "contract.WriteDemand", "device is %s", d.state)
	}
	if cur, ok := d.demands[name]; ok {
		if params.Vector(cur.phys...).Equal(params.Vector(phys...)) {
			return nil
		}
		return errcode.New(errcode.Frozen, "contract.WriteDemand", "demand of %s already written this shot", name)
	}
	raw, err := d.pipeline.ApplyInverse(name, phys)
	if err != nil {
		return err
	}
	d.demands[name] = &demand{phys: append([]float64(nil), phys...), raw: raw}
	return nil
}

func (d *Device) currentDemand(channel string) (*demand, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dm, ok := d.demands[channel]
	return dm, ok
}
