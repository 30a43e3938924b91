package contract

import (
	"fmt"
	"math"

	"github.com/KevinKickass/OpenShotCore/internal/hal"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"github.com/google/uuid"
)

// Descriptor describes one device type. Every instance of the type shares
// the contract GUID, the channel layout and the parameter declarations.
type Descriptor struct {
	Kind        string                     `json:"kind"`
	GUID        uuid.UUID                  `json:"guid"`
	Version     string                     `json:"version,omitempty"`
	Description string                     `json:"description,omitempty"`
	Rate        float64                    `json:"rate"`
	Phase       float64                    `json:"phase"`
	Transport   TransportDefaults          `json:"transport"`
	Channels    []ChannelSpec              `json:"channels"`
	Parameters  []params.Spec              `json:"parameters,omitempty"`
	Setpoints   []string                   `json:"setpoints,omitempty"`
	Dispatch    map[Operation]DispatchSpec `json:"dispatch,omitempty"`
}

// TransportDefaults seed the COMMS nodes of new instances.
type TransportDefaults struct {
	Kind    transport.Kind `json:"transport,omitempty"`
	Address string         `json:"address"`
	Port    int            `json:"port"`
}

// ChannelSpec declares one signal channel.
type ChannelSpec struct {
	Name       string        `json:"name"`
	Direction  hal.Direction `json:"direction"`
	RawShape   int           `json:"raw_shape"`
	RawType    string        `json:"raw_type,omitempty"`
	PhysShape  int           `json:"phys_shape"`
	PhysType   string        `json:"phys_type,omitempty"`
	HAL        string        `json:"hal,omitempty"`
	MaxMissing int           `json:"max_missing"`
	Selectors  []int         `json:"selectors,omitempty"`
	Unit       string        `json:"unit,omitempty"`
	Help       string        `json:"help,omitempty"`
}

// DispatchSpec places a lifecycle operation on the shot timeline.
type DispatchSpec struct {
	Phase    string `json:"phase"`
	Priority int    `json:"priority"`
}

const DefaultPriority = 50

// DefaultDispatch is the timeline used when a descriptor declares none.
func DefaultDispatch() map[Operation]DispatchSpec {
	return map[Operation]DispatchSpec{
		OpCheck:     {Phase: "CHECK", Priority: DefaultPriority},
		OpConfigure: {Phase: "CONFIG", Priority: DefaultPriority},
		OpStart:     {Phase: "PREPULSE", Priority: DefaultPriority},
		OpStop:      {Phase: "DONE", Priority: DefaultPriority},
	}
}

// DispatchFor returns the timeline entry of op, falling back to the default.
func (d *Descriptor) DispatchFor(op Operation) DispatchSpec {
	if spec, ok := d.Dispatch[op]; ok {
		return spec
	}
	return DefaultDispatch()[op]
}

// Layout paths shared by every contract.
const (
	PathGUID      = "GUID"
	PathThisGUID  = "THIS_GUID"
	PathName      = "NAME"
	PathComment   = "COMMENT"
	PathRate      = "PARAMETERS.IMMUTABLE.RATE"
	PathPhase     = "PARAMETERS.IMMUTABLE.PHASE"
	PathTransport = "COMMS.TRANSPORT"
	PathAddress   = "COMMS.ADDRESS"
	PathPort      = "COMMS.PORT"
	PathCommsName = "COMMS.NAME"
)

// MaxRate bounds the sampling rate so the period stays at least a
// microsecond.
const MaxRate = 1e6

// ChannelPath returns the path of a channel attribute, e.g. SIGNALS.FLUX.SCALE.
func ChannelPath(channel, attr string) string {
	return params.Join("SIGNALS", channel, attr)
}

// Validate checks a descriptor for internal consistency.
func (d *Descriptor) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("descriptor has no kind")
	}
	if d.GUID == uuid.Nil {
		return fmt.Errorf("%s: contract guid is missing", d.Kind)
	}
	if d.Rate <= 0 || math.IsInf(d.Rate, 0) || math.IsNaN(d.Rate) {
		return fmt.Errorf("%s: rate must be positive, got %g", d.Kind, d.Rate)
	}
	if d.Rate > MaxRate {
		return fmt.Errorf("%s: rate %g Hz exceeds %g Hz", d.Kind, d.Rate, MaxRate)
	}
	if d.Phase < 0 || d.Phase >= 2 {
		return fmt.Errorf("%s: phase %g is outside [0, 2) seconds", d.Kind, d.Phase)
	}
	binding := transport.Binding{Kind: d.transportKind(), Address: d.Transport.Address, Port: d.Transport.Port, Name: d.Kind}
	if err := binding.Validate(); err != nil {
		return fmt.Errorf("%s: transport: %w", d.Kind, err)
	}
	if len(d.Channels) == 0 {
		return fmt.Errorf("%s: no channels declared", d.Kind)
	}

	seen := make(map[string]bool)
	for _, ch := range d.Channels {
		name, err := params.CanonicalPath(ch.Name)
		if err != nil || name != ch.Name {
			return fmt.Errorf("%s: channel name %q must be a single upper-case segment", d.Kind, ch.Name)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate channel %s", d.Kind, name)
		}
		seen[name] = true

		if ch.Direction != hal.Input && ch.Direction != hal.Output {
			return fmt.Errorf("%s: channel %s: unknown direction %q", d.Kind, name, ch.Direction)
		}
		if ch.RawShape <= 0 || ch.PhysShape <= 0 {
			return fmt.Errorf("%s: channel %s: shapes must be positive", d.Kind, name)
		}
		if ch.RawShape != ch.PhysShape {
			return fmt.Errorf("%s: channel %s: raw shape %d differs from physical shape %d", d.Kind, name, ch.RawShape, ch.PhysShape)
		}
		if ch.MaxMissing < 0 {
			return fmt.Errorf("%s: channel %s: max_missing must not be negative", d.Kind, name)
		}
		if len(ch.Selectors) > 0 {
			if ch.Direction != hal.Input {
				return fmt.Errorf("%s: channel %s: selectors apply to input channels only", d.Kind, name)
			}
			if len(ch.Selectors) != ch.RawShape {
				return fmt.Errorf("%s: channel %s: %d selectors for raw shape %d", d.Kind, name, len(ch.Selectors), ch.RawShape)
			}
			for _, s := range ch.Selectors {
				if s < 0 {
					return fmt.Errorf("%s: channel %s: negative selector %d", d.Kind, name, s)
				}
			}
		}
		scale, offset, err := ch.transform()
		if err != nil {
			return fmt.Errorf("%s: channel %s: %w", d.Kind, name, err)
		}
		if ch.Direction == hal.Output {
			if t := (hal.Transform{Scale: scale, Offset: offset}); t.Degenerate() {
				return fmt.Errorf("%s: channel %s: output transform has a zero scale", d.Kind, name)
			}
		}
	}

	numeric := make(map[string]bool)
	for _, p := range d.Parameters {
		canon, err := params.CanonicalPath(p.Path)
		if err != nil {
			return fmt.Errorf("%s: parameter: %w", d.Kind, err)
		}
		if p.Type == params.TypeNumeric {
			numeric[canon] = true
		}
	}
	for _, sp := range d.Setpoints {
		canon, err := params.CanonicalPath(sp)
		if err != nil {
			return fmt.Errorf("%s: setpoint: %w", d.Kind, err)
		}
		if !numeric[canon] {
			return fmt.Errorf("%s: setpoint %s is not a numeric parameter", d.Kind, canon)
		}
	}

	for op := range d.Dispatch {
		if !op.Valid() {
			return fmt.Errorf("%s: dispatch for unknown operation %q", d.Kind, op)
		}
	}
	return nil
}

func (d *Descriptor) transportKind() transport.Kind {
	if d.Transport.Kind == "" {
		return transport.KindSDN
	}
	return d.Transport.Kind
}

func (ch ChannelSpec) transform() (scale, offset []float64, err error) {
	if ch.HAL == "" {
		t := hal.Identity(ch.PhysShape)
		return t.Scale, t.Offset, nil
	}
	return hal.ParseExpression(ch.HAL, ch.PhysShape)
}

func text(s string) *params.Value { v := params.Text(s); return &v }
func num(f float64) *params.Value { v := params.Numeric(f); return &v }
func vec(f []float64) *params.Value {
	v := params.Vector(f...)
	return &v
}
func float(f float64) *float64 { return &f }

// Schema generates the full parameter layout of an instance: identity,
// timing, one SIGNALS group per channel, COMMS, then the descriptor's own
// parameters. Instance-specific values are left unset.
func Schema(d *Descriptor) ([]params.Spec, error) {
	specs := []params.Spec{
		{Path: PathGUID, Type: params.TypeText, Default: text(d.GUID.String()), WriteOnce: true, NoWriteShot: true,
			Help: "Contract GUID of this device type"},
		{Path: PathThisGUID, Type: params.TypeText, WriteOnce: true, NoWriteShot: true,
			Help: "The GUID of this instance"},
		{Path: PathName, Type: params.TypeText, WriteOnce: true, NoWriteShot: true},
		{Path: PathComment, Type: params.TypeText, NoWriteShot: true},
		{Path: "PARAMETERS.IMMUTABLE", Type: params.TypeStructure, Help: "Parameters with fixed values for this contract"},
		{Path: PathRate, Type: params.TypeNumeric, Default: num(d.Rate), WriteOnce: true, NoWriteShot: true,
			Max: float(MaxRate), Unit: "Hz", Help: "rate in Hz"},
		{Path: PathPhase, Type: params.TypeNumeric, Default: num(d.Phase), WriteOnce: true, NoWriteShot: true,
			Min: float(0), Max: float(2), Unit: "s", Help: "Phase of timing relative to even second"},
	}

	for _, ch := range d.Channels {
		scale, offset, err := ch.transform()
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		rawType, physType := ch.RawType, ch.PhysType
		if rawType == "" {
			rawType = "float"
		}
		if physType == "" {
			physType = "float"
		}
		specs = append(specs,
			params.Spec{Path: params.Join("SIGNALS", ch.Name), Type: params.TypeStructure, Unit: ch.Unit, Help: ch.Help},
			params.Spec{Path: ChannelPath(ch.Name, "RAW_SHAPE"), Type: params.TypeNumeric, Default: num(float64(ch.RawShape)),
				WriteOnce: true, NoWriteShot: true, Help: "Shape of data on the wire"},
			params.Spec{Path: ChannelPath(ch.Name, "RAW_TYPE"), Type: params.TypeText, Default: text(rawType),
				WriteOnce: true, NoWriteShot: true, Help: "Type of the data on the wire"},
			params.Spec{Path: ChannelPath(ch.Name, "PHYS_SHAPE"), Type: params.TypeNumeric, Default: num(float64(ch.PhysShape)),
				WriteOnce: true, NoWriteShot: true, Help: "Shape of data in physics units"},
			params.Spec{Path: ChannelPath(ch.Name, "PHYS_TYPE"), Type: params.TypeText, Default: text(physType),
				WriteOnce: true, NoWriteShot: true, Help: "Type of the data in physics units"},
			params.Spec{Path: ChannelPath(ch.Name, "SCALE"), Type: params.TypeVector, Default: vec(scale), Shape: ch.PhysShape,
				NoWriteShot: true, Help: "HAL scale, phys = raw * scale + offset"},
			params.Spec{Path: ChannelPath(ch.Name, "OFFSET"), Type: params.TypeVector, Default: vec(offset), Shape: ch.PhysShape,
				NoWriteShot: true, Help: "HAL offset"},
			params.Spec{Path: ChannelPath(ch.Name, "MAX_MISSING"), Type: params.TypeNumeric, Default: num(float64(ch.MaxMissing)),
				NoWriteShot: true, Min: float(0), Help: "Maximum allowed missing samples"},
		)
		if len(ch.Selectors) > 0 {
			sel := make([]float64, len(ch.Selectors))
			for i, s := range ch.Selectors {
				sel[i] = float64(s)
			}
			specs = append(specs, params.Spec{Path: ChannelPath(ch.Name, "SELECTORS"), Type: params.TypeVector,
				Default: vec(sel), Shape: ch.RawShape, WriteOnce: true, NoWriteShot: true, Min: float(0),
				Help: "Which elements of the received data to select"})
		}
	}

	specs = append(specs,
		params.Spec{Path: PathTransport, Type: params.TypeText, Default: text(string(d.transportKind())), WriteOnce: true, NoWriteShot: true,
			Help: "Use SDN for communication"},
		params.Spec{Path: PathAddress, Type: params.TypeText, Default: text(d.Transport.Address), WriteOnce: true, NoWriteShot: true,
			Help: "Multicast address"},
		params.Spec{Path: PathPort, Type: params.TypeNumeric, Default: num(float64(d.Transport.Port)), WriteOnce: true, NoWriteShot: true,
			Min: float(1), Max: float(65535), Help: "Multicast port"},
		params.Spec{Path: PathCommsName, Type: params.TypeText, WriteOnce: true, NoWriteShot: true,
			Help: "Name string to send with the message"},
	)

	return append(specs, d.Parameters...), nil
}
