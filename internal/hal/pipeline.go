package hal

import (
	"sync"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
)

// Direction tells which way a channel's samples flow through the HAL.
type Direction string

const (
	// Input channels are measured: raw samples arrive and are converted forward.
	Input Direction = "input"
	// Output channels are driven: a physical demand is converted back to raw.
	Output Direction = "output"
)

type channel struct {
	shape     int
	direction Direction
	transform *Transform
}

// Pipeline holds the installed transform of every declared channel.
type Pipeline struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

func NewPipeline() *Pipeline {
	return &Pipeline{channels: make(map[string]*channel)}
}

// Declare records a channel's shape and direction. Redeclaring with a
// different shape is refused while a transform is installed.
func (p *Pipeline) Declare(name string, shape int, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if shape <= 0 {
		return errcode.New(errcode.ShapeMismatch, "hal.Declare", "channel %s: shape must be positive, got %d", name, shape)
	}
	if ch, ok := p.channels[name]; ok && ch.transform != nil && ch.shape != shape {
		return errcode.New(errcode.ShapeMismatch, "hal.Declare", "channel %s is installed with shape %d", name, ch.shape)
	}
	p.channels[name] = &channel{shape: shape, direction: dir}
	return nil
}

// Install validates and arms the transform of a declared channel.
func (p *Pipeline) Install(name string, scale, offset []float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[name]
	if !ok {
		return errcode.New(errcode.NotFound, "hal.Install", "channel %s not declared", name)
	}
	t, err := NewTransform(ch.shape, scale, offset)
	if err != nil {
		return err
	}
	if ch.direction == Output && t.Degenerate() {
		return errcode.New(errcode.DegenerateTransform, "hal.Install", "output channel %s: scale %v has a zero element", name, scale)
	}
	ch.transform = &t
	return nil
}

func (p *Pipeline) installed(op, name string) (Transform, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ch, ok := p.channels[name]
	if !ok || ch.transform == nil {
		return Transform{}, errcode.New(errcode.NotFound, op, "no transform installed for channel %s", name)
	}
	return *ch.transform, nil
}

// ApplyForward converts a raw sample of the named channel.
func (p *Pipeline) ApplyForward(name string, raw []float64) ([]float64, error) {
	t, err := p.installed("hal.ApplyForward", name)
	if err != nil {
		return nil, err
	}
	return t.Forward(raw)
}

// ApplyInverse converts a physical demand of the named channel to raw.
func (p *Pipeline) ApplyInverse(name string, phys []float64) ([]float64, error) {
	t, err := p.installed("hal.ApplyInverse", name)
	if err != nil {
		return nil, err
	}
	return t.Inverse(phys)
}

// Transform returns a copy of the installed transform, if any.
func (p *Pipeline) Transform(name string) (Transform, bool) {
	t, err := p.installed("hal.Transform", name)
	if err != nil {
		return Transform{}, false
	}
	return Transform{
		Scale:  append([]float64(nil), t.Scale...),
		Offset: append([]float64(nil), t.Offset...),
	}, true
}

// Clear uninstalls every channel.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.channels = make(map[string]*channel)
	p.mu.Unlock()
}
