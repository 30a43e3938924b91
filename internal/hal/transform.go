package hal

import (
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
)

// Transform is the element-wise affine relation phys = raw*Scale + Offset.
type Transform struct {
	Scale  []float64 `json:"scale"`
	Offset []float64 `json:"offset"`
}

// NewTransform validates the vectors against the declared channel shape.
func NewTransform(shape int, scale, offset []float64) (Transform, error) {
	if shape <= 0 {
		return Transform{}, errcode.New(errcode.ShapeMismatch, "hal.NewTransform", "shape must be positive, got %d", shape)
	}
	if len(scale) != shape || len(offset) != shape {
		return Transform{}, errcode.New(errcode.ShapeMismatch, "hal.NewTransform",
			"scale has %d and offset %d elements, channel shape is %d", len(scale), len(offset), shape)
	}
	return Transform{
		Scale:  append([]float64(nil), scale...),
		Offset: append([]float64(nil), offset...),
	}, nil
}

// Identity returns the unit transform of the given shape.
func Identity(shape int) Transform {
	t := Transform{Scale: make([]float64, shape), Offset: make([]float64, shape)}
	for i := range t.Scale {
		t.Scale[i] = 1
	}
	return t
}

func (t Transform) Shape() int { return len(t.Scale) }

// Degenerate reports whether the transform has no inverse.
func (t Transform) Degenerate() bool {
	for _, s := range t.Scale {
		if s == 0 {
			return true
		}
	}
	return false
}

// Forward converts a raw sample to physical units.
func (t Transform) Forward(raw []float64) ([]float64, error) {
	if len(raw) != len(t.Scale) {
		return nil, errcode.New(errcode.ShapeMismatch, "hal.Forward", "sample has %d elements, channel shape is %d", len(raw), len(t.Scale))
	}
	out := make([]float64, len(raw))
	for i, r := range raw {
		out[i] = r*t.Scale[i] + t.Offset[i]
	}
	return out, nil
}

// Inverse converts a physical demand back to raw units.
func (t Transform) Inverse(phys []float64) ([]float64, error) {
	if len(phys) != len(t.Scale) {
		return nil, errcode.New(errcode.ShapeMismatch, "hal.Inverse", "demand has %d elements, channel shape is %d", len(phys), len(t.Scale))
	}
	if t.Degenerate() {
		return nil, errcode.New(errcode.DegenerateTransform, "hal.Inverse", "scale %v has a zero element", t.Scale)
	}
	out := make([]float64, len(phys))
	for i, p := range phys {
		out[i] = (p - t.Offset[i]) / t.Scale[i]
	}
	return out, nil
}
