package hal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
)

const number = `(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][-+]?[0-9]+)?`

// Affine HAL text as stored on channel nodes, e.g.
//
//	_out := _in * [1.,1.,1.] + [0., 0., 0.]
//	_out := _in * 1. + 0.
var affineExpr = regexp.MustCompile(`^\s*_out\s*:=\s*_in\s*\*\s*(\[[^\]]*\]|[-+]?` + number + `)\s*([+-])\s*(\[[^\]]*\]|` + number + `)\s*;?\s*$`)

// ParseExpression extracts scale and offset vectors of the given shape from
// an affine HAL expression. Scalar operands are broadcast to the shape.
func ParseExpression(expr string, shape int) (scale, offset []float64, err error) {
	m := affineExpr.FindStringSubmatch(expr)
	if m == nil {
		return nil, nil, fmt.Errorf("hal expression %q is not of the form _out := _in * S + O", expr)
	}
	if scale, err = parseOperand(m[1], shape); err != nil {
		return nil, nil, fmt.Errorf("scale: %w", err)
	}
	if offset, err = parseOperand(m[3], shape); err != nil {
		return nil, nil, fmt.Errorf("offset: %w", err)
	}
	if m[2] == "-" {
		for i := range offset {
			offset[i] = -offset[i]
		}
	}
	return scale, offset, nil
}

func parseOperand(s string, shape int) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out := make([]float64, shape)
		for i := range out {
			out[i] = f
		}
		return out, nil
	}

	body := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	fields := strings.Split(body, ",")
	if len(fields) != shape {
		return nil, errcode.New(errcode.ShapeMismatch, "hal.ParseExpression", "%d elements for shape %d", len(fields), shape)
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatExpression renders scale and offset back into HAL text.
func FormatExpression(scale, offset []float64) string {
	if len(offset) == 1 && offset[0] < 0 {
		return fmt.Sprintf("_out := _in * %s - %s", formatOperand(scale), formatOperand([]float64{-offset[0]}))
	}
	return fmt.Sprintf("_out := _in * %s + %s", formatOperand(scale), formatOperand(offset))
}

func formatOperand(v []float64) string {
	if len(v) == 1 {
		return strconv.FormatFloat(v[0], 'g', -1, 64)
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
