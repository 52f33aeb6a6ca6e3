// Package sweep searches controller cost weights by running closed-loop
// simulations over a grid of values.
package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Limits on generated values, so a mistyped range cannot exhaust memory.
const (
	maxValues = 10000
	maxCombos = 10000
)

// RangeSpec is a "min:max:step" range.
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}
	var v [3]float64
	for i, name := range []string{"min", "max", "step"} {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return RangeSpec{}, fmt.Errorf("invalid %s value %q: %w", name, parts[i], err)
		}
		v[i] = f
	}
	if v[2] <= 0 {
		return RangeSpec{}, fmt.Errorf("step must be positive, got %g", v[2])
	}
	if v[0] > v[1] {
		return RangeSpec{}, fmt.Errorf("min %g exceeds max %g", v[0], v[1])
	}
	return RangeSpec{Min: v[0], Max: v[1], Step: v[2]}, nil
}

// Values expands the range, max inclusive. Values are rounded to 1e-6 to
// absorb accumulated step error. Returns nil when the range would produce
// more than maxValues values.
func (r RangeSpec) Values() []float64 {
	if r.Step <= 0 || r.Min > r.Max {
		return nil
	}
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	if n > maxValues || n < 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Round((r.Min+float64(i)*r.Step)*1e6) / 1e6
	}
	return out
}

// ParseCSVFloat64s parses a comma-separated list of floats. Empty input
// yields nil.
func ParseCSVFloat64s(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseParamList parses either a "min:max:step" range or a comma-separated
// list of values.
func ParseParamList(s string) ([]float64, error) {
	if strings.Contains(s, ":") {
		spec, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		v := spec.Values()
		if v == nil {
			return nil, fmt.Errorf("range %q yields more than %d values", s, maxValues)
		}
		return v, nil
	}
	return ParseCSVFloat64s(s)
}

// Cartesian returns every combination of values, one slice per combination,
// with the last dimension varying fastest.
func Cartesian(values [][]float64) ([][]float64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	total := 1
	for _, v := range values {
		if len(v) == 0 {
			return nil, nil
		}
		total *= len(v)
		if total > maxCombos {
			return nil, fmt.Errorf("parameter combinations would exceed safe limit of %d", maxCombos)
		}
	}

	out := make([][]float64, total)
	for i := range out {
		out[i] = make([]float64, len(values))
	}
	repeat := 1
	for dim := len(values) - 1; dim >= 0; dim-- {
		cycle := len(values[dim])
		for i := range out {
			out[i][dim] = values[dim][(i/repeat)%cycle]
		}
		repeat *= cycle
	}
	return out, nil
}
