package sweep

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/velocity.pilot/internal/mpc"
)

// weightFields maps sweepable parameter names to the cost weight they set.
var weightFields = map[string]func(*mpc.Weights) *float64{
	"cte":        func(w *mpc.Weights) *float64 { return &w.CTE },
	"epsi":       func(w *mpc.Weights) *float64 { return &w.EPsi },
	"speed":      func(w *mpc.Weights) *float64 { return &w.Speed },
	"steer":      func(w *mpc.Weights) *float64 { return &w.Steer },
	"accel":      func(w *mpc.Weights) *float64 { return &w.Accel },
	"steer_rate": func(w *mpc.Weights) *float64 { return &w.SteerRate },
	"accel_rate": func(w *mpc.Weights) *float64 { return &w.AccelRate },
}

// ParamNames lists the sweepable weights in sorted order.
func ParamNames() []string {
	names := make([]string, 0, len(weightFields))
	for n := range weightFields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Grid is a set of swept weights and the values each takes.
type Grid struct {
	Names  []string
	Values [][]float64
}

// ParseGrid builds a Grid from "name=spec" arguments, where spec is a
// "min:max:step" range or a comma-separated list.
func ParseGrid(args []string) (Grid, error) {
	var g Grid
	seen := make(map[string]bool)
	for _, arg := range args {
		name, spec, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || spec == "" {
			return Grid{}, fmt.Errorf("invalid parameter %q: expected name=min:max:step or name=v1,v2", arg)
		}
		if _, known := weightFields[name]; !known {
			return Grid{}, fmt.Errorf("unknown parameter %q (known: %s)", name, strings.Join(ParamNames(), ", "))
		}
		if seen[name] {
			return Grid{}, fmt.Errorf("parameter %q given twice", name)
		}
		seen[name] = true

		values, err := ParseParamList(spec)
		if err != nil {
			return Grid{}, fmt.Errorf("parameter %q: %w", name, err)
		}
		if len(values) == 0 {
			return Grid{}, fmt.Errorf("parameter %q has no values", name)
		}
		for _, v := range values {
			if v < 0 {
				return Grid{}, fmt.Errorf("parameter %q: weight %g is negative", name, v)
			}
		}
		g.Names = append(g.Names, name)
		g.Values = append(g.Values, values)
	}
	return g, nil
}

// Combinations expands the grid into one Weights per combination, each
// starting from base.
func (g Grid) Combinations(base mpc.Weights) ([]mpc.Weights, error) {
	if len(g.Names) == 0 {
		return []mpc.Weights{base}, nil
	}
	combos, err := Cartesian(g.Values)
	if err != nil {
		return nil, err
	}
	out := make([]mpc.Weights, len(combos))
	for i, combo := range combos {
		w := base
		for j, name := range g.Names {
			*weightFields[name](&w) = combo[j]
		}
		out[i] = w
	}
	return out, nil
}

// Param returns the named weight from w.
func Param(w mpc.Weights, name string) float64 {
	f, ok := weightFields[name]
	if !ok {
		return 0
	}
	return *f(&w)
}
