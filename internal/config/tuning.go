package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// It mirrors DefaultTuningConfig and is what operators copy and edit.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the controller's start-up configuration. Every field is
// optional; the Get* methods supply defaults for anything left out, so a
// partial file only overrides what it names. The controller never retunes
// while running: the file is read once at start-up.
type TuningConfig struct {
	// Horizon
	HorizonSteps *int    `json:"horizon_steps,omitempty"`
	Timestep     *string `json:"timestep,omitempty"` // duration string like "100ms"

	// Vehicle and actuation
	Latency     *string  `json:"latency,omitempty"` // duration string like "100ms"
	Lf          *float64 `json:"lf,omitempty"`
	MaxSteerDeg *float64 `json:"max_steer_deg,omitempty"`
	AccelMin    *float64 `json:"accel_min,omitempty"`
	AccelMax    *float64 `json:"accel_max,omitempty"`
	RefSpeedMPS *float64 `json:"ref_speed_mps,omitempty"`
	PolyDegree  *int     `json:"poly_degree,omitempty"`

	// Cost weights
	WeightCTE       *float64 `json:"weight_cte,omitempty"`
	WeightEPsi      *float64 `json:"weight_epsi,omitempty"`
	WeightSpeed     *float64 `json:"weight_speed,omitempty"`
	WeightSteer     *float64 `json:"weight_steer,omitempty"`
	WeightAccel     *float64 `json:"weight_accel,omitempty"`
	WeightSteerRate *float64 `json:"weight_steer_rate,omitempty"`
	WeightAccelRate *float64 `json:"weight_accel_rate,omitempty"`

	// Solver
	SolverBackend       *string  `json:"solver_backend,omitempty"`
	SolverMaxIterations *int     `json:"solver_max_iterations,omitempty"`
	SolverTolerance     *float64 `json:"solver_tolerance,omitempty"`
	SolveDeadline       *string  `json:"solve_deadline,omitempty"` // duration string like "80ms"
	WarmStart           *bool    `json:"warm_start,omitempty"`

	// Control loop
	EmulateLatency  *bool    `json:"emulate_latency,omitempty"`
	DisplayStep     *float64 `json:"display_step,omitempty"`
	DisplayDistance *float64 `json:"display_distance,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default. It matches config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		HorizonSteps:        ptrInt(10),
		Timestep:            ptrString("100ms"),
		Latency:             ptrString("100ms"),
		Lf:                  ptrFloat64(2.67),
		MaxSteerDeg:         ptrFloat64(25),
		AccelMin:            ptrFloat64(-1),
		AccelMax:            ptrFloat64(1),
		RefSpeedMPS:         ptrFloat64(22),
		PolyDegree:          ptrInt(3),
		WeightCTE:           ptrFloat64(2000),
		WeightEPsi:          ptrFloat64(2000),
		WeightSpeed:         ptrFloat64(1),
		WeightSteer:         ptrFloat64(5),
		WeightAccel:         ptrFloat64(5),
		WeightSteerRate:     ptrFloat64(200),
		WeightAccelRate:     ptrFloat64(10),
		SolverBackend:       ptrString(mpc.BackendInteriorPoint),
		SolverMaxIterations: ptrInt(200),
		SolverTolerance:     ptrFloat64(1e-6),
		SolveDeadline:       ptrString("80ms"),
		WarmStart:           ptrBool(false),
		EmulateLatency:      ptrBool(true),
		DisplayStep:         ptrFloat64(2),
		DisplayDistance:     ptrFloat64(100),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/plot-session/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"timestep", c.Timestep},
		{"latency", c.Latency},
		{"solve_deadline", c.SolveDeadline},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if c.HorizonSteps != nil && *c.HorizonSteps < 2 {
		return fmt.Errorf("horizon_steps must be at least 2, got %d", *c.HorizonSteps)
	}
	if c.PolyDegree != nil && *c.PolyDegree < 1 {
		return fmt.Errorf("poly_degree must be at least 1, got %d", *c.PolyDegree)
	}
	if c.Lf != nil && *c.Lf <= 0 {
		return fmt.Errorf("lf must be positive, got %f", *c.Lf)
	}
	if c.MaxSteerDeg != nil && (*c.MaxSteerDeg <= 0 || *c.MaxSteerDeg >= 90) {
		return fmt.Errorf("max_steer_deg must be between 0 and 90, got %f", *c.MaxSteerDeg)
	}
	if c.GetAccelMin() > c.GetAccelMax() {
		return fmt.Errorf("accel_min %f exceeds accel_max %f", c.GetAccelMin(), c.GetAccelMax())
	}

	weights := []struct {
		name string
		v    *float64
	}{
		{"weight_cte", c.WeightCTE},
		{"weight_epsi", c.WeightEPsi},
		{"weight_speed", c.WeightSpeed},
		{"weight_steer", c.WeightSteer},
		{"weight_accel", c.WeightAccel},
		{"weight_steer_rate", c.WeightSteerRate},
		{"weight_accel_rate", c.WeightAccelRate},
	}
	for _, w := range weights {
		if w.v != nil && (*w.v < 0 || math.IsInf(*w.v, 0)) {
			return fmt.Errorf("%s must be finite and non-negative, got %f", w.name, *w.v)
		}
	}

	if c.SolverBackend != nil {
		switch *c.SolverBackend {
		case mpc.BackendInteriorPoint, mpc.BackendAugmentedLagrangian:
		default:
			return fmt.Errorf("solver_backend must be %q or %q, got %q",
				mpc.BackendInteriorPoint, mpc.BackendAugmentedLagrangian, *c.SolverBackend)
		}
	}
	if c.SolverMaxIterations != nil && *c.SolverMaxIterations < 1 {
		return fmt.Errorf("solver_max_iterations must be positive, got %d", *c.SolverMaxIterations)
	}
	if c.SolverTolerance != nil && *c.SolverTolerance <= 0 {
		return fmt.Errorf("solver_tolerance must be positive, got %g", *c.SolverTolerance)
	}
	if c.DisplayStep != nil && *c.DisplayStep <= 0 {
		return fmt.Errorf("display_step must be positive, got %f", *c.DisplayStep)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetHorizonSteps returns the horizon_steps value or the default.
func (c *TuningConfig) GetHorizonSteps() int {
	if c.HorizonSteps == nil {
		return 10
	}
	return *c.HorizonSteps
}

// GetTimestep parses and returns the Timestep as a time.Duration.
func (c *TuningConfig) GetTimestep() time.Duration {
	return durationOr(c.Timestep, 100*time.Millisecond)
}

// GetLatency parses and returns the actuation Latency as a time.Duration.
func (c *TuningConfig) GetLatency() time.Duration {
	return durationOr(c.Latency, 100*time.Millisecond)
}

// GetLf returns the lf value or the default.
func (c *TuningConfig) GetLf() float64 {
	if c.Lf == nil {
		return 2.67
	}
	return *c.Lf
}

// GetMaxSteerDeg returns the max_steer_deg value or the default.
func (c *TuningConfig) GetMaxSteerDeg() float64 {
	if c.MaxSteerDeg == nil {
		return 25
	}
	return *c.MaxSteerDeg
}

// GetAccelMin returns the accel_min value or the default.
func (c *TuningConfig) GetAccelMin() float64 {
	if c.AccelMin == nil {
		return -1
	}
	return *c.AccelMin
}

// GetAccelMax returns the accel_max value or the default.
func (c *TuningConfig) GetAccelMax() float64 {
	if c.AccelMax == nil {
		return 1
	}
	return *c.AccelMax
}

// GetRefSpeedMPS returns the ref_speed_mps value or the default.
func (c *TuningConfig) GetRefSpeedMPS() float64 {
	if c.RefSpeedMPS == nil {
		return 22
	}
	return *c.RefSpeedMPS
}

// GetPolyDegree returns the poly_degree value or the default.
func (c *TuningConfig) GetPolyDegree() int {
	if c.PolyDegree == nil {
		return 3
	}
	return *c.PolyDegree
}

// GetWeights returns the cost weights, each falling back to its default.
func (c *TuningConfig) GetWeights() mpc.Weights {
	or := func(v *float64, def float64) float64 {
		if v == nil {
			return def
		}
		return *v
	}
	return mpc.Weights{
		CTE:       or(c.WeightCTE, 2000),
		EPsi:      or(c.WeightEPsi, 2000),
		Speed:     or(c.WeightSpeed, 1),
		Steer:     or(c.WeightSteer, 5),
		Accel:     or(c.WeightAccel, 5),
		SteerRate: or(c.WeightSteerRate, 200),
		AccelRate: or(c.WeightAccelRate, 10),
	}
}

// GetSolverBackend returns the solver_backend value or the default.
func (c *TuningConfig) GetSolverBackend() string {
	if c.SolverBackend == nil || *c.SolverBackend == "" {
		return mpc.BackendInteriorPoint
	}
	return *c.SolverBackend
}

// GetSolverMaxIterations returns the solver_max_iterations value or the default.
func (c *TuningConfig) GetSolverMaxIterations() int {
	if c.SolverMaxIterations == nil {
		return 200
	}
	return *c.SolverMaxIterations
}

// GetSolverTolerance returns the solver_tolerance value or the default.
func (c *TuningConfig) GetSolverTolerance() float64 {
	if c.SolverTolerance == nil {
		return 1e-6
	}
	return *c.SolverTolerance
}

// GetSolveDeadline parses and returns the SolveDeadline as a time.Duration.
// Zero disables the deadline.
func (c *TuningConfig) GetSolveDeadline() time.Duration {
	return durationOr(c.SolveDeadline, 80*time.Millisecond)
}

// GetWarmStart returns the warm_start value or the default.
func (c *TuningConfig) GetWarmStart() bool {
	if c.WarmStart == nil {
		return false // default: each tick solves from scratch
	}
	return *c.WarmStart
}

// GetEmulateLatency returns the emulate_latency value or the default.
func (c *TuningConfig) GetEmulateLatency() bool {
	if c.EmulateLatency == nil {
		return true
	}
	return *c.EmulateLatency
}

// GetDisplayStep returns the display_step value or the default.
func (c *TuningConfig) GetDisplayStep() float64 {
	if c.DisplayStep == nil {
		return 2
	}
	return *c.DisplayStep
}

// GetDisplayDistance returns the display_distance value or the default.
func (c *TuningConfig) GetDisplayDistance() float64 {
	if c.DisplayDistance == nil {
		return 100
	}
	return *c.DisplayDistance
}

// ControllerConfig converts the tuning values into the optimiser's explicit
// configuration, converting degrees to radians at this boundary.
func (c *TuningConfig) ControllerConfig() mpc.Config {
	return mpc.Config{
		Horizon:       c.GetHorizonSteps(),
		Timestep:      c.GetTimestep(),
		Lf:            c.GetLf(),
		MaxSteer:      units.DegToRad(c.GetMaxSteerDeg()),
		AccelMin:      c.GetAccelMin(),
		AccelMax:      c.GetAccelMax(),
		RefSpeed:      c.GetRefSpeedMPS(),
		Degree:        c.GetPolyDegree(),
		Weights:       c.GetWeights(),
		Backend:       c.GetSolverBackend(),
		MaxIterations: c.GetSolverMaxIterations(),
		Tolerance:     c.GetSolverTolerance(),
		WarmStart:     c.GetWarmStart(),
	}
}

// PilotConfig builds the control loop configuration.
func (c *TuningConfig) PilotConfig() pilot.Config {
	return pilot.Config{
		Controller:      c.ControllerConfig(),
		Latency:         c.GetLatency(),
		EmulateLatency:  c.GetEmulateLatency(),
		SolveDeadline:   c.GetSolveDeadline(),
		DisplayStep:     c.GetDisplayStep(),
		DisplayDistance: c.GetDisplayDistance(),
	}
}
