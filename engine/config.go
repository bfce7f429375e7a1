package engine

import (
	"github.com/tsawler/go-rtl/bitwidth"
)

// Default result directories, relative to the simulator's working directory.
const (
	DefaultResultDir           = "output_files"
	DefaultFixedPointResultDir = "output_files_frac"
)

// EngineConfig holds everything the engine needs besides the model itself
type EngineConfig struct {
	// FractionalBits is the global Q-format fractional width (FW)
	FractionalBits uint

	// FixedPoint compiles every Linear layer as LinearFixedPoint and drives
	// the testbench with encoded real inputs
	FixedPoint bool

	// Seed seeds the test vector draw
	Seed int64

	// TestInputs overrides the seeded test vector when non-nil
	TestInputs []float64

	// InputRange seeds range propagation, one copy per model input
	InputRange bitwidth.Interval

	// ResultDir is where the testbench writes its result artifact and trace.
	// Empty selects output_files or output_files_frac.
	ResultDir string
}

// DefaultEngineConfig returns the configuration used by the reference flow
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FractionalBits: 12,
		FixedPoint:     false,
		Seed:           50,
		InputRange:     bitwidth.Interval{Low: -100, High: 100},
	}
}

// resultDir returns the effective result directory
func (c EngineConfig) resultDir() string {
	switch {
	case c.ResultDir != "":
		return c.ResultDir
	case c.FixedPoint:
		return DefaultFixedPointResultDir
	default:
		return DefaultResultDir
	}
}

// tolerance is the largest accepted difference between hardware and reference outputs
func (c EngineConfig) tolerance() float64 {
	if c.FixedPoint {
		return 1e-2
	}
	return 0
}
