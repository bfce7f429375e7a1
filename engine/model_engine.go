// Package engine drives a compiled layer chain through range propagation and
// Verilog emission, and checks simulation results against a reference
// evaluation of the same chain.
package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/fixedpoint"
	"github.com/tsawler/go-rtl/layers"
)

// State is the position of a ModelEngine in its lifecycle
type State int

const (
	Constructed State = iota
	RangePropagated
	Emitted

	// Failed is terminal: a propagation pass aborted part way and the chain
	// holds a mix of sized and unsized layers.
	Failed
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "Constructed"
	case RangePropagated:
		return "RangePropagated"
	case Emitted:
		return "Emitted"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	// ErrAlreadyPropagated is returned by a second propagation pass.
	ErrAlreadyPropagated = layers.ErrAlreadyPropagated

	// ErrFailed is returned by every call after a propagation pass failed.
	ErrFailed = errors.New("engine failed during range propagation")
)

// ModelEngine compiles a layer chain to Verilog:
//
//	Constructed -> PropagateRange -> RangePropagated -> Emit -> Emitted
type ModelEngine struct {
	modelSpec  *layers.ModelSpec
	config     EngineConfig
	chain      []layers.Layer
	state      State
	testInputs []float64
}

// NewModelEngine builds the hardware chain of a compiled model and draws the
// test vector. Adjacent layer widths are checked again here so hand-assembled
// specs get the same guarantee as builder output.
func NewModelEngine(modelSpec *layers.ModelSpec, config EngineConfig) (*ModelEngine, error) {
	if modelSpec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}

	chain, err := layers.FromModelSpec(modelSpec, layers.Options{
		FractionalBits: config.FractionalBits,
		FixedPoint:     config.FixedPoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build layer chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}

	for i := 0; i+1 < len(chain); i++ {
		if chain[i].OutputWidth() != chain[i+1].InputWidth() {
			return nil, &layers.ShapeMismatchError{
				Index: i + 1,
				Kind:  chain[i+1].Kind(),
				Detail: fmt.Sprintf("takes %d inputs but layer %d produces %d",
					chain[i+1].InputWidth(), i, chain[i].OutputWidth()),
			}
		}
	}

	me := &ModelEngine{
		modelSpec: modelSpec,
		config:    config,
		chain:     chain,
		state:     Constructed,
	}

	me.testInputs, err = me.drawTestInputs()
	if err != nil {
		return nil, err
	}

	return me, nil
}

// NewModelEngineFromSpecs compiles a raw descriptor list, reshape markers
// included, and builds an engine for it. inputShape may be nil.
func NewModelEngineFromSpecs(specs []layers.LayerSpec, inputShape []int, config EngineConfig) (*ModelEngine, error) {
	modelSpec, err := layers.NewModelBuilder(inputShape).AddLayers(specs).Compile()
	if err != nil {
		return nil, fmt.Errorf("model compilation failed: %w", err)
	}
	return NewModelEngine(modelSpec, config)
}

func (me *ModelEngine) drawTestInputs() ([]float64, error) {
	n := me.chain[0].InputWidth()

	if me.config.TestInputs != nil {
		if len(me.config.TestInputs) != n {
			return nil, fmt.Errorf("got %d test inputs, model takes %d", len(me.config.TestInputs), n)
		}
		inputs := make([]float64, n)
		for i, v := range me.config.TestInputs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("test input %d is not finite: %v", i, v)
			}
			if !me.config.FixedPoint && v != math.Trunc(v) {
				return nil, fmt.Errorf("test input %d must be an integer, got %v", i, v)
			}
			inputs[i] = v
		}
		return inputs, nil
	}

	rng := rand.New(rand.NewSource(me.config.Seed))
	inputs := make([]float64, n)
	for i := range inputs {
		if me.config.FixedPoint {
			inputs[i] = rng.Float64()
		} else {
			inputs[i] = float64(rng.Intn(6))
		}
	}
	return inputs, nil
}

// PropagateRange threads one interval per model input through every layer,
// fixing all bit widths, and returns the intervals of the model outputs.
// It may run once. If any layer rejects its intervals the engine moves to
// Failed and cannot be used further.
func (me *ModelEngine) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	switch me.state {
	case Failed:
		return nil, ErrFailed
	case RangePropagated, Emitted:
		return nil, ErrAlreadyPropagated
	}

	if len(in) != me.chain[0].InputWidth() {
		return nil, &layers.ShapeMismatchError{
			Index:  0,
			Kind:   me.chain[0].Kind(),
			Detail: fmt.Sprintf("got %d input intervals, model takes %d", len(in), me.chain[0].InputWidth()),
		}
	}

	ranges := make([]bitwidth.Interval, len(in))
	for i, iv := range in {
		ranges[i] = iv.Normalized()
	}

	for _, l := range me.chain {
		out, err := l.PropagateRange(ranges)
		if err != nil {
			me.state = Failed
			return nil, err
		}
		ranges = out
	}

	me.state = RangePropagated
	return ranges, nil
}

// PropagateUniform seeds propagation with the configured input range on every input.
func (me *ModelEngine) PropagateUniform() ([]bitwidth.Interval, error) {
	r := me.config.InputRange
	return me.PropagateRange(bitwidth.Uniform(me.chain[0].InputWidth(), r.Low, r.High))
}

func (me *ModelEngine) ready() error {
	switch me.state {
	case Failed:
		return ErrFailed
	case Constructed:
		return &layers.UninitializedBitWidthError{Index: 0, Kind: me.chain[0].Kind()}
	}
	return nil
}

// Output is the generated hardware description
type Output struct {
	// Design holds the shared sub-modules, one module per layer and the top module
	Design string

	// TestBench drives the top module with the engine's test vector
	TestBench string
}

// Emit renders the design and its testbench. Emission is a pure function of
// the propagated widths, so repeated calls return identical text.
func (me *ModelEngine) Emit() (*Output, error) {
	if err := me.ready(); err != nil {
		return nil, err
	}

	design, err := me.emitDesign()
	if err != nil {
		return nil, err
	}
	tb, err := me.emitTestBench()
	if err != nil {
		return nil, err
	}

	me.state = Emitted
	return &Output{Design: design, TestBench: tb}, nil
}

// Forward evaluates the chain on real values.
func (me *ModelEngine) Forward(x []float64) ([]float64, error) {
	for _, l := range me.chain {
		y, err := l.Forward(x)
		if err != nil {
			return nil, err
		}
		x = y
	}
	return x, nil
}

// Warnings lists known numeric inconsistencies of the configured model.
func (me *ModelEngine) Warnings() []string {
	var warnings []string
	if !me.config.FixedPoint || me.config.FractionalBits == layers.SigmoidFractionalBits {
		return warnings
	}
	for _, l := range me.chain {
		if l.Kind() == layers.Sigmoid {
			warnings = append(warnings, fmt.Sprintf(
				"layer %d (%s): sigmoid constants assume %d fractional bits but the model uses %d",
				l.Index(), l.Kind(), layers.SigmoidFractionalBits, me.config.FractionalBits))
		}
	}
	return warnings
}

// inputFormat is the (integer, fractional) split of model input i.
func (me *ModelEngine) inputFormat(i int) (uint, uint) {
	first := me.chain[0]
	if fl, ok := first.(*layers.FixedPointLinearLayer); ok {
		return fl.IntegerBits()[i], fl.FractionalBits()
	}
	return first.InBits()[i], 0
}

// outputFormat is the (integer, fractional) split of model output j.
func (me *ModelEngine) outputFormat(j int) (uint, uint) {
	last := me.chain[len(me.chain)-1]
	bits := last.OutBits()[j]
	if fl, ok := last.(*layers.FixedPointLinearLayer); ok {
		return bits - fl.FractionalBits(), fl.FractionalBits()
	}
	return bits, 0
}

// encodeInput renders test input i as a Verilog operand.
func (me *ModelEngine) encodeInput(i int) (string, error) {
	intBits, fracBits := me.inputFormat(i)
	if fracBits == 0 {
		return fmt.Sprintf("%d", int64(me.testInputs[i])), nil
	}
	lit, err := fixedpoint.Encode(me.testInputs[i], intBits, fracBits)
	if err != nil {
		return "", fmt.Errorf("test input %d: %w", i, err)
	}
	return lit.String(), nil
}

// State returns the current lifecycle state
func (me *ModelEngine) State() State {
	return me.state
}

// Layers returns the hardware chain
func (me *ModelEngine) Layers() []layers.Layer {
	return me.chain
}

// TestInputs returns a copy of the test vector driven by the testbench
func (me *ModelEngine) TestInputs() []float64 {
	return append([]float64(nil), me.testInputs...)
}

// GetConfig returns the engine configuration
func (me *ModelEngine) GetConfig() EngineConfig {
	return me.config
}

// GetModelSpec returns the compiled model
func (me *ModelEngine) GetModelSpec() *layers.ModelSpec {
	return me.modelSpec
}

// GetModelSummary returns the model summary followed by the hardware chain
// and, once known, its bit widths
func (me *ModelEngine) GetModelSummary() string {
	var sb strings.Builder
	sb.WriteString(me.modelSpec.Summary())

	fmt.Fprintf(&sb, "Hardware (%s):\n", me.state)
	for _, l := range me.chain {
		fmt.Fprintf(&sb, "  %s: %s\n", l.Name(), l)
		if l.InBits() != nil {
			fmt.Fprintf(&sb, "    in_bits:  %v\n", l.InBits())
			fmt.Fprintf(&sb, "    out_bits: %v\n", l.OutBits())
		}
	}
	return sb.String()
}
