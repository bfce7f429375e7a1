package layers

import (
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/verilog"
)

// Layer is one stage of a compiled chain, able to bound its signals and to
// emit itself as a combinational Verilog module.
//
// PropagateRange must run exactly once before Emit. It maps one interval per
// input signal to one interval per output signal and fixes InBits/OutBits.
// Emit is a pure function of those widths and the layer's weights.
type Layer interface {
	Kind() LayerType
	Index() int

	// Name is the generated module name, layer_<index>_<kind>_<dims>.
	Name() string

	InputWidth() int
	OutputWidth() int

	// InBits and OutBits are nil until PropagateRange succeeds.
	InBits() []uint
	OutBits() []uint

	PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error)
	Emit() (string, error)

	// Forward evaluates the layer on real values. It is the reference the
	// generated hardware is checked against.
	Forward(x []float64) ([]float64, error)

	String() string
}

// Options configures how descriptors become hardware layers.
type Options struct {
	// FractionalBits is the global fixed-point fractional width. It only
	// affects LinearFixedPoint layers.
	FractionalBits uint

	// FixedPoint promotes every Linear descriptor to LinearFixedPoint.
	FixedPoint bool
}

// FromModelSpec builds the hardware chain of a compiled model.
func FromModelSpec(ms *ModelSpec, opts Options) ([]Layer, error) {
	if ms == nil || !ms.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}

	chain := make([]Layer, 0, len(ms.Layers))
	for i := range ms.Layers {
		l, err := New(ms.Layers[i], i, opts)
		if err != nil {
			return nil, err
		}
		chain = append(chain, l)
	}
	return chain, nil
}

// New builds the hardware layer for a compiled descriptor at chain position index.
func New(spec LayerSpec, index int, opts Options) (Layer, error) {
	if len(spec.InputShape) == 0 || len(spec.OutputShape) == 0 {
		return nil, &ShapeMismatchError{Index: index, Kind: spec.Type, Detail: "descriptor has not been compiled"}
	}

	if err := checkCompiled(spec, index); err != nil {
		return nil, err
	}

	kind := spec.Type
	if kind == Linear && opts.FixedPoint {
		kind = LinearFixedPoint
	}

	switch kind {
	case Linear:
		return newLinear(spec, index), nil
	case LinearFixedPoint:
		return newFixedPointLinear(spec, index, opts.FractionalBits), nil
	case Conv1D:
		return newConv1D(spec, index), nil
	case MaxPool:
		return newMaxPool(spec, index), nil
	case ReLU:
		return newReLU(spec, index), nil
	case Sigmoid:
		return newSigmoid(spec, index), nil
	default:
		return nil, &UnsupportedLayerError{Index: index, Kind: spec.Type, Detail: "no hardware implementation"}
	}
}

// checkCompiled verifies that the tensors and pooling factor of a descriptor
// agree with its recorded widths. Specs assembled by hand or decoded from
// JSON can claim to be compiled without having gone through the builder.
func checkCompiled(spec LayerSpec, index int) error {
	mismatch := func(format string, args ...interface{}) error {
		return &ShapeMismatchError{Index: index, Kind: spec.Type, Detail: fmt.Sprintf(format, args...)}
	}
	in, out := spec.InputWidth(), spec.OutputWidth()

	switch spec.Type {
	case Linear, LinearFixedPoint:
		w := spec.Weight
		if w == nil {
			return mismatch("weight is not defined")
		}
		if len(w.Shape) != 2 || !w.consistent() || w.Shape[0] != in || w.Shape[1] != out {
			return mismatch("weight shape is %v with %d values, expected [%d %d]", w.Shape, len(w.Data), in, out)
		}
		if b := spec.Bias; b != nil && (len(b.Shape) != 1 || b.Shape[0] != out || !b.consistent()) {
			return mismatch("bias shape is %v, expected [%d]", b.Shape, out)
		}
	case Conv1D:
		w := spec.Weight
		if w == nil {
			return mismatch("weight is not defined")
		}
		k := w.Size()
		if len(w.Shape) != 1 || !w.consistent() || k < 1 || out != in-k+1 {
			return mismatch("kernel shape %v does not map %d inputs to %d outputs", w.Shape, in, out)
		}
		if b := spec.Bias; b != nil && (b.Size() != 1 || len(b.Data) != 1) {
			return mismatch("bias must be a single value, got shape %v", b.Shape)
		}
	case MaxPool:
		pool := getIntParam(spec.Parameters, "pool_size", 2)
		if pool < 1 || out != in/pool || out == 0 {
			return mismatch("pool size %d does not map %d inputs to %d outputs", pool, in, out)
		}
	case ReLU, Sigmoid:
		if in != out {
			return mismatch("maps %d inputs to %d outputs", in, out)
		}
	}
	return nil
}

// base holds what every variant shares: identity, widths and the bit widths
// fixed by the propagation pass.
type base struct {
	kind     LayerType
	index    int
	name     string
	inWidth  int
	outWidth int

	inBits  []uint
	outBits []uint
}

func newBase(kind LayerType, spec LayerSpec, index int, dims string) base {
	return base{
		kind:     kind,
		index:    index,
		name:     fmt.Sprintf("layer_%d_%s_%s", index, kind.moduleKind(), dims),
		inWidth:  spec.InputWidth(),
		outWidth: spec.OutputWidth(),
	}
}

func (b *base) Kind() LayerType  { return b.kind }
func (b *base) Index() int       { return b.index }
func (b *base) Name() string     { return b.name }
func (b *base) InputWidth() int  { return b.inWidth }
func (b *base) OutputWidth() int { return b.outWidth }
func (b *base) InBits() []uint   { return b.inBits }
func (b *base) OutBits() []uint  { return b.outBits }

func (b *base) checkInput(in []bitwidth.Interval) error {
	if b.inBits != nil {
		return fmt.Errorf("layer %d (%s): %w", b.index, b.kind, ErrAlreadyPropagated)
	}
	if len(in) != b.inWidth {
		return &ShapeMismatchError{
			Index:  b.index,
			Kind:   b.kind,
			Detail: fmt.Sprintf("got %d input intervals, expected %d", len(in), b.inWidth),
		}
	}
	return nil
}

func (b *base) checkForward(x []float64) error {
	if len(x) != b.inWidth {
		return &ShapeMismatchError{
			Index:  b.index,
			Kind:   b.kind,
			Detail: fmt.Sprintf("got %d input values, expected %d", len(x), b.inWidth),
		}
	}
	return nil
}

// bits sizes every interval, adding extra bits to each width.
func (b *base) bits(prefix string, ivs []bitwidth.Interval, extra uint) ([]uint, error) {
	out := make([]uint, len(ivs))
	for i, iv := range ivs {
		n, err := iv.Bits()
		if err != nil {
			return nil, &InvalidIntervalError{
				Index:    b.index,
				Kind:     b.kind,
				Signal:   fmt.Sprintf("%s%d", prefix, i),
				Interval: iv,
				Err:      bitwidth.ErrNonFinite,
			}
		}
		out[i] = n + extra
	}
	return out, nil
}

// commit sizes both sides and records the widths only if every interval is valid.
func (b *base) commit(in, out []bitwidth.Interval, inExtra, outExtra uint) error {
	inBits, err := b.bits("in", in, inExtra)
	if err != nil {
		return err
	}
	outBits, err := b.bits("out", out, outExtra)
	if err != nil {
		return err
	}
	b.inBits, b.outBits = inBits, outBits
	return nil
}

func (b *base) requireBits() error {
	if b.inBits == nil || b.outBits == nil {
		return &UninitializedBitWidthError{Index: b.index, Kind: b.kind}
	}
	return nil
}

// module starts a module with positional ports sized by the recorded widths.
func (b *base) module(outKind verilog.Kind) *verilog.Module {
	m := &verilog.Module{
		Name:    b.name,
		Inputs:  verilog.Names("in", b.inWidth),
		Outputs: verilog.Names("out", b.outWidth),
	}
	m.Ports = append(m.Ports, verilog.Signals(verilog.Input, true, m.Inputs, b.inBits)...)
	m.Ports = append(m.Ports, verilog.Signals(outKind, true, m.Outputs, b.outBits)...)
	return m
}

// affine bounds sum_i w[i]*x[i] + bias over the box in. Positive weights keep
// the bound order, negative weights swap it.
func affine(in []bitwidth.Interval, w []float64, bias float64) bitwidth.Interval {
	var lo, hi float64
	for i, wi := range w {
		pos, neg := max(wi, 0), min(wi, 0)
		lo += pos*in[i].Low + neg*in[i].High
		hi += pos*in[i].High + neg*in[i].Low
	}
	return bitwidth.Interval{Low: lo + bias, High: hi + bias}
}

func dot(x, w []float64, bias float64) float64 {
	sum := bias
	for i := range w {
		sum += x[i] * w[i]
	}
	return sum
}
