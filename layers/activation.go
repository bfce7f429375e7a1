package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/verilog"
)

// ReLULayer clamps every signal at zero.
type ReLULayer struct {
	base
}

func newReLU(spec LayerSpec, index int) *ReLULayer {
	return &ReLULayer{base: newBase(ReLU, spec, index, fmt.Sprintf("%d", spec.InputWidth()))}
}

func (l *ReLULayer) String() string {
	return fmt.Sprintf("ReLU(%d)", l.inWidth)
}

// PropagateRange clamps both endpoints at zero.
func (l *ReLULayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}

	out := make([]bitwidth.Interval, len(in))
	for i, iv := range in {
		out[i] = bitwidth.Interval{Low: max(iv.Low, 0), High: max(iv.High, 0)}
	}

	if err := l.commit(in, out, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ReLULayer) Forward(x []float64) ([]float64, error) {
	if err := l.checkForward(x); err != nil {
		return nil, err
	}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = max(v, 0)
	}
	return y, nil
}

func (l *ReLULayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.OutputReg)
	stmts := make([]string, l.inWidth)
	for i := range stmts {
		stmts[i] = fmt.Sprintf("out%d = in%d > 0 ? in%d : 0;", i, i, i)
	}
	m.Body = verilog.Always(stmts)
	return m.String(), nil
}

// The sigmoid approximation works on Q.8 words whatever the model's
// fractional width:
//
//	x <= -4:      0
//	x >=  4:      1
//	otherwise:    0.5 + x/8
const (
	SigmoidFractionalBits = 8
	sigmoidThreshold      = 4
	sigmoidOffset         = 128
	sigmoidSlopeShift     = 3
)

// SigmoidLayer is a 3-region piecewise-linear sigmoid.
type SigmoidLayer struct {
	base
}

func newSigmoid(spec LayerSpec, index int) *SigmoidLayer {
	return &SigmoidLayer{base: newBase(Sigmoid, spec, index, fmt.Sprintf("%d", spec.InputWidth()))}
}

func (l *SigmoidLayer) String() string {
	return fmt.Sprintf("Sigmoid(%d)", l.inWidth)
}

// PropagateRange maps every signal to [0, 1] and sizes outputs with one guard bit.
func (l *SigmoidLayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}

	out := bitwidth.Uniform(len(in), 0, 1)
	if err := l.commit(in, out, 0, 1); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward evaluates the logistic function.
func (l *SigmoidLayer) Forward(x []float64) ([]float64, error) {
	if err := l.checkForward(x); err != nil {
		return nil, err
	}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 1 / (1 + math.Exp(-v))
	}
	return y, nil
}

func (l *SigmoidLayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.OutputReg)
	var stmts []string
	for i := 0; i < l.inWidth; i++ {
		stmts = append(stmts,
			fmt.Sprintf("if (in%d <= -%d << %d) begin", i, sigmoidThreshold, SigmoidFractionalBits),
			fmt.Sprintf("%sout%d = 0;", verilog.Indent, i),
			fmt.Sprintf("end else if (in%d >= %d << %d) begin", i, sigmoidThreshold, SigmoidFractionalBits),
			fmt.Sprintf("%sout%d = 1;", verilog.Indent, i),
			"end else begin",
			fmt.Sprintf("%sout%d = (%d << %d) + (in%d >>> %d);", verilog.Indent, i, sigmoidOffset, SigmoidFractionalBits, i, sigmoidSlopeShift),
			"end",
		)
	}
	m.Body = verilog.Always(stmts)
	return m.String(), nil
}
