package layers

import (
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/verilog"
)

// Conv1DLayer is a single-channel 1-D convolution: stride 1, no padding.
type Conv1DLayer struct {
	base
	kernel  []float64
	bias    float64
	hasBias bool
}

func newConv1D(spec LayerSpec, index int) *Conv1DLayer {
	kernel := spec.Weight.Data
	l := &Conv1DLayer{
		base:   newBase(Conv1D, spec, index, fmt.Sprintf("1_%d", len(kernel))),
		kernel: kernel,
	}
	if spec.Bias != nil {
		l.bias, l.hasBias = spec.Bias.Data[0], true
	}
	return l
}

func (l *Conv1DLayer) String() string {
	return fmt.Sprintf("Conv1D(1->1, k=%d, %d -> %d)", len(l.kernel), l.inWidth, l.outWidth)
}

// KernelSize is the width of the sliding window.
func (l *Conv1DLayer) KernelSize() int {
	return len(l.kernel)
}

// PropagateRange applies the affine bound to every window.
func (l *Conv1DLayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}

	k := len(l.kernel)
	out := make([]bitwidth.Interval, l.outWidth)
	for i := range out {
		out[i] = affine(in[i:i+k], l.kernel, l.bias)
	}

	if err := l.commit(in, out, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward slides the kernel across x.
func (l *Conv1DLayer) Forward(x []float64) ([]float64, error) {
	if err := l.checkForward(x); err != nil {
		return nil, err
	}
	k := len(l.kernel)
	y := make([]float64, l.outWidth)
	for i := range y {
		y[i] = dot(x[i:i+k], l.kernel, l.bias)
	}
	return y, nil
}

// Emit renders one multiply-accumulate chain per output position.
func (l *Conv1DLayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.Output)
	m.Decls = append(m.Decls, verilog.Signals(verilog.Reg, true, verilog.Names("mul", l.outWidth), l.outBits)...)
	m.Decls = append(m.Decls, verilog.Signals(verilog.Reg, true, verilog.Names("add", l.outWidth), l.outBits)...)

	var stmts []string
	for i := 0; i < l.outWidth; i++ {
		stmts = append(stmts, fmt.Sprintf("mul%d = 0;", i))
		for k, w := range l.kernel {
			stmts = append(stmts, fmt.Sprintf("mul%d = mul%d + in%d * %s;", i, i, i+k, verilog.Number(w)))
		}
		if l.hasBias {
			stmts = append(stmts, fmt.Sprintf("add%d = mul%d + %s;", i, i, verilog.Number(l.bias)))
		} else {
			stmts = append(stmts, fmt.Sprintf("add%d = mul%d;", i, i))
		}
	}

	m.Body = verilog.Always(stmts)
	for i := 0; i < l.outWidth; i++ {
		m.Body = append(m.Body, fmt.Sprintf("assign out%d = add%d;", i, i))
	}

	return m.String(), nil
}
