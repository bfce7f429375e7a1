package layers

import (
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/verilog"
)

// LinearLayer is a dense affine map y = xW + b evaluated with integer
// multiply-accumulate chains.
type LinearLayer struct {
	base
	weight *Tensor   // [in_features, out_features]
	bias   []float64 // nil when the layer has no bias
}

func newLinear(spec LayerSpec, index int) *LinearLayer {
	l := &LinearLayer{
		base:   newBase(Linear, spec, index, fmt.Sprintf("%d_%d", spec.InputWidth(), spec.OutputWidth())),
		weight: spec.Weight,
	}
	if spec.Bias != nil {
		l.bias = spec.Bias.Data
	}
	return l
}

func (l *LinearLayer) String() string {
	return fmt.Sprintf("Linear(%d -> %d)", l.inWidth, l.outWidth)
}

// Weight returns w[i][j], the weight from input i to output j.
func (l *LinearLayer) Weight(i, j int) float64 {
	return l.weight.At(i, j)
}

// Bias returns the bias of output j, zero when the layer has none.
func (l *LinearLayer) Bias(j int) float64 {
	if l.bias == nil {
		return 0
	}
	return l.bias[j]
}

// HasBias reports whether the layer adds a bias vector.
func (l *LinearLayer) HasBias() bool {
	return l.bias != nil
}

func (l *LinearLayer) outputRanges(in []bitwidth.Interval) []bitwidth.Interval {
	out := make([]bitwidth.Interval, l.outWidth)
	for j := range out {
		out[j] = affine(in, l.weight.Column(j), l.Bias(j))
	}
	return out
}

// PropagateRange bounds every output feature with interval arithmetic.
func (l *LinearLayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}
	out := l.outputRanges(in)
	if err := l.commit(in, out, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward computes xW + b.
func (l *LinearLayer) Forward(x []float64) ([]float64, error) {
	if err := l.checkForward(x); err != nil {
		return nil, err
	}
	y := make([]float64, l.outWidth)
	for j := range y {
		y[j] = dot(x, l.weight.Column(j), l.Bias(j))
	}
	return y, nil
}

// Emit renders one multiply-accumulate chain per output feature, re-evaluated
// on any input change, with the bias added after accumulation. Accumulators
// are sized to the output width.
func (l *LinearLayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.Output)
	m.Decls = append(m.Decls, verilog.Signals(verilog.Reg, true, verilog.Names("mul", l.outWidth), l.outBits)...)
	m.Decls = append(m.Decls, verilog.Signals(verilog.Reg, true, verilog.Names("add", l.outWidth), l.outBits)...)

	var stmts []string
	for j := 0; j < l.outWidth; j++ {
		stmts = append(stmts, fmt.Sprintf("mul%d = 0;", j))
		for i := 0; i < l.inWidth; i++ {
			stmts = append(stmts, fmt.Sprintf("mul%d = mul%d + in%d * %s;", j, j, i, verilog.Number(l.Weight(i, j))))
		}
	}
	for j := 0; j < l.outWidth; j++ {
		if l.HasBias() {
			stmts = append(stmts, fmt.Sprintf("add%d = mul%d + %s;", j, j, verilog.Number(l.Bias(j))))
		} else {
			stmts = append(stmts, fmt.Sprintf("add%d = mul%d;", j, j))
		}
	}

	m.Body = verilog.Always(stmts)
	for j := 0; j < l.outWidth; j++ {
		m.Body = append(m.Body, fmt.Sprintf("assign out%d = add%d;", j, j))
	}

	return m.String(), nil
}
