package layers

import (
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/verilog"
)

// MaxPoolLayer selects the largest signal of each non-overlapping window.
// Signals past the last full window are dropped.
type MaxPoolLayer struct {
	base
	poolSize int
}

func newMaxPool(spec LayerSpec, index int) *MaxPoolLayer {
	return &MaxPoolLayer{
		base:     newBase(MaxPool, spec, index, fmt.Sprintf("%d", spec.InputWidth())),
		poolSize: getIntParam(spec.Parameters, "pool_size", 2),
	}
}

func (l *MaxPoolLayer) String() string {
	return fmt.Sprintf("MaxPool(%d -> %d, pool=%d)", l.inWidth, l.outWidth, l.poolSize)
}

// PoolSize is the window width.
func (l *MaxPoolLayer) PoolSize() int {
	return l.poolSize
}

// PropagateRange forwards the interval of the first signal of each window
// unchanged. This is not the interval of the window maximum, which would be
// [max(lows), max(highs)]; generated artifacts depend on the current widths.
func (l *MaxPoolLayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}

	out := make([]bitwidth.Interval, l.outWidth)
	for k := range out {
		out[k] = in[k*l.poolSize]
	}

	if err := l.commit(in, out, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward takes the true maximum of every window.
func (l *MaxPoolLayer) Forward(x []float64) ([]float64, error) {
	if err := l.checkForward(x); err != nil {
		return nil, err
	}
	y := make([]float64, l.outWidth)
	for k := range y {
		window := x[k*l.poolSize : (k+1)*l.poolSize]
		y[k] = window[0]
		for _, v := range window[1:] {
			y[k] = max(y[k], v)
		}
	}
	return y, nil
}

// Emit renders a compare/select per output on the raw operand values.
func (l *MaxPoolLayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.OutputReg)

	var stmts []string
	for k := 0; k < l.outWidth; k++ {
		first := k * l.poolSize
		stmts = append(stmts, fmt.Sprintf("// Max pooling for output %d", k))
		if l.poolSize == 1 {
			stmts = append(stmts, fmt.Sprintf("out%d = in%d;", k, first))
			continue
		}
		stmts = append(stmts,
			fmt.Sprintf("if (in%d > in%d)", first, first+1),
			fmt.Sprintf("%sout%d = in%d;", verilog.Indent, k, first),
			"else",
			fmt.Sprintf("%sout%d = in%d;", verilog.Indent, k, first+1),
		)
		for i := first + 2; i < first+l.poolSize; i++ {
			stmts = append(stmts,
				fmt.Sprintf("if (in%d > out%d)", i, k),
				fmt.Sprintf("%sout%d = in%d;", verilog.Indent, k, i),
			)
		}
	}

	m.Body = verilog.Always(stmts)
	return m.String(), nil
}
