package layers

import (
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/fixedpoint"
	"github.com/tsawler/go-rtl/verilog"
)

// MultiplierModule multiplies two Q(IW).(FW) words. The double-width product
// has 2*FW fractional bits; dropping the low FW bits truncates it back to Q(IW).(FW).
const MultiplierModule = `module multiplier_module #(parameter IW = 4, FW = 4) (input signed [IW + FW - 1:0] in1, input signed [IW + FW - 1:0] in2, output signed [IW + FW - 1:0] out);
    wire signed [2*(IW + FW) - 1:0] product_full;

    assign product_full = in1 * in2;
    assign out = product_full[IW + 2*FW - 1:FW];
endmodule
`

// AdderModule adds two Q(IW).(FW) words.
const AdderModule = `module adder_module #(parameter IW = 4, FW = 4) (input signed [IW + FW - 1:0] in1, input signed [IW + FW - 1:0] in2, output signed [IW + FW - 1:0] out);
    assign out = in1 + in2;
endmodule
`

// SupportModules returns the shared sub-modules LinearFixedPoint layers instantiate.
func SupportModules() string {
	return MultiplierModule + "\n" + AdderModule
}

// FixedPointLinearLayer is a dense affine map over Q-format words. Arithmetic
// is delegated to shared multiplier_module/adder_module instances and the
// weights are baked in as encoded literals.
type FixedPointLinearLayer struct {
	LinearLayer
	fracBits uint
	intBits  []uint
}

func newFixedPointLinear(spec LayerSpec, index int, fracBits uint) *FixedPointLinearLayer {
	l := &FixedPointLinearLayer{
		LinearLayer: *newLinear(spec, index),
		fracBits:    fracBits,
	}
	l.kind = LinearFixedPoint
	return l
}

func (l *FixedPointLinearLayer) String() string {
	return fmt.Sprintf("LinearFixedPoint(%d -> %d, FW=%d)", l.inWidth, l.outWidth, l.fracBits)
}

// FractionalBits is the fractional width of every word in the layer.
func (l *FixedPointLinearLayer) FractionalBits() uint {
	return l.fracBits
}

// IntegerBits is in_bits[i] - FW for every input signal, nil before propagation.
func (l *FixedPointLinearLayer) IntegerBits() []uint {
	return l.intBits
}

// PropagateRange bounds the outputs like LinearLayer and widens every signal
// by the fractional bits.
func (l *FixedPointLinearLayer) PropagateRange(in []bitwidth.Interval) ([]bitwidth.Interval, error) {
	if err := l.checkInput(in); err != nil {
		return nil, err
	}
	out := l.outputRanges(in)
	if err := l.commit(in, out, l.fracBits, l.fracBits); err != nil {
		return nil, err
	}

	l.intBits = make([]uint, len(l.inBits))
	for i, b := range l.inBits {
		l.intBits[i] = b - l.fracBits
	}
	return out, nil
}

// accumulatorBits is the word width used for output j: the widest of the
// output and every input, so no operand is truncated on the way in.
func (l *FixedPointLinearLayer) accumulatorBits(j int) uint {
	bits := l.outBits[j]
	for _, b := range l.inBits {
		bits = max(bits, b)
	}
	return bits
}

func (l *FixedPointLinearLayer) literal(v float64, intBits uint, what string) (string, error) {
	lit, err := fixedpoint.Encode(v, intBits, l.fracBits)
	if err != nil {
		return "", fmt.Errorf("layer %d (%s): %s: %w", l.index, l.kind, what, err)
	}
	return lit.String(), nil
}

// Emit renders a chain of multiplier/adder instances per output feature:
//
//	add{j}_term0 = 0
//	mul{j}_term{i} = in{i} * w[i][j]
//	add{j}_term{i+1} = mul{j}_term{i} + add{j}_term{i}
//	add_bias{j} = add{j}_term{N} + b[j]
func (l *FixedPointLinearLayer) Emit() (string, error) {
	if err := l.requireBits(); err != nil {
		return "", err
	}

	m := l.module(verilog.Output)
	n := l.inWidth

	for j := 0; j < l.outWidth; j++ {
		acc := l.accumulatorBits(j)
		for i := 0; i < n; i++ {
			m.Decls = append(m.Decls, verilog.Signal{Kind: verilog.Wire, Signed: true, Bits: acc, Name: fmt.Sprintf("mul%d_term%d", j, i)})
		}
		for i := 0; i <= n; i++ {
			m.Decls = append(m.Decls, verilog.Signal{Kind: verilog.Wire, Signed: true, Bits: acc, Name: fmt.Sprintf("add%d_term%d", j, i)})
		}
		if l.HasBias() {
			m.Decls = append(m.Decls, verilog.Signal{Kind: verilog.Wire, Signed: true, Bits: acc, Name: fmt.Sprintf("add_bias%d", j)})
		}
	}

	for j := 0; j < l.outWidth; j++ {
		iw := l.accumulatorBits(j) - l.fracBits
		params := fmt.Sprintf("#(%d, %d)", iw, l.fracBits)

		zero, err := l.literal(0, iw, fmt.Sprintf("accumulator %d", j))
		if err != nil {
			return "", err
		}
		m.Body = append(m.Body, fmt.Sprintf("assign add%d_term0 = %s;", j, zero))

		for i := 0; i < n; i++ {
			w, err := l.literal(l.Weight(i, j), iw, fmt.Sprintf("weight[%d][%d]", i, j))
			if err != nil {
				return "", err
			}
			m.Body = append(m.Body,
				fmt.Sprintf("multiplier_module %s mult_inst_mul%d_term%d (.in1(in%d), .in2(%s), .out(mul%d_term%d));",
					params, j, i, i, w, j, i),
				fmt.Sprintf("adder_module %s add_inst_add%d_term%d (.in1(mul%d_term%d), .in2(add%d_term%d), .out(add%d_term%d));",
					params, j, i+1, j, i, j, i, j, i+1),
			)
		}

		result := fmt.Sprintf("add%d_term%d", j, n)
		if l.HasBias() {
			b, err := l.literal(l.Bias(j), iw, fmt.Sprintf("bias[%d]", j))
			if err != nil {
				return "", err
			}
			m.Body = append(m.Body,
				fmt.Sprintf("adder_module %s add_inst_add_bias%d (.in1(%s), .in2(%s), .out(add_bias%d));",
					params, j, result, b, j))
			result = fmt.Sprintf("add_bias%d", j)
		}
		m.Body = append(m.Body, fmt.Sprintf("assign out%d = %s;", j, result))
	}

	return m.String(), nil
}
