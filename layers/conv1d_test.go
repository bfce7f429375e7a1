package layers

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-rtl/bitwidth"
)

func conv() *ModelBuilder {
	return NewModelBuilder([]int{5}).AddConv1D([]float64{1, 2, 3}, []float64{4}, "conv")
}

func TestConv1DPropagateRange(t *testing.T) {
	l := buildChain(t, conv(), Options{})[0]
	if l.OutputWidth() != 3 {
		t.Fatalf("OutputWidth() = %d, want 3", l.OutputWidth())
	}

	out := propagate(t, l, bitwidth.Uniform(5, -100, 100))

	// Upper bound is sum(kernel) * 100 + bias.
	want := bitwidth.Uniform(3, -596, 604)
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output intervals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint{11, 11, 11}, l.OutBits()); diff != "" {
		t.Errorf("OutBits mismatch (-want +got):\n%s", diff)
	}
}

func TestConv1DWindows(t *testing.T) {
	l := buildChain(t, NewModelBuilder([]int{4}).AddConv1D([]float64{1, -1}, nil, "diff"), Options{})[0]

	in := []bitwidth.Interval{{Low: 0, High: 1}, {Low: 0, High: 2}, {Low: -3, High: 0}, {Low: 5, High: 5}}
	out := propagate(t, l, in)

	want := []bitwidth.Interval{
		{Low: -2, High: 1},
		{Low: 0, High: 5},
		{Low: -8, High: -5},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output intervals mismatch (-want +got):\n%s", diff)
	}
}

func TestConv1DEmit(t *testing.T) {
	l := buildChain(t, conv(), Options{})[0]
	if l.Name() != "layer_0_conv1d_1_3" {
		t.Errorf("Name() = %q", l.Name())
	}
	propagate(t, l, bitwidth.Uniform(5, -100, 100))

	assertContains(t, emit(t, l),
		"module layer_0_conv1d_1_3(in0,in1,in2,in3,in4, out0,out1,out2);\n",
		"    output signed [10:0] out2;\n",
		"        mul2 = 0;\n",
		"        mul2 = mul2 + in2 * 1;\n",
		"        mul2 = mul2 + in4 * 3;\n",
		"        add0 = mul0 + 4;\n",
		"    assign out1 = add1;\n",
	)
}

func TestConv1DForward(t *testing.T) {
	l := buildChain(t, conv(), Options{})[0]
	got, err := l.Forward([]float64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{18, 24, 30}, got); diff != "" {
		t.Errorf("Forward mismatch (-want +got):\n%s", diff)
	}
}
