package layers

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-rtl/bitwidth"
)

func widening(n int) []bitwidth.Interval {
	in := make([]bitwidth.Interval, n)
	for i := range in {
		v := float64((i + 1) * 10)
		in[i] = bitwidth.Interval{Low: -v, High: v}
	}
	return in
}

func TestMaxPoolPropagateRange(t *testing.T) {
	l := buildChain(t, NewModelBuilder([]int{5}).AddMaxPool(2, "pool"), Options{})[0]
	if l.OutputWidth() != 2 {
		t.Fatalf("OutputWidth() = %d, want 2", l.OutputWidth())
	}

	in := widening(5)
	out := propagate(t, l, in)

	// Each output carries the interval of the first signal of its window.
	if diff := cmp.Diff([]bitwidth.Interval{in[0], in[2]}, out); diff != "" {
		t.Errorf("output intervals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint{5, 6, 6, 7, 7}, l.InBits()); diff != "" {
		t.Errorf("InBits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint{5, 6}, l.OutBits()); diff != "" {
		t.Errorf("OutBits mismatch (-want +got):\n%s", diff)
	}
}

func TestMaxPoolEmit(t *testing.T) {
	l := buildChain(t, NewModelBuilder([]int{5}).AddMaxPool(2, "pool"), Options{})[0]
	if l.Name() != "layer_0_maxpool_5" {
		t.Errorf("Name() = %q", l.Name())
	}
	propagate(t, l, widening(5))

	text := emit(t, l)
	assertContains(t, text,
		"    output reg signed [5:0] out1;\n",
		"        // Max pooling for output 1\n",
		"        if (in2 > in3)\n",
		"            out1 = in2;\n",
		"        else\n",
		"            out1 = in3;\n",
	)
	if strings.Contains(text, "in4 >") {
		t.Errorf("trailing signal used in a comparison:\n%s", text)
	}
}

func TestMaxPoolWideWindow(t *testing.T) {
	l := buildChain(t, NewModelBuilder([]int{6}).AddMaxPool(3, "pool"), Options{})[0]
	propagate(t, l, widening(6))

	assertContains(t, emit(t, l),
		"        if (in3 > in4)\n",
		"        if (in5 > out1)\n",
		"            out1 = in5;\n",
	)
}

func TestMaxPoolForward(t *testing.T) {
	l := buildChain(t, NewModelBuilder([]int{5}).AddMaxPool(2, "pool"), Options{})[0]
	got, err := l.Forward([]float64{1, 5, 3, 2, 9})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{5, 3}, got); diff != "" {
		t.Errorf("Forward mismatch (-want +got):\n%s", diff)
	}
}
