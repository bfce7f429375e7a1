package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/layers"
)

func fixedConfig(fracBits uint) EngineConfig {
	config := DefaultEngineConfig()
	config.FixedPoint = true
	config.FractionalBits = fracBits
	config.InputRange = bitwidth.Interval{Low: 0, High: 1}
	return config
}

func weightedSum(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{2}).
		AddLinear([][]float64{{0.5}, {0.25}}, []float64{0.125}, "fc").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	return model
}

func TestFixedPointDesign(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{2}).
		AddLinear([][]float64{{0.5, 1}, {0.25, -1}}, nil, "fc1").
		AddLinear([][]float64{{1}, {1}}, nil, "fc2").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	me := newEngine(t, model, fixedConfig(8))
	out := compile(t, me)

	for _, module := range []string{"module multiplier_module", "module adder_module"} {
		if n := strings.Count(out.Design, module); n != 1 {
			t.Errorf("%q emitted %d times, want once", module, n)
		}
	}
	if strings.Index(out.Design, "module adder_module") > strings.Index(out.Design, "module layer_0_linear_2_2(") {
		t.Error("sub-modules emitted after the layer modules")
	}
	for _, l := range me.Layers() {
		if l.Kind() != layers.LinearFixedPoint {
			t.Errorf("layer %d is %v, want LinearFixedPoint", l.Index(), l.Kind())
		}
	}
}

func TestFixedPointTestBench(t *testing.T) {
	config := fixedConfig(8)
	config.TestInputs = []float64{0.5, 0.25}
	out := compile(t, newEngine(t, weightedSum(t), config))

	assertContains(t, out.TestBench,
		"    reg signed [8:0] in0;\n",
		"        file = $fopen(\"output_files_frac/test_values.txt\", \"w\");\n",
		"        $dumpfile(\"output_files_frac/tb_top.vcd\");\n",
		"        assign in0 = 9'b010000000;\n",
		"        assign in1 = 9'b001000000;\n",
		"        $display(\"fractional: %f\", $itor(out0) / (1 << 8));\n",
	)
}

func TestResultDirOverride(t *testing.T) {
	config := DefaultEngineConfig()
	config.ResultDir = "sim/run1"
	out := compile(t, newEngine(t, referenceModel(t), config))
	assertContains(t, out.TestBench, "$fopen(\"sim/run1/test_values.txt\", \"w\");", "$dumpfile(\"sim/run1/tb_top.vcd\");")
}

func TestWarnings(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{2}).
		AddLinear(identity(2), nil, "fc").
		AddSigmoid("sig").
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		config EngineConfig
		want   int
	}{
		{"integer", DefaultEngineConfig(), 0},
		{"fixed FW=8", fixedConfig(8), 0},
		{"fixed FW=12", fixedConfig(12), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := newEngine(t, model, tt.config).Warnings()
			if len(warnings) != tt.want {
				t.Errorf("Warnings() = %q, want %d", warnings, tt.want)
			}
		})
	}

	if w := newEngine(t, weightedSum(t), fixedConfig(12)).Warnings(); len(w) != 0 {
		t.Errorf("model without sigmoid warned: %q", w)
	}
}

func TestParseResults(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Results
		wantErr bool
	}{
		{"two lines", "1,2,3\n42\n", &Results{Inputs: []int64{1, 2, 3}, Outputs: []int64{42}}, false},
		{"spaces and negatives", " -3, 4 \n-7,8", &Results{Inputs: []int64{-3, 4}, Outputs: []int64{-7, 8}}, false},
		{"extra lines ignored", "1\n2\n3\n", &Results{Inputs: []int64{1}, Outputs: []int64{2}}, false},
		{"missing output line", "1,2,3\n", nil, true},
		{"empty output line", "1,2,3\n\n", nil, true},
		{"not a number", "1,x\n2\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResults(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResults() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseResults() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerifyInteger(t *testing.T) {
	me := newEngine(t, referenceModel(t), DefaultEngineConfig())

	if _, err := me.Verify(&Results{}); err == nil {
		t.Error("Verify() before propagation succeeded")
	}
	compile(t, me)

	report, err := me.Verify(&Results{Inputs: []int64{1, 2, 3, 4, 5}, Outputs: []int64{27}})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Passed() {
		t.Errorf("Verify() failed:\n%s", report)
	}

	report, err = me.Verify(&Results{Inputs: []int64{1, 2, 3, 4, 5}, Outputs: []int64{28}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0}, report.Mismatches); diff != "" {
		t.Errorf("Mismatches (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(report.String(), "FAIL") {
		t.Errorf("String() = %q", report.String())
	}

	if _, err := me.Verify(&Results{Inputs: []int64{1}, Outputs: []int64{1}}); err == nil {
		t.Error("Verify() accepted a short input line")
	}
}

func TestVerifyFixedPoint(t *testing.T) {
	me := newEngine(t, weightedSum(t), fixedConfig(8))
	out, err := me.PropagateUniform()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bitwidth.Interval{{Low: 0.125, High: 0.875}}, out); diff != "" {
		t.Errorf("output intervals mismatch (-want +got):\n%s", diff)
	}

	// 0.5*0.5 + 0.25*0.25 + 0.125 = 0.4375 = 112/256
	report, err := me.Verify(&Results{Inputs: []int64{128, 64}, Outputs: []int64{112}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.5, 0.25}, report.Inputs); diff != "" {
		t.Errorf("decoded inputs mismatch (-want +got):\n%s", diff)
	}
	if !report.Passed() || report.Tolerance != 1e-2 {
		t.Errorf("Verify() = %+v", report)
	}

	report, err = me.Verify(&Results{Inputs: []int64{128, 64}, Outputs: []int64{120}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed() {
		t.Errorf("Verify() accepted an output 0.03 away:\n%s", report)
	}
}
