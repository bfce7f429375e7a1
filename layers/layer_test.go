package layers

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// referenceChain is Linear(5,5) -> Unflatten -> Conv1d(k=3) -> Flatten -> Linear(3,1) -> ReLU.
func referenceChain() *ModelBuilder {
	return NewModelBuilder([]int{5}).
		AddLinear([][]float64{
			{1, 0, 2, 0, 1},
			{0, 1, 0, 3, 0},
			{4, 0, 1, 0, 2},
			{0, 2, 0, 1, 0},
			{1, 1, 1, 1, 1},
		}, []float64{3, 1, 4, 1, 5}, "fc1").
		AddUnflatten([]int{1, 5}, "unflatten").
		AddConv1D([]float64{2, 7, 1}, []float64{8}, "conv").
		AddFlatten("flatten").
		AddLinear([][]float64{{2}, {8}, {1}}, []float64{8}, "fc2").
		AddReLU("relu")
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt      LayerType
		str     string
		display string
	}{
		{Linear, "Linear", "Linear"},
		{LinearFixedPoint, "LinearFixedPoint", "Linear Fixed Point"},
		{Conv1D, "Conv1D", "Conv1d"},
		{MaxPool, "MaxPool", "Maxpool"},
		{ReLU, "ReLU", "Relu"},
		{Sigmoid, "Sigmoid", "Sigmoid"},
		{LayerType(99), "Unknown", "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
		if got := tt.lt.DisplayName(); got != tt.display {
			t.Errorf("DisplayName() = %q, want %q", got, tt.display)
		}
	}
}

func TestLayerTypeJSON(t *testing.T) {
	for lt := Linear; lt <= Unflatten; lt++ {
		data, err := json.Marshal(lt)
		if err != nil {
			t.Fatalf("Marshal(%v) error: %v", lt, err)
		}
		var back LayerType
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", data, err)
		}
		if back != lt {
			t.Errorf("round trip of %v gave %v", lt, back)
		}
	}

	var lt LayerType
	err := json.Unmarshal([]byte(`"lstm"`), &lt)
	var unsupported *UnsupportedLayerError
	if !errors.As(err, &unsupported) {
		t.Errorf("Unmarshal(lstm) error = %v, want UnsupportedLayerError", err)
	}
}

func TestCompileReferenceChain(t *testing.T) {
	model, err := referenceChain().Compile()
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	if len(model.Layers) != 4 {
		t.Fatalf("got %d layers after dropping reshape markers, want 4", len(model.Layers))
	}

	wantKinds := []LayerType{Linear, Conv1D, Linear, ReLU}
	wantOut := []int{5, 3, 1, 1}
	for i, l := range model.Layers {
		if l.Type != wantKinds[i] {
			t.Errorf("layer %d type = %v, want %v", i, l.Type, wantKinds[i])
		}
		if l.OutputWidth() != wantOut[i] {
			t.Errorf("layer %d output width = %d, want %d", i, l.OutputWidth(), wantOut[i])
		}
	}

	// Adjacent widths agree.
	for i := 0; i+1 < len(model.Layers); i++ {
		if model.Layers[i].OutputWidth() != model.Layers[i+1].InputWidth() {
			t.Errorf("layer %d outputs %d but layer %d takes %d", i, model.Layers[i].OutputWidth(), i+1, model.Layers[i+1].InputWidth())
		}
	}

	if diff := cmp.Diff([]int{5}, model.InputShape); diff != "" {
		t.Errorf("InputShape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, model.OutputShape); diff != "" {
		t.Errorf("OutputShape mismatch (-want +got):\n%s", diff)
	}
	// 25+5 + 3+1 + 3+1
	if model.TotalParameters != 38 {
		t.Errorf("TotalParameters = %d, want 38", model.TotalParameters)
	}
}

func TestCompileInfersInputWidth(t *testing.T) {
	model, err := NewModelBuilder(nil).
		AddLinear([][]float64{{1, 2}, {3, 4}, {5, 6}}, nil, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if model.InputShape[0] != 3 || model.OutputShape[0] != 2 {
		t.Errorf("shapes = %v -> %v, want [3] -> [2]", model.InputShape, model.OutputShape)
	}

	_, err = NewModelBuilder(nil).AddReLU("relu").Compile()
	var mismatch *ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("ReLU-first model without input shape: error = %v, want ShapeMismatchError", err)
	}
}

func TestCompileErrors(t *testing.T) {
	factory := NewFactory()

	tests := []struct {
		name      string
		builder   *ModelBuilder
		wantIndex int
		wantKind  LayerType
		shape     bool
	}{
		{
			name: "adjacent widths disagree",
			builder: NewModelBuilder([]int{2}).
				AddLinear([][]float64{{1, 1, 1}, {1, 1, 1}}, nil, "fc1").
				AddLinear([][]float64{{1}, {1}}, nil, "fc2"),
			wantIndex: 1, wantKind: Linear, shape: true,
		},
		{
			name: "bias length",
			builder: NewModelBuilder([]int{2}).
				AddLinear([][]float64{{1, 1}, {1, 1}}, []float64{1, 2, 3}, "fc"),
			wantIndex: 0, wantKind: Linear, shape: true,
		},
		{
			name: "missing weight",
			builder: NewModelBuilder([]int{2}).
				AddLayer(LayerSpec{Type: Linear, Name: "fc"}),
			wantIndex: 0, wantKind: Linear, shape: true,
		},
		{
			name: "kernel wider than input",
			builder: NewModelBuilder([]int{2}).
				AddConv1D([]float64{1, 1, 1}, nil, "conv"),
			wantIndex: 0, wantKind: Conv1D, shape: true,
		},
		{
			name: "pool wider than input",
			builder: NewModelBuilder([]int{3}).
				AddMaxPool(4, "pool"),
			wantIndex: 0, wantKind: MaxPool, shape: true,
		},
		{
			name: "declared activation size",
			builder: NewModelBuilder([]int{3}).
				AddLayer(LayerSpec{Type: ReLU, Name: "relu", Parameters: map[string]interface{}{"size": 4.0}}),
			wantIndex: 0, wantKind: ReLU, shape: true,
		},
		{
			name: "multi-channel convolution",
			builder: NewModelBuilder([]int{6}).
				AddLayer(func() LayerSpec {
					s := factory.CreateConv1DSpec([]float64{1, 1}, nil, "conv")
					s.Parameters["out_channels"] = 2
					return s
				}()),
			wantIndex: 0, wantKind: Conv1D, shape: false,
		},
		{
			name: "unknown kind",
			builder: NewModelBuilder([]int{3}).
				AddReLU("relu").
				AddLayer(LayerSpec{Type: LayerType(42), Name: "mystery"}),
			wantIndex: 1, wantKind: LayerType(42), shape: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Compile()
			if err == nil {
				t.Fatal("Compile() succeeded, want error")
			}
			var mismatch *ShapeMismatchError
			var unsupported *UnsupportedLayerError
			switch {
			case tt.shape && errors.As(err, &mismatch):
				if mismatch.Index != tt.wantIndex || mismatch.Kind != tt.wantKind {
					t.Errorf("error at layer %d (%v), want %d (%v)", mismatch.Index, mismatch.Kind, tt.wantIndex, tt.wantKind)
				}
			case !tt.shape && errors.As(err, &unsupported):
				if unsupported.Index != tt.wantIndex || unsupported.Kind != tt.wantKind {
					t.Errorf("error at layer %d (%v), want %d (%v)", unsupported.Index, unsupported.Kind, tt.wantIndex, tt.wantKind)
				}
			default:
				t.Errorf("Compile() error = %T %v", err, err)
			}
		})
	}
}

func TestCompileEmpty(t *testing.T) {
	if _, err := NewModelBuilder([]int{3}).AddFlatten("only marker").Compile(); err == nil {
		t.Error("Compile() of a marker-only model succeeded, want error")
	}
}

func TestGetCompiledModel(t *testing.T) {
	builder := referenceChain()
	if _, err := builder.GetCompiledModel(); err == nil {
		t.Error("GetCompiledModel() before Compile succeeded, want error")
	}
	compiled, err := builder.Compile()
	if err != nil {
		t.Fatal(err)
	}
	got, err := builder.GetCompiledModel()
	if err != nil || got != compiled {
		t.Errorf("GetCompiledModel() = %p, %v; want %p", got, err, compiled)
	}
	builder.AddSigmoid("sig")
	if _, err := builder.GetCompiledModel(); err == nil {
		t.Error("GetCompiledModel() after AddLayer succeeded, want error")
	}
}

func TestCompileDoesNotMutateBuilderSpecs(t *testing.T) {
	spec := NewFactory().CreateReLUSpec("relu")
	builder := NewModelBuilder([]int{4}).AddLayer(spec)
	if _, err := builder.Compile(); err != nil {
		t.Fatal(err)
	}
	if _, ok := spec.Parameters["size"]; ok {
		t.Error("Compile() wrote into the caller's parameter map")
	}
}

func TestModelSpecJSON(t *testing.T) {
	model, err := referenceChain().Compile()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"conv1d"`) {
		t.Errorf("JSON does not use type tokens: %s", data)
	}

	var back ModelSpec
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	rebuilt, err := NewModelBuilder(back.InputShape).AddLayers(back.Layers).Compile()
	if err != nil {
		t.Fatalf("recompiling decoded spec: %v", err)
	}
	if diff := cmp.Diff(model.OutputShape, rebuilt.OutputShape); diff != "" {
		t.Errorf("OutputShape mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary(t *testing.T) {
	builder := referenceChain()
	if got := (&ModelSpec{}).Summary(); got != "Model not compiled" {
		t.Errorf("Summary() of uncompiled model = %q", got)
	}
	model, err := builder.Compile()
	if err != nil {
		t.Fatal(err)
	}
	summary := model.Summary()
	for _, want := range []string{"Layers: 4", "Layer 1: conv (Conv1d)", "Total Parameters: 38"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() missing %q:\n%s", want, summary)
		}
	}
}

func TestFromModelSpecUncheckedTensors(t *testing.T) {
	shaped := func(kind LayerType, in, out int) LayerSpec {
		return LayerSpec{Type: kind, InputShape: []int{in}, OutputShape: []int{out}}
	}
	withWeight := func(s LayerSpec, w, b *Tensor) LayerSpec {
		s.Weight, s.Bias = w, b
		return s
	}

	tests := []struct {
		name string
		spec LayerSpec
	}{
		{"conv without weight", shaped(Conv1D, 5, 3)},
		{"conv kernel too wide", withWeight(shaped(Conv1D, 5, 3), NewVector([]float64{1, 1, 1, 1}), nil)},
		{"conv bias vector", withWeight(shaped(Conv1D, 5, 3), NewVector([]float64{1, 1, 1}), NewVector([]float64{1, 2}))},
		{"linear without weight", shaped(Linear, 2, 1)},
		{"linear weight transposed", withWeight(shaped(Linear, 2, 1), NewMatrix([][]float64{{1, 2}}), nil)},
		{"linear short data", withWeight(shaped(Linear, 2, 1), &Tensor{Shape: []int{2, 1}, Data: []float64{1}}, nil)},
		{"linear bias too long", withWeight(shaped(Linear, 2, 1), NewMatrix([][]float64{{1}, {2}}), NewVector([]float64{1, 2}))},
		{"pool of zero", LayerSpec{Type: MaxPool, InputShape: []int{4}, OutputShape: []int{2}, Parameters: map[string]interface{}{"pool_size": 0}}},
		{"relu changes width", shaped(ReLU, 3, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &ModelSpec{Layers: []LayerSpec{tt.spec}, Compiled: true}
			for _, opts := range []Options{{}, {FixedPoint: true, FractionalBits: 4}} {
				_, err := FromModelSpec(ms, opts)
				var mismatch *ShapeMismatchError
				if !errors.As(err, &mismatch) {
					t.Fatalf("FromModelSpec(%+v) error = %v, want ShapeMismatchError", opts, err)
				}
				if mismatch.Index != 0 {
					t.Errorf("mismatch reported at layer %d, want 0", mismatch.Index)
				}
			}
		})
	}
}
