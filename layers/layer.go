package layers

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// LayerType represents the kind of a layer descriptor
type LayerType int

const (
	Linear LayerType = iota
	LinearFixedPoint
	Conv1D
	MaxPool
	ReLU
	Sigmoid

	// Flatten and Unflatten only reshape the signal vector. They consume no
	// width and are removed before the chain is compiled.
	Flatten
	Unflatten
)

var layerTypeTokens = map[LayerType]string{
	Linear:           "linear",
	LinearFixedPoint: "linear_fixed_point",
	Conv1D:           "conv1d",
	MaxPool:          "maxpool",
	ReLU:             "relu",
	Sigmoid:          "sigmoid",
	Flatten:          "flatten",
	Unflatten:        "unflatten",
}

func (lt LayerType) String() string {
	switch lt {
	case Linear:
		return "Linear"
	case LinearFixedPoint:
		return "LinearFixedPoint"
	case Conv1D:
		return "Conv1D"
	case MaxPool:
		return "MaxPool"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Flatten:
		return "Flatten"
	case Unflatten:
		return "Unflatten"
	default:
		return "Unknown"
	}
}

// DisplayName is the human readable kind used in summaries, e.g. "Linear Fixed Point".
func (lt LayerType) DisplayName() string {
	token, ok := layerTypeTokens[lt]
	if !ok {
		return "Unknown"
	}
	return cases.Title(language.English).String(strings.ReplaceAll(token, "_", " "))
}

// moduleKind is the kind segment of generated module names.
func (lt LayerType) moduleKind() string {
	if lt == LinearFixedPoint {
		return layerTypeTokens[Linear]
	}
	return layerTypeTokens[lt]
}

// IsReshape reports whether the layer only reshapes the signal vector.
func (lt LayerType) IsReshape() bool {
	return lt == Flatten || lt == Unflatten
}

// MarshalText encodes the type as its lower-case token.
func (lt LayerType) MarshalText() ([]byte, error) {
	token, ok := layerTypeTokens[lt]
	if !ok {
		return nil, fmt.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(token), nil
}

// UnmarshalText accepts the lower-case token, case-insensitively.
func (lt *LayerType) UnmarshalText(text []byte) error {
	t, err := ParseLayerType(string(text))
	if err != nil {
		return err
	}
	*lt = t
	return nil
}

// ParseLayerType maps a token such as "conv1d" to its LayerType.
func ParseLayerType(s string) (LayerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for lt, token := range layerTypeTokens {
		if token == s {
			return lt, nil
		}
	}
	return 0, &UnsupportedLayerError{Index: -1, Detail: fmt.Sprintf("unknown layer kind %q", s)}
}

// Tensor is a dense row-major block of weights.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewVector wraps a 1-D slice.
func NewVector(v []float64) *Tensor {
	data := make([]float64, len(v))
	copy(data, v)
	return &Tensor{Shape: []int{len(v)}, Data: data}
}

// NewMatrix copies rows into a 2-D tensor. All rows must have equal length.
func NewMatrix(rows [][]float64) *Tensor {
	t := &Tensor{Shape: []int{len(rows), 0}}
	if len(rows) > 0 {
		t.Shape[1] = len(rows[0])
	}
	for _, r := range rows {
		t.Data = append(t.Data, r...)
	}
	return t
}

// Size is the product of the shape.
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// At returns element (i, j) of a 2-D tensor.
func (t *Tensor) At(i, j int) float64 {
	return t.Data[i*t.Shape[1]+j]
}

// Column copies column j of a 2-D tensor.
func (t *Tensor) Column(j int) []float64 {
	col := make([]float64, t.Shape[0])
	for i := range col {
		col[i] = t.At(i, j)
	}
	return col
}

func (t *Tensor) consistent() bool {
	return t.Size() == len(t.Data)
}

// LayerSpec describes one layer of a chain: its kind, its configuration and
// its trained parameters. This is pure configuration - no hardware logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Trained parameters. Linear weights are [in_features, out_features],
	// Conv1D weights are [kernel_size].
	Weight *Tensor `json:"weight,omitempty"`
	Bias   *Tensor `json:"bias,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterCount int64 `json:"parameter_count,omitempty"`
}

// InputWidth is the number of input signals, known after compilation.
func (ls *LayerSpec) InputWidth() int {
	return product(ls.InputShape)
}

// OutputWidth is the number of output signals, known after compilation.
func (ls *LayerSpec) OutputWidth() int {
	return product(ls.OutputShape)
}

// ModelSpec is a compiled linear chain of layer descriptors.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	Compiled        bool  `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateLinearSpec creates a dense affine layer specification from an
// [in_features][out_features] weight matrix and an optional bias.
func (lf *LayerFactory) CreateLinearSpec(weight [][]float64, bias []float64, name string) LayerSpec {
	spec := LayerSpec{
		Type:       Linear,
		Name:       name,
		Parameters: map[string]interface{}{},
		Weight:     NewMatrix(weight),
	}
	spec.Parameters["input_size"] = spec.Weight.Shape[0]
	spec.Parameters["output_size"] = spec.Weight.Shape[1]
	if bias != nil {
		spec.Bias = NewVector(bias)
	}
	return spec
}

// CreateConv1DSpec creates a single-channel 1-D convolution specification.
// bias may be nil or hold exactly one value.
func (lf *LayerFactory) CreateConv1DSpec(kernel []float64, bias []float64, name string) LayerSpec {
	spec := LayerSpec{
		Type: Conv1D,
		Name: name,
		Parameters: map[string]interface{}{
			"in_channels":  1,
			"out_channels": 1,
			"kernel_size":  len(kernel),
		},
		Weight: NewVector(kernel),
	}
	if bias != nil {
		spec.Bias = NewVector(bias)
	}
	return spec
}

// CreateMaxPoolSpec creates a max-pooling specification
func (lf *LayerFactory) CreateMaxPoolSpec(poolSize int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSigmoidSpec creates a Sigmoid activation specification
func (lf *LayerFactory) CreateSigmoidSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Sigmoid,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateFlattenSpec creates a flatten marker
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}}
}

// CreateUnflattenSpec creates an unflatten marker
func (lf *LayerFactory) CreateUnflattenSpec(shape []int, name string) LayerSpec {
	return LayerSpec{
		Type: Unflatten,
		Name: name,
		Parameters: map[string]interface{}{
			"shape": shape,
		},
	}
}

// ModelBuilder helps construct layer chains
type ModelBuilder struct {
	factory    *LayerFactory
	layers     []LayerSpec
	inputShape []int
	compiled   *ModelSpec
}

// NewModelBuilder creates a new model builder. inputShape may be nil, in
// which case the input width is taken from the first layer.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		factory:    NewFactory(),
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = nil // Invalidate compilation
	return mb
}

// AddLayers adds several layers in order
func (mb *ModelBuilder) AddLayers(layers []LayerSpec) *ModelBuilder {
	for _, l := range layers {
		mb.AddLayer(l)
	}
	return mb
}

// AddLinear adds a dense affine layer
func (mb *ModelBuilder) AddLinear(weight [][]float64, bias []float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateLinearSpec(weight, bias, name))
}

// AddConv1D adds a single-channel convolution
func (mb *ModelBuilder) AddConv1D(kernel []float64, bias []float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv1DSpec(kernel, bias, name))
}

// AddMaxPool adds a max-pooling layer
func (mb *ModelBuilder) AddMaxPool(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateMaxPoolSpec(poolSize, name))
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateReLUSpec(name))
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateSigmoidSpec(name))
}

// AddFlatten adds a flatten marker
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateFlattenSpec(name))
}

// AddUnflatten adds an unflatten marker
func (mb *ModelBuilder) AddUnflatten(shape []int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateUnflattenSpec(shape, name))
}

// Normalize drops reshape markers from a descriptor list. The returned slice
// is what gets indexed, named and wired.
func Normalize(specs []LayerSpec) []LayerSpec {
	out := make([]LayerSpec, 0, len(specs))
	for _, s := range specs {
		if s.Type.IsReshape() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Compile normalizes the chain, checks every layer against the width produced
// by its predecessor and fills in shapes and parameter counts.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	chain := Normalize(mb.layers)
	if len(chain) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:   make([]LayerSpec, len(chain)),
		Compiled: false,
	}
	for i := range chain {
		model.Layers[i] = cloneSpec(chain[i])
	}

	width := product(mb.inputShape)
	if len(mb.inputShape) == 0 {
		w, err := declaredInputWidth(&model.Layers[0])
		if err != nil {
			return nil, err
		}
		width = w
	}
	model.InputShape = []int{width}

	var totalParams int64
	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = []int{width}

		outWidth, paramCount, err := mb.computeLayerInfo(layer, i, width)
		if err != nil {
			return nil, err
		}

		layer.OutputShape = []int{outWidth}
		layer.ParameterCount = paramCount
		totalParams += paramCount
		width = outWidth
	}

	model.OutputShape = []int{width}
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = model

	return model, nil
}

// declaredInputWidth finds the input width a first layer declares on its own.
func declaredInputWidth(layer *LayerSpec) (int, error) {
	if layer.Type == Linear || layer.Type == LinearFixedPoint {
		if layer.Weight != nil && len(layer.Weight.Shape) == 2 {
			return layer.Weight.Shape[0], nil
		}
	}
	if n := getIntParam(layer.Parameters, "input_size", 0); n > 0 {
		return n, nil
	}
	return 0, &ShapeMismatchError{Index: 0, Kind: layer.Type, Detail: "cannot determine model input width"}
}

// computeLayerInfo computes the output width and parameter count of a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, index, width int) (int, int64, error) {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	if declared := getIntParam(layer.Parameters, "input_size", 0); declared > 0 && declared != width {
		return 0, 0, &ShapeMismatchError{
			Index:  index,
			Kind:   layer.Type,
			Detail: fmt.Sprintf("declares %d inputs but previous stage produces %d", declared, width),
		}
	}

	switch layer.Type {
	case Linear, LinearFixedPoint:
		return mb.computeLinearInfo(layer, index, width)
	case Conv1D:
		return mb.computeConv1DInfo(layer, index, width)
	case MaxPool:
		return mb.computeMaxPoolInfo(layer, index, width)
	case ReLU, Sigmoid:
		return mb.computeActivationInfo(layer, index, width)
	default:
		return 0, 0, &UnsupportedLayerError{Index: index, Kind: layer.Type, Detail: "unsupported layer type"}
	}
}

// computeLinearInfo checks weight [in, out] and bias [out] against the input width
func (mb *ModelBuilder) computeLinearInfo(layer *LayerSpec, index, width int) (int, int64, error) {
	mismatch := func(format string, args ...interface{}) (int, int64, error) {
		return 0, 0, &ShapeMismatchError{Index: index, Kind: layer.Type, Detail: fmt.Sprintf(format, args...)}
	}

	w := layer.Weight
	if w == nil {
		return mismatch("weight is not defined")
	}
	if len(w.Shape) != 2 || !w.consistent() {
		return mismatch("weight must be a consistent 2-D tensor, got shape %v with %d values", w.Shape, len(w.Data))
	}
	inFeatures, outFeatures := w.Shape[0], w.Shape[1]
	if inFeatures != width {
		return mismatch("weight has %d rows, expected %d input features", inFeatures, width)
	}
	if declared := getIntParam(layer.Parameters, "output_size", 0); declared > 0 && declared != outFeatures {
		return mismatch("weight has %d columns, expected %d output features", outFeatures, declared)
	}
	if outFeatures == 0 {
		return mismatch("layer has no output features")
	}

	paramCount := int64(inFeatures * outFeatures)
	if b := layer.Bias; b != nil {
		if len(b.Shape) != 1 || b.Shape[0] != outFeatures || !b.consistent() {
			return mismatch("bias shape is %v, expected [%d]", b.Shape, outFeatures)
		}
		paramCount += int64(outFeatures)
	}

	layer.Parameters["input_size"] = inFeatures
	layer.Parameters["output_size"] = outFeatures

	return outFeatures, paramCount, nil
}

// computeConv1DInfo computes single-channel convolution information
func (mb *ModelBuilder) computeConv1DInfo(layer *LayerSpec, index, width int) (int, int64, error) {
	inChannels := getIntParam(layer.Parameters, "in_channels", 1)
	outChannels := getIntParam(layer.Parameters, "out_channels", 1)
	if inChannels != 1 || outChannels != 1 {
		return 0, 0, &UnsupportedLayerError{
			Index:  index,
			Kind:   Conv1D,
			Detail: fmt.Sprintf("only single-channel convolution is supported, got %d->%d channels", inChannels, outChannels),
		}
	}

	mismatch := func(format string, args ...interface{}) (int, int64, error) {
		return 0, 0, &ShapeMismatchError{Index: index, Kind: Conv1D, Detail: fmt.Sprintf(format, args...)}
	}

	w := layer.Weight
	if w == nil {
		return mismatch("weight is not defined")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", w.Size())
	if len(w.Shape) != 1 || w.Shape[0] != kernelSize || !w.consistent() {
		return mismatch("weight shape is %v, expected [%d]", w.Shape, kernelSize)
	}
	if kernelSize < 1 || kernelSize > width {
		return mismatch("kernel size %d does not fit %d inputs", kernelSize, width)
	}

	paramCount := int64(kernelSize)
	if b := layer.Bias; b != nil {
		if b.Size() != 1 || len(b.Data) != 1 {
			return mismatch("bias must be a single value, got shape %v", b.Shape)
		}
		paramCount++
	}

	layer.Parameters["in_channels"] = 1
	layer.Parameters["out_channels"] = 1
	layer.Parameters["kernel_size"] = kernelSize
	layer.Parameters["num_inputs"] = width

	return width - kernelSize + 1, paramCount, nil
}

// computeMaxPoolInfo computes max-pooling information. Trailing signals that
// do not fill a whole window are dropped.
func (mb *ModelBuilder) computeMaxPoolInfo(layer *LayerSpec, index, width int) (int, int64, error) {
	poolSize := getIntParam(layer.Parameters, "pool_size", 2)
	if poolSize < 1 || width/poolSize == 0 {
		return 0, 0, &ShapeMismatchError{
			Index:  index,
			Kind:   MaxPool,
			Detail: fmt.Sprintf("pool size %d does not fit %d inputs", poolSize, width),
		}
	}

	layer.Parameters["pool_size"] = poolSize
	layer.Parameters["input_length"] = width

	return width / poolSize, 0, nil
}

// computeActivationInfo computes width-preserving activation information (no parameters)
func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, index, width int) (int, int64, error) {
	if declared := getIntParam(layer.Parameters, "size", 0); declared > 0 && declared != width {
		return 0, 0, &ShapeMismatchError{
			Index:  index,
			Kind:   layer.Type,
			Detail: fmt.Sprintf("declares %d signals but previous stage produces %d", declared, width),
		}
	}
	layer.Parameters["size"] = width
	return width, 0, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if mb.compiled == nil {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}
	return mb.compiled, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i, layer.Name, layer.Type.DisplayName())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n\n", layer.ParameterCount)
	}

	return sb.String()
}

func product(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneSpec(s LayerSpec) LayerSpec {
	params := make(map[string]interface{}, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	s.Parameters = params
	return s
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64 or json.Number.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return defaultValue
}
