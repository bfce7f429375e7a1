package checkpoints

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tsawler/go-rtl/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
)

// ONNXExporter writes a checkpoint as an ONNX graph
type ONNXExporter struct {
	nodes        [][]byte
	initializers [][]byte
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX encodes the checkpoint as an ONNX model. Linear layers become
// Gemm nodes with transB=1; Unsqueeze and Flatten nodes are inserted where a
// layer needs a different tensor rank than its predecessor produced.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := checkpoint.Compile()
	if err != nil {
		return errors.Wrap(err, "failed to compile checkpoint for export")
	}

	graph, err := oe.buildONNXGraph(model)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, encodeModel(Framework, graph), 0o644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// buildONNXGraph creates the ONNX computation graph for a compiled chain
func (oe *ONNXExporter) buildONNXGraph(model *layers.ModelSpec) ([]byte, error) {
	oe.nodes, oe.initializers = nil, nil

	current := "input"
	rank := 2
	width := model.InputShape[0]
	input := oe.valueInfo(current, []int64{1, int64(width)})

	for _, spec := range model.Layers {
		switch spec.Type {
		case layers.Linear, layers.LinearFixedPoint:
			if rank == 3 {
				current = oe.reshape("Flatten", spec.Name, current)
				rank = 2
			}
			current = oe.createGemmNode(spec, current)
		case layers.Conv1D, layers.MaxPool:
			if rank == 2 {
				current = oe.reshape("Unsqueeze", spec.Name, current)
				rank = 3
			}
			if spec.Type == layers.Conv1D {
				current = oe.createConvNode(spec, current)
			} else {
				current = oe.createMaxPoolNode(spec, current)
			}
		case layers.ReLU:
			current = oe.addNode(spec.Name, "Relu", []string{current}, nil)
		case layers.Sigmoid:
			current = oe.addNode(spec.Name, "Sigmoid", []string{current}, nil)
		default:
			return nil, &layers.UnsupportedLayerError{Index: -1, Detail: fmt.Sprintf("cannot export layer %s of kind %s", spec.Name, spec.Type)}
		}
		width = spec.OutputWidth()
	}

	outDims := []int64{1, int64(width)}
	if rank == 3 {
		outDims = []int64{1, 1, int64(width)}
	}

	return oe.encodeGraph(input, oe.valueInfo(current, outDims)), nil
}

func (oe *ONNXExporter) encodeGraph(input, output []byte) []byte {
	var g []byte
	for _, n := range oe.nodes {
		g = appendMessage(g, graphNode, n)
	}
	g = appendString(g, graphName, "rtl_model")
	for _, t := range oe.initializers {
		g = appendMessage(g, graphInitializer, t)
	}
	g = appendMessage(g, graphInput, input)
	return appendMessage(g, graphOutput, output)
}

func encodeModel(producer string, graph []byte) []byte {
	var b []byte
	b = appendInt(b, modelIRVersion, onnxIRVersion)
	b = appendString(b, modelProducerName, producer)
	b = appendString(b, modelProducerVersion, "1.0.0")
	b = appendMessage(b, modelGraph, graph)
	return appendMessage(b, modelOpsetImport, appendInt(nil, opsetVersion, onnxOpset))
}

// createGemmNode stores the [in, out] weight transposed, as PyTorch does
func (oe *ONNXExporter) createGemmNode(spec layers.LayerSpec, input string) string {
	in, out := spec.Weight.Shape[0], spec.Weight.Shape[1]
	weightName := spec.Name + ".weight"
	oe.addInitializer(weightName, []int64{int64(out), int64(in)}, transposeMatrix2D(spec.Weight.Data, in, out))

	inputs := []string{input, weightName}
	if spec.Bias != nil {
		biasName := spec.Name + ".bias"
		oe.addInitializer(biasName, []int64{int64(out)}, spec.Bias.Data)
		inputs = append(inputs, biasName)
	}
	return oe.addNode(spec.Name, "Gemm", inputs, [][]byte{intAttribute("transB", 1)})
}

// createConvNode creates an ONNX Conv node with a [1, 1, k] kernel
func (oe *ONNXExporter) createConvNode(spec layers.LayerSpec, input string) string {
	k := int64(spec.Weight.Size())
	weightName := spec.Name + ".weight"
	oe.addInitializer(weightName, []int64{1, 1, k}, spec.Weight.Data)

	inputs := []string{input, weightName}
	if spec.Bias != nil {
		biasName := spec.Name + ".bias"
		oe.addInitializer(biasName, []int64{1}, spec.Bias.Data)
		inputs = append(inputs, biasName)
	}
	return oe.addNode(spec.Name, "Conv", inputs, [][]byte{intsAttribute("kernel_shape", k)})
}

// createMaxPoolNode creates a non-overlapping ONNX MaxPool node
func (oe *ONNXExporter) createMaxPoolNode(spec layers.LayerSpec, input string) string {
	k, _ := spec.Parameters["pool_size"].(int)
	attrs := [][]byte{
		intsAttribute("kernel_shape", int64(k)),
		intsAttribute("strides", int64(k)),
	}
	return oe.addNode(spec.Name, "MaxPool", []string{input}, attrs)
}

// reshape inserts a rank change in front of layer
func (oe *ONNXExporter) reshape(opType, layer, input string) string {
	name := fmt.Sprintf("%s_%s", layer, strings.ToLower(opType))
	if opType == "Unsqueeze" {
		axes := name + ".axes"
		oe.addInitializer(axes, []int64{1}, []float64{1}, dataTypeInt64)
		return oe.addNode(name, opType, []string{input, axes}, nil)
	}
	return oe.addNode(name, opType, []string{input}, [][]byte{intAttribute("axis", 1)})
}

func (oe *ONNXExporter) addNode(name, opType string, inputs []string, attrs [][]byte) string {
	output := name + "_out"

	var b []byte
	for _, in := range inputs {
		b = appendString(b, nodeInput, in)
	}
	b = appendString(b, nodeOutput, output)
	b = appendString(b, nodeName, name)
	b = appendString(b, nodeOpType, opType)
	for _, a := range attrs {
		b = appendMessage(b, nodeAttribute, a)
	}

	oe.nodes = append(oe.nodes, b)
	return output
}

// addInitializer stores data as float32 unless an INT64 type is requested
func (oe *ONNXExporter) addInitializer(name string, dims []int64, data []float64, dataType ...int64) {
	typ := int64(dataTypeFloat)
	if len(dataType) > 0 {
		typ = dataType[0]
	}

	var b []byte
	b = appendPackedInts(b, tensorDims, dims)
	b = appendInt(b, tensorDataType, typ)
	if typ == dataTypeInt64 {
		b = appendPackedInts(b, tensorInt64Data, lo.Map(data, func(v float64, _ int) int64 { return int64(v) }))
	} else {
		b = appendPackedFloats(b, tensorFloatData, data)
	}
	b = appendString(b, tensorName, name)

	oe.initializers = append(oe.initializers, b)
}

func (oe *ONNXExporter) valueInfo(name string, dims []int64) []byte {
	var shape []byte
	for _, d := range dims {
		shape = appendMessage(shape, shapeDim, appendInt(nil, dimValue, d))
	}

	var tensorType []byte
	tensorType = appendInt(tensorType, tensorTypeElem, dataTypeFloat)
	tensorType = appendMessage(tensorType, tensorShape, shape)

	var b []byte
	b = appendString(b, valueInfoName, name)
	b = appendMessage(b, valueInfoType, appendMessage(nil, typeTensorType, tensorType))
	return b
}

func intAttribute(name string, v int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = appendInt(b, attrI, v)
	return appendInt(b, attrType, attrTypeInt)
}

func intsAttribute(name string, vs ...int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = appendPackedInts(b, attrInts, vs)
	return appendInt(b, attrType, attrTypeInts)
}

// ONNXImporter reads ONNX graphs exported from PyTorch or by ONNXExporter
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX converts an ONNX model into a checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}

	model, err := parseModel(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model %s", path)
	}

	modelSpec, err := oi.convertGraph(&model.graph)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert ONNX model %s", path)
	}

	checkpoint, err := NewCheckpoint(modelSpec)
	if err != nil {
		return nil, err
	}
	checkpoint.Metadata = CheckpointMetadata{
		Version:     "1.0.0",
		Framework:   Framework,
		CreatedAt:   time.Now(),
		Description: fmt.Sprintf("Imported from ONNX (producer: %s)", model.producerName),
	}
	return checkpoint, nil
}

// importContext holds the initializers of the graph being converted
type importContext struct {
	weights map[string]*layers.Tensor
	names   map[string]int
}

// convertGraph converts the node list into a compiled layer chain
func (oi *ONNXImporter) convertGraph(graph *onnxGraph) (*layers.ModelSpec, error) {
	if len(graph.nodes) == 0 {
		return nil, fmt.Errorf("ONNX graph has no nodes")
	}

	ctx := &importContext{
		weights: make(map[string]*layers.Tensor, len(graph.initializers)),
		names:   make(map[string]int),
	}
	for i := range graph.initializers {
		t := &graph.initializers[i]
		data, err := t.values()
		if err != nil {
			return nil, err
		}
		ctx.weights[t.name] = &layers.Tensor{
			Shape: lo.Map(t.dims, func(d int64, _ int) int { return int(d) }),
			Data:  data,
		}
	}

	// First pass: identify MatMul+Add pairs for bias absorption
	pairs := oi.identifyMatMulAddPairs(graph.nodes, ctx)

	var specs []layers.LayerSpec
	for i := range graph.nodes {
		node := &graph.nodes[i]
		if lo.Contains(lo.Values(pairs), i) {
			continue
		}

		var bias *onnxNode
		if j, ok := pairs[i]; ok {
			bias = &graph.nodes[j]
		}

		spec, err := oi.convertNode(node, bias, ctx)
		if err != nil {
			return nil, err
		}
		if spec == nil {
			continue
		}
		spec.Name = ctx.uniqueName(node, i)
		specs = append(specs, *spec)
	}

	return layers.NewModelBuilder(oi.inputShape(graph, ctx)).AddLayers(specs).Compile()
}

// inputShape returns the width of the first graph input that is not an
// initializer, ignoring the batch dimension. Unknown dimensions yield nil and
// the width is taken from the first layer instead.
func (oi *ONNXImporter) inputShape(graph *onnxGraph, ctx *importContext) []int {
	for _, in := range graph.inputs {
		if _, isWeight := ctx.weights[in.name]; isWeight {
			continue
		}
		dims := in.dims
		if len(dims) > 1 {
			dims = dims[1:]
		}
		width := 1
		for _, d := range dims {
			if d <= 0 {
				return nil
			}
			width *= int(d)
		}
		if len(dims) == 0 {
			return nil
		}
		return []int{width}
	}
	return nil
}

func (ctx *importContext) uniqueName(node *onnxNode, index int) string {
	name := node.name
	if name == "" {
		name = fmt.Sprintf("%s_%d", strings.ToLower(node.opType), index)
	}
	ctx.names[name]++
	if n := ctx.names[name]; n > 1 {
		name = fmt.Sprintf("%s_%d", name, n-1)
	}
	return name
}

// initializer looks up the constant feeding input i of node
func (ctx *importContext) initializer(node *onnxNode, i int) (*layers.Tensor, bool) {
	if i >= len(node.inputs) {
		return nil, false
	}
	t, ok := ctx.weights[node.inputs[i]]
	return t, ok
}

// convertNode converts a single ONNX node. bias is the Add node absorbed into
// a MatMul, if any. Nodes without a hardware counterpart return nil.
func (oi *ONNXImporter) convertNode(node, bias *onnxNode, ctx *importContext) (*layers.LayerSpec, error) {
	factory := layers.NewFactory()

	switch node.opType {
	case "Gemm":
		return oi.convertGemmNode(node, ctx)
	case "MatMul":
		return oi.convertMatMulNode(node, bias, ctx)
	case "Conv":
		return oi.convertConvNode(node, ctx)
	case "MaxPool":
		return oi.convertMaxPoolNode(node)
	case "Relu":
		spec := factory.CreateReLUSpec(node.name)
		return &spec, nil
	case "Sigmoid":
		spec := factory.CreateSigmoidSpec(node.name)
		return &spec, nil
	case "Flatten", "Squeeze":
		spec := factory.CreateFlattenSpec(node.name)
		return &spec, nil
	case "Reshape", "Unsqueeze":
		spec := factory.CreateUnflattenSpec(nil, node.name)
		return &spec, nil
	case "Identity", "Dropout":
		return nil, nil
	default:
		return nil, unsupportedNode(node, "operator has no hardware counterpart")
	}
}

func unsupportedNode(node *onnxNode, format string, args ...interface{}) error {
	return &layers.UnsupportedLayerError{
		Index:  -1,
		Detail: fmt.Sprintf("ONNX node %q (%s): %s", node.name, node.opType, fmt.Sprintf(format, args...)),
	}
}

// convertGemmNode converts Y = alpha*A*B' + beta*C into a Linear layer
func (oi *ONNXImporter) convertGemmNode(node *onnxNode, ctx *importContext) (*layers.LayerSpec, error) {
	if node.attrInt("transA", 0) != 0 {
		return nil, unsupportedNode(node, "transA is not supported")
	}
	b, ok := ctx.initializer(node, 1)
	if !ok || len(b.Shape) != 2 {
		return nil, unsupportedNode(node, "B must be a 2-D initializer")
	}

	rows, cols := b.Shape[0], b.Shape[1]
	weight := &layers.Tensor{Shape: []int{rows, cols}, Data: append([]float64(nil), b.Data...)}
	if node.attrInt("transB", 0) != 0 {
		weight = &layers.Tensor{Shape: []int{cols, rows}, Data: transposeMatrix2D(b.Data, rows, cols)}
	}

	alpha := node.attrFloat("alpha", 1)
	for i := range weight.Data {
		weight.Data[i] *= alpha
	}

	spec := linearSpec(node.name, weight)
	if c, ok := ctx.initializer(node, 2); ok {
		out := weight.Shape[1]
		if c.Size() != out && c.Size() != 1 {
			return nil, unsupportedNode(node, "C has %d elements, expected %d", c.Size(), out)
		}
		beta := node.attrFloat("beta", 1)
		spec.Bias = layers.NewVector(lo.Times(out, func(j int) float64 {
			return beta * c.Data[j%c.Size()]
		}))
	} else if len(node.inputs) > 2 && node.inputs[2] != "" {
		return nil, unsupportedNode(node, "C must be an initializer")
	}
	return spec, nil
}

// convertMatMulNode converts X*W, W in [in, out] layout, plus an absorbed Add
func (oi *ONNXImporter) convertMatMulNode(node, add *onnxNode, ctx *importContext) (*layers.LayerSpec, error) {
	w, ok := ctx.initializer(node, 1)
	if !ok || len(w.Shape) != 2 {
		return nil, unsupportedNode(node, "second operand must be a 2-D initializer")
	}
	spec := linearSpec(node.name, &layers.Tensor{
		Shape: append([]int(nil), w.Shape...),
		Data:  append([]float64(nil), w.Data...),
	})

	if add != nil {
		biasTensor := oi.extractBiasFromAddNode(add, ctx)
		if biasTensor.Size() != w.Shape[1] {
			return nil, unsupportedNode(add, "bias has %d elements, expected %d", biasTensor.Size(), w.Shape[1])
		}
		spec.Bias = layers.NewVector(biasTensor.Data)
	}
	return spec, nil
}

func linearSpec(name string, weight *layers.Tensor) *layers.LayerSpec {
	return &layers.LayerSpec{
		Type: layers.Linear,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  weight.Shape[0],
			"output_size": weight.Shape[1],
		},
		Weight: weight,
	}
}

// convertConvNode accepts only single-channel, unit-stride, unpadded kernels
func (oi *ONNXImporter) convertConvNode(node *onnxNode, ctx *importContext) (*layers.LayerSpec, error) {
	w, ok := ctx.initializer(node, 1)
	if !ok {
		return nil, unsupportedNode(node, "weight must be an initializer")
	}
	if len(w.Shape) != 3 || w.Shape[0] != 1 || w.Shape[1] != 1 {
		return nil, unsupportedNode(node, "weight shape %v, only single-channel 1-D kernels [1, 1, k] are supported", w.Shape)
	}
	if g := node.attrInt("group", 1); g != 1 {
		return nil, unsupportedNode(node, "group %d", g)
	}
	for _, attr := range []string{"strides", "dilations"} {
		if lo.SomeBy(node.attrInts(attr), func(v int64) bool { return v != 1 }) {
			return nil, unsupportedNode(node, "%s must be 1", attr)
		}
	}
	if lo.SomeBy(node.attrInts("pads"), func(v int64) bool { return v != 0 }) {
		return nil, unsupportedNode(node, "padding is not supported")
	}
	if pad, ok := node.attr("auto_pad"); ok && pad.s != "NOTSET" && pad.s != "VALID" {
		return nil, unsupportedNode(node, "auto_pad is not supported")
	}

	var bias []float64
	if b, ok := ctx.initializer(node, 2); ok {
		bias = b.Data
	}
	spec := layers.NewFactory().CreateConv1DSpec(w.Data, bias, node.name)
	return &spec, nil
}

// convertMaxPoolNode accepts only non-overlapping windows
func (oi *ONNXImporter) convertMaxPoolNode(node *onnxNode) (*layers.LayerSpec, error) {
	kernel := node.attrInts("kernel_shape")
	if len(kernel) != 1 {
		return nil, unsupportedNode(node, "kernel_shape %v, expected one dimension", kernel)
	}
	strides := node.attrInts("strides")
	if len(strides) != 1 || strides[0] != kernel[0] {
		return nil, unsupportedNode(node, "strides %v must equal the kernel size %d", strides, kernel[0])
	}
	if lo.SomeBy(node.attrInts("pads"), func(v int64) bool { return v != 0 }) {
		return nil, unsupportedNode(node, "padding is not supported")
	}
	if node.attrInt("ceil_mode", 0) != 0 {
		return nil, unsupportedNode(node, "ceil_mode is not supported")
	}

	spec := layers.NewFactory().CreateMaxPoolSpec(int(kernel[0]), node.name)
	return &spec, nil
}

// transposeMatrix2D transposes a 2D matrix stored as 1D array
func transposeMatrix2D(data []float64, rows, cols int) []float64 {
	transposed := make([]float64, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			transposed[j*rows+i] = data[i*cols+j]
		}
	}
	return transposed
}

// identifyMatMulAddPairs maps the index of each MatMul to the index of the Add
// that directly consumes its output together with a constant.
func (oi *ONNXImporter) identifyMatMulAddPairs(nodes []onnxNode, ctx *importContext) map[int]int {
	pairs := make(map[int]int)

	for i := range nodes {
		node := &nodes[i]
		if node.opType != "MatMul" || i+1 >= len(nodes) || len(node.outputs) == 0 {
			continue
		}
		next := &nodes[i+1]
		if next.opType != "Add" || len(next.inputs) != 2 {
			continue
		}
		for k, in := range next.inputs {
			_, constant := ctx.weights[next.inputs[1-k]]
			if in == node.outputs[0] && constant {
				pairs[i] = i + 1
				break
			}
		}
	}

	return pairs
}

// extractBiasFromAddNode returns the constant operand of an absorbed Add
func (oi *ONNXImporter) extractBiasFromAddNode(add *onnxNode, ctx *importContext) *layers.Tensor {
	if t, ok := ctx.initializer(add, 1); ok {
		return t
	}
	t, _ := ctx.initializer(add, 0)
	return t
}

func (nd *onnxNode) attr(name string) (onnxAttribute, bool) {
	return lo.Find(nd.attributes, func(a onnxAttribute) bool { return a.name == name })
}

func (nd *onnxNode) attrInt(name string, def int64) int64 {
	if a, ok := nd.attr(name); ok {
		return a.i
	}
	return def
}

func (nd *onnxNode) attrFloat(name string, def float64) float64 {
	if a, ok := nd.attr(name); ok {
		return a.f
	}
	return def
}

func (nd *onnxNode) attrInts(name string) []int64 {
	a, _ := nd.attr(name)
	return a.ints
}
