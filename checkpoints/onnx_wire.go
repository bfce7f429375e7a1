package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the onnx.proto messages read and written here.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName   protowire.Number = 1
	attrF      protowire.Number = 2
	attrI      protowire.Number = 3
	attrS      protowire.Number = 4
	attrFloats protowire.Number = 7
	attrInts   protowire.Number = 8
	attrType   protowire.Number = 20

	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorFloatData  protowire.Number = 4
	tensorInt32Data  protowire.Number = 5
	tensorInt64Data  protowire.Number = 7
	tensorName       protowire.Number = 8
	tensorRawData    protowire.Number = 9
	tensorDoubleData protowire.Number = 10

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorTypeElem protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
)

// TensorProto.DataType values
const (
	dataTypeFloat  = 1
	dataTypeInt32  = 6
	dataTypeInt64  = 7
	dataTypeDouble = 11
)

// AttributeProto.AttributeType values
const (
	attrTypeFloat  = 1
	attrTypeInt    = 2
	attrTypeFloats = 6
	attrTypeInts   = 7
)

type onnxModel struct {
	producerName string
	graph        onnxGraph
}

type onnxGraph struct {
	name         string
	nodes        []onnxNode
	initializers []onnxTensor
	inputs       []onnxValueInfo
	outputs      []onnxValueInfo
}

type onnxNode struct {
	name       string
	opType     string
	inputs     []string
	outputs    []string
	attributes []onnxAttribute
}

type onnxAttribute struct {
	name   string
	f      float64
	i      int64
	s      string
	floats []float64
	ints   []int64
}

type onnxTensor struct {
	name     string
	dims     []int64
	dataType int64
	data     []float64
	raw      []byte
}

type onnxValueInfo struct {
	name string
	dims []int64
}

// fieldFunc consumes the value of one field and returns its length, 0 to
// skip it, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func decodeMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// decodeNested decodes a length-delimited sub-message. errp keeps the first
// error of the nested decoder, which a fieldFunc cannot return directly.
func decodeNested(typ protowire.Type, b []byte, errp *error, fn fieldFunc) int {
	if typ != protowire.BytesType {
		return 0
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := decodeMessage(msg, fn); err != nil && *errp == nil {
		*errp = err
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	s, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = s
	}
	return n
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int64(v)
	}
	return n
}

// consumeInts reads a packed or unpacked repeated varint field.
func consumeInts(typ protowire.Type, b []byte, dst *[]int64) int {
	switch typ {
	case protowire.VarintType:
		var v int64
		n := consumeInt(typ, b, &v)
		if n >= 0 {
			*dst = append(*dst, v)
		}
		return n
	case protowire.BytesType:
		buf, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(buf) > 0 {
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return m
			}
			*dst = append(*dst, int64(v))
			buf = buf[m:]
		}
		return n
	}
	return 0
}

// consumeFloats reads a packed or unpacked repeated float or double field.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float64) int {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			*dst = append(*dst, float64(math.Float32frombits(v)))
		}
		return n
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n >= 0 {
			*dst = append(*dst, math.Float64frombits(v))
		}
		return n
	case protowire.BytesType:
		return 0
	}
	return 0
}

func consumePackedFloats(typ protowire.Type, b []byte, dst *[]float64, width int) int {
	if typ != protowire.BytesType {
		return consumeFloats(typ, b, dst)
	}
	buf, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if len(buf)%width != 0 {
		return -1
	}
	for ; len(buf) > 0; buf = buf[width:] {
		if width == 4 {
			*dst = append(*dst, float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))))
		} else {
			*dst = append(*dst, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		}
	}
	return n
}

func parseModel(b []byte) (*onnxModel, error) {
	var m onnxModel
	var nested error
	err := decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case modelProducerName:
			return consumeString(typ, b, &m.producerName)
		case modelGraph:
			return decodeNested(typ, b, &nested, m.graph.field(&nested))
		}
		return 0
	})
	if err == nil {
		err = nested
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *onnxGraph) field(errp *error) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case graphName:
			return consumeString(typ, b, &g.name)
		case graphNode:
			var node onnxNode
			n := decodeNested(typ, b, errp, node.field(errp))
			g.nodes = append(g.nodes, node)
			return n
		case graphInitializer:
			var t onnxTensor
			n := decodeNested(typ, b, errp, t.field())
			g.initializers = append(g.initializers, t)
			return n
		case graphInput, graphOutput:
			var vi onnxValueInfo
			n := decodeNested(typ, b, errp, vi.field(errp))
			if num == graphInput {
				g.inputs = append(g.inputs, vi)
			} else {
				g.outputs = append(g.outputs, vi)
			}
			return n
		}
		return 0
	}
}

func (nd *onnxNode) field(errp *error) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case nodeInput, nodeOutput:
			var s string
			n := consumeString(typ, b, &s)
			if n > 0 {
				if num == nodeInput {
					nd.inputs = append(nd.inputs, s)
				} else {
					nd.outputs = append(nd.outputs, s)
				}
			}
			return n
		case nodeName:
			return consumeString(typ, b, &nd.name)
		case nodeOpType:
			return consumeString(typ, b, &nd.opType)
		case nodeAttribute:
			var a onnxAttribute
			n := decodeNested(typ, b, errp, a.field())
			nd.attributes = append(nd.attributes, a)
			return n
		}
		return 0
	}
}

func (a *onnxAttribute) field() fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case attrName:
			return consumeString(typ, b, &a.name)
		case attrF:
			var fs []float64
			n := consumeFloats(typ, b, &fs)
			if len(fs) == 1 {
				a.f = fs[0]
			}
			return n
		case attrI:
			return consumeInt(typ, b, &a.i)
		case attrS:
			return consumeString(typ, b, &a.s)
		case attrFloats:
			return consumePackedFloats(typ, b, &a.floats, 4)
		case attrInts:
			return consumeInts(typ, b, &a.ints)
		}
		return 0
	}
}

func (t *onnxTensor) field() fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case tensorName:
			return consumeString(typ, b, &t.name)
		case tensorDims:
			return consumeInts(typ, b, &t.dims)
		case tensorDataType:
			return consumeInt(typ, b, &t.dataType)
		case tensorFloatData:
			return consumePackedFloats(typ, b, &t.data, 4)
		case tensorDoubleData:
			return consumePackedFloats(typ, b, &t.data, 8)
		case tensorInt32Data, tensorInt64Data:
			var ints []int64
			n := consumeInts(typ, b, &ints)
			for _, v := range ints {
				if num == tensorInt32Data {
					v = int64(int32(v))
				}
				t.data = append(t.data, float64(v))
			}
			return n
		case tensorRawData:
			if typ != protowire.BytesType {
				return 0
			}
			raw, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				t.raw = append([]byte(nil), raw...)
			}
			return n
		}
		return 0
	}
}

// values returns the tensor data, decoding raw_data by element type.
func (t *onnxTensor) values() ([]float64, error) {
	if t.raw == nil {
		return t.data, nil
	}

	var width int
	switch t.dataType {
	case dataTypeFloat, dataTypeInt32:
		width = 4
	case dataTypeDouble, dataTypeInt64:
		width = 8
	default:
		return nil, fmt.Errorf("tensor %s: unsupported raw data type %d", t.name, t.dataType)
	}
	if len(t.raw)%width != 0 {
		return nil, fmt.Errorf("tensor %s: raw data length %d is not a multiple of %d", t.name, len(t.raw), width)
	}

	out := make([]float64, 0, len(t.raw)/width)
	for buf := t.raw; len(buf) > 0; buf = buf[width:] {
		switch t.dataType {
		case dataTypeFloat:
			out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))))
		case dataTypeInt32:
			out = append(out, float64(int32(binary.LittleEndian.Uint32(buf))))
		case dataTypeDouble:
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		case dataTypeInt64:
			out = append(out, float64(int64(binary.LittleEndian.Uint64(buf))))
		}
	}
	return out, nil
}

func (vi *onnxValueInfo) field(errp *error) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case valueInfoName:
			return consumeString(typ, b, &vi.name)
		case valueInfoType:
			// TypeProto -> tensor_type -> shape -> dim -> dim_value
			return decodeNested(typ, b, errp, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num != typeTensorType {
					return 0
				}
				return decodeNested(typ, b, errp, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num != tensorShape {
						return 0
					}
					return decodeNested(typ, b, errp, func(num protowire.Number, typ protowire.Type, b []byte) int {
						if num != shapeDim {
							return 0
						}
						var dim int64
						n := decodeNested(typ, b, errp, func(num protowire.Number, typ protowire.Type, b []byte) int {
							if num != dimValue {
								return 0
							}
							return consumeInt(typ, b, &dim)
						})
						vi.dims = append(vi.dims, dim)
						return n
					})
				})
			})
		}
		return 0
	}
}

// Encoding helpers for the exporter.

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int64) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(float32(v)))
	}
	return appendMessage(b, num, packed)
}
