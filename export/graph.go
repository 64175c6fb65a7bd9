package export

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/tensor"
)

// ErrMalformedGraph is returned when a graph file cannot be decoded.
var ErrMalformedGraph = errors.New("malformed graph")

// TensorSpec fixes the name, dtype and shape of one signature input or output.
// A -1 dimension accepts any size.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Shape []int
}

// SignatureDef is a named entry point of an artifact.
type SignatureDef struct {
	Name    string
	Inputs  []TensorSpec
	Outputs []TensorSpec
}

// Input returns the named input spec.
func (s SignatureDef) Input(name string) (TensorSpec, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return TensorSpec{}, false
}

// Node is one operation of the exported graph.
type Node struct {
	Name   string
	Op     layers.LayerType
	Inputs []string
	Attrs  map[string]interface{} // int64, float64 or bool
}

// QuantizedTensor is a weight stored in a converted artifact. Int8 values are
// reconstructed as q*Scale; Float16 and Float32 values are stored little-endian.
type QuantizedTensor struct {
	Name  string
	Layer string
	Kind  string
	Shape []int
	DType tensor.DType
	Scale float32
	Data  []byte
}

// Graph is the decoded content of graph.pb or of a quantized blob.
type Graph struct {
	ArtifactID    string
	Producer      string
	SchemaVersion int
	ModelName     string
	InputShape    []int
	Outputs       []string
	Nodes         []Node
	Signatures    []SignatureDef
	Quantization  Quantization
	Weights       []QuantizedTensor
}

// Signature returns the named signature definition.
func (g *Graph) Signature(name string) (SignatureDef, bool) {
	for _, s := range g.Signatures {
		if s.Name == name {
			return s, true
		}
	}
	return SignatureDef{}, false
}

// graphFromSpec lists the nodes of a compiled model.
func graphFromSpec(spec *layers.ModelSpec) *Graph {
	g := &Graph{
		SchemaVersion: spec.SchemaVersion,
		ModelName:     spec.Name,
		InputShape:    append([]int(nil), spec.InputShape...),
		Outputs:       append([]string(nil), spec.Outputs...),
	}
	for _, ls := range spec.Layers {
		n := Node{Name: ls.Name, Op: ls.Type, Inputs: append([]string(nil), ls.Inputs...), Attrs: map[string]interface{}{}}
		for k, v := range ls.Parameters {
			switch v := v.(type) {
			case int:
				n.Attrs[k] = int64(v)
			case int64, float64, bool:
				n.Attrs[k] = v
			case float32:
				n.Attrs[k] = float64(v)
			}
		}
		g.Nodes = append(g.Nodes, n)
	}
	return g
}

// ModelSpec rebuilds and compiles the model described by the node list.
func (g *Graph) ModelSpec() (*layers.ModelSpec, error) {
	mb := layers.NewModelBuilder(g.ModelName, g.SchemaVersion, g.InputShape)
	for _, n := range g.Nodes {
		params := make(map[string]interface{}, len(n.Attrs))
		for k, v := range n.Attrs {
			params[k] = v
		}
		mb.AddLayer(layers.LayerSpec{Type: n.Op, Name: n.Name, Inputs: append([]string(nil), n.Inputs...), Parameters: params})
	}
	spec, err := mb.Compile(g.Outputs...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile exported graph: %w", err)
	}
	return spec, nil
}

// Field numbers of the wire messages.
const (
	graphArtifactID    protowire.Number = 1
	graphProducer      protowire.Number = 2
	graphSchemaVersion protowire.Number = 3
	graphModelName     protowire.Number = 4
	graphInputShape    protowire.Number = 5
	graphOutputs       protowire.Number = 6
	graphNodes         protowire.Number = 7
	graphSignatures    protowire.Number = 8
	graphQuantization  protowire.Number = 9
	graphWeights       protowire.Number = 10

	nodeName   protowire.Number = 1
	nodeOp     protowire.Number = 2
	nodeInputs protowire.Number = 3
	nodeAttrs  protowire.Number = 4

	attrKey   protowire.Number = 1
	attrInt   protowire.Number = 2
	attrFloat protowire.Number = 3
	attrBool  protowire.Number = 4

	sigName    protowire.Number = 1
	sigInputs  protowire.Number = 2
	sigOutputs protowire.Number = 3

	specName  protowire.Number = 1
	specDType protowire.Number = 2
	specShape protowire.Number = 3

	weightName  protowire.Number = 1
	weightLayer protowire.Number = 2
	weightKind  protowire.Number = 3
	weightShape protowire.Number = 4
	weightDType protowire.Number = 5
	weightScale protowire.Number = 6
	weightData  protowire.Number = 7
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendShape writes a packed zigzag-encoded shape so -1 stays compact.
func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	return appendMessage(b, num, packed)
}

// Marshal encodes the graph in protobuf wire format.
func (g *Graph) Marshal() []byte {
	var b []byte
	b = appendString(b, graphArtifactID, g.ArtifactID)
	b = appendString(b, graphProducer, g.Producer)
	b = appendVarint(b, graphSchemaVersion, uint64(g.SchemaVersion))
	b = appendString(b, graphModelName, g.ModelName)
	b = appendShape(b, graphInputShape, g.InputShape)
	for _, o := range g.Outputs {
		b = appendString(b, graphOutputs, o)
	}
	for _, n := range g.Nodes {
		b = appendMessage(b, graphNodes, marshalNode(n))
	}
	for _, s := range g.Signatures {
		b = appendMessage(b, graphSignatures, marshalSignature(s))
	}
	b = appendVarint(b, graphQuantization, uint64(g.Quantization))
	for _, w := range g.Weights {
		b = appendMessage(b, graphWeights, marshalWeight(w))
	}
	return b
}

func marshalNode(n Node) []byte {
	var b []byte
	b = appendString(b, nodeName, n.Name)
	b = appendVarint(b, nodeOp, uint64(n.Op))
	for _, in := range n.Inputs {
		b = appendString(b, nodeInputs, in)
	}
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var attr []byte
		attr = appendString(attr, attrKey, k)
		switch v := n.Attrs[k].(type) {
		case int64:
			attr = appendVarint(attr, attrInt, protowire.EncodeZigZag(v))
		case float64:
			attr = protowire.AppendTag(attr, attrFloat, protowire.Fixed64Type)
			attr = protowire.AppendFixed64(attr, math.Float64bits(v))
		case bool:
			attr = appendVarint(attr, attrBool, protowire.EncodeBool(v))
		default:
			continue
		}
		b = appendMessage(b, nodeAttrs, attr)
	}
	return b
}

func marshalSignature(s SignatureDef) []byte {
	var b []byte
	b = appendString(b, sigName, s.Name)
	for _, in := range s.Inputs {
		b = appendMessage(b, sigInputs, marshalSpec(in))
	}
	for _, out := range s.Outputs {
		b = appendMessage(b, sigOutputs, marshalSpec(out))
	}
	return b
}

func marshalSpec(ts TensorSpec) []byte {
	var b []byte
	b = appendString(b, specName, ts.Name)
	b = appendVarint(b, specDType, uint64(ts.DType))
	return appendShape(b, specShape, ts.Shape)
}

func marshalWeight(w QuantizedTensor) []byte {
	var b []byte
	b = appendString(b, weightName, w.Name)
	b = appendString(b, weightLayer, w.Layer)
	b = appendString(b, weightKind, w.Kind)
	b = appendShape(b, weightShape, w.Shape)
	b = appendVarint(b, weightDType, uint64(w.DType))
	b = protowire.AppendTag(b, weightScale, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(w.Scale))
	return appendMessage(b, weightData, w.Data)
}

// field is one decoded top-level field of a message.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	v     uint64
}

// fields splits a message into its fields. Unknown wire types are rejected.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGraph, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedGraph, num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func decodeShape(b []byte) ([]int, error) {
	shape := []int{}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad shape: %v", ErrMalformedGraph, protowire.ParseError(n))
		}
		shape = append(shape, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return shape, nil
}

// UnmarshalGraph decodes a graph written by Marshal.
func UnmarshalGraph(b []byte) (*Graph, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	g := &Graph{}
	for _, f := range fs {
		switch f.num {
		case graphArtifactID:
			g.ArtifactID = string(f.bytes)
		case graphProducer:
			g.Producer = string(f.bytes)
		case graphSchemaVersion:
			g.SchemaVersion = int(f.v)
		case graphModelName:
			g.ModelName = string(f.bytes)
		case graphInputShape:
			if g.InputShape, err = decodeShape(f.bytes); err != nil {
				return nil, err
			}
		case graphOutputs:
			g.Outputs = append(g.Outputs, string(f.bytes))
		case graphNodes:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return nil, err
			}
			g.Nodes = append(g.Nodes, n)
		case graphSignatures:
			s, err := unmarshalSignature(f.bytes)
			if err != nil {
				return nil, err
			}
			g.Signatures = append(g.Signatures, s)
		case graphQuantization:
			g.Quantization = Quantization(f.v)
		case graphWeights:
			w, err := unmarshalWeight(f.bytes)
			if err != nil {
				return nil, err
			}
			g.Weights = append(g.Weights, w)
		}
	}
	if g.ModelName == "" || len(g.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no model nodes", ErrMalformedGraph)
	}
	return g, nil
}

func unmarshalNode(b []byte) (Node, error) {
	fs, err := fields(b)
	if err != nil {
		return Node{}, err
	}
	n := Node{Attrs: map[string]interface{}{}}
	for _, f := range fs {
		switch f.num {
		case nodeName:
			n.Name = string(f.bytes)
		case nodeOp:
			n.Op = layers.LayerType(f.v)
		case nodeInputs:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case nodeAttrs:
			afs, err := fields(f.bytes)
			if err != nil {
				return Node{}, err
			}
			var key string
			var val interface{}
			for _, af := range afs {
				switch af.num {
				case attrKey:
					key = string(af.bytes)
				case attrInt:
					val = protowire.DecodeZigZag(af.v)
				case attrFloat:
					val = math.Float64frombits(af.v)
				case attrBool:
					val = protowire.DecodeBool(af.v)
				}
			}
			if key == "" || val == nil {
				return Node{}, fmt.Errorf("%w: node %s has an incomplete attribute", ErrMalformedGraph, n.Name)
			}
			n.Attrs[key] = val
		}
	}
	return n, nil
}

func unmarshalSignature(b []byte) (SignatureDef, error) {
	fs, err := fields(b)
	if err != nil {
		return SignatureDef{}, err
	}
	var s SignatureDef
	for _, f := range fs {
		switch f.num {
		case sigName:
			s.Name = string(f.bytes)
		case sigInputs, sigOutputs:
			ts, err := unmarshalSpec(f.bytes)
			if err != nil {
				return SignatureDef{}, err
			}
			if f.num == sigInputs {
				s.Inputs = append(s.Inputs, ts)
			} else {
				s.Outputs = append(s.Outputs, ts)
			}
		}
	}
	return s, nil
}

func unmarshalSpec(b []byte) (TensorSpec, error) {
	fs, err := fields(b)
	if err != nil {
		return TensorSpec{}, err
	}
	ts := TensorSpec{Shape: []int{}}
	for _, f := range fs {
		switch f.num {
		case specName:
			ts.Name = string(f.bytes)
		case specDType:
			ts.DType = tensor.DType(f.v)
		case specShape:
			if ts.Shape, err = decodeShape(f.bytes); err != nil {
				return TensorSpec{}, err
			}
		}
	}
	return ts, nil
}

func unmarshalWeight(b []byte) (QuantizedTensor, error) {
	fs, err := fields(b)
	if err != nil {
		return QuantizedTensor{}, err
	}
	var w QuantizedTensor
	for _, f := range fs {
		switch f.num {
		case weightName:
			w.Name = string(f.bytes)
		case weightLayer:
			w.Layer = string(f.bytes)
		case weightKind:
			w.Kind = string(f.bytes)
		case weightShape:
			if w.Shape, err = decodeShape(f.bytes); err != nil {
				return QuantizedTensor{}, err
			}
		case weightDType:
			w.DType = tensor.DType(f.v)
		case weightScale:
			w.Scale = math.Float32frombits(uint32(f.v))
		case weightData:
			w.Data = append([]byte(nil), f.bytes...)
		}
	}
	return w, nil
}
