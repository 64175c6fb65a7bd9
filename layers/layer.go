package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-vid2bp/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	Dense
	AvgPool2D
	Tanh
	Sigmoid
	Flatten
	AttentionNorm
	Gate
	SplitChannels
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case Dense:
		return "Dense"
	case AvgPool2D:
		return "AvgPool2D"
	case Tanh:
		return "Tanh"
	case Sigmoid:
		return "Sigmoid"
	case Flatten:
		return "Flatten"
	case AttentionNorm:
		return "AttentionNorm"
	case Gate:
		return "Gate"
	case SplitChannels:
		return "SplitChannels"
	default:
		return "Unknown"
	}
}

// LayerSpec defines one node of a model graph.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Inputs     []string               `json:"inputs"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ParamSpec is one entry of a model's weight schema. Name is the stable identifier
// used by checkpoints; it never depends on construction order.
type ParamSpec struct {
	Name  string `json:"name"`
	Layer string `json:"layer"`
	Kind  string `json:"kind"` // "kernel" or "bias"
	Shape []int  `json:"shape"`
}

// ModelSpec defines a complete model graph as layer configuration
type ModelSpec struct {
	Name          string      `json:"name"`
	SchemaVersion int         `json:"schema_version"`
	Layers        []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64    `json:"total_parameters"`
	InputShape      []int    `json:"input_shape"`
	OutputShape     []int    `json:"output_shape"`
	Outputs         []string `json:"outputs"`
	Compiled        bool     `json:"compiled"`
}

// Input is the reserved node name for the model input.
const Input = "input"

// ModelBuilder helps construct model graphs. Every layer names its inputs, so
// branching architectures can be described.
type ModelBuilder struct {
	name          string
	schemaVersion int
	layers        []LayerSpec
	inputShape    []int
	err           error
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch axis.
func NewModelBuilder(name string, schemaVersion int, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:          name,
		schemaVersion: schemaVersion,
		layers:        make([]LayerSpec, 0),
		inputShape:    append([]int(nil), inputShape...),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a same-stride Conv2D layer with symmetric zero padding.
func (mb *ModelBuilder) AddConv2D(name, input string, outputChannels, kernelSize, padding int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Conv2D,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          1,
			"padding":         padding,
			"use_bias":        true,
		},
	})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(name, input string, outputSize int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Dense,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    true,
		},
	})
}

// AddAvgPool2D adds a square average pooling layer.
func (mb *ModelBuilder) AddAvgPool2D(name, input string, poolSize int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   AvgPool2D,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    poolSize,
		},
	})
}

// AddActivation adds an element-wise Tanh or Sigmoid layer.
func (mb *ModelBuilder) AddActivation(lt LayerType, name, input string) *ModelBuilder {
	if lt != Tanh && lt != Sigmoid {
		mb.err = fmt.Errorf("layer %s: %s is not an activation", name, lt)
		return mb
	}
	return mb.AddLayer(LayerSpec{Type: lt, Name: name, Inputs: []string{input}})
}

// AddFlatten adds a layer collapsing all non-batch axes.
func (mb *ModelBuilder) AddFlatten(name, input string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Inputs: []string{input}})
}

// AddAttentionNorm adds a per-sample mass normalization of an attention map.
func (mb *ModelBuilder) AddAttentionNorm(name, input string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       AttentionNorm,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"mass": DefaultAttentionMass},
	})
}

// AddGate multiplies features by a single-channel attention map broadcast over channels.
func (mb *ModelBuilder) AddGate(name, features, attention string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Gate, Name: name, Inputs: []string{features, attention}})
}

// AddSplit splits its input into two channel halves named "<name>:0" and "<name>:1".
func (mb *ModelBuilder) AddSplit(name, input string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: SplitChannels, Name: name, Inputs: []string{input}})
}

// Compile resolves every layer's shapes and parameter shapes. outputs names the
// nodes exposed by the model.
func (mb *ModelBuilder) Compile(outputs ...string) (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Name:          mb.name,
		SchemaVersion: mb.schemaVersion,
		Layers:        make([]LayerSpec, len(mb.layers)),
		InputShape:    mb.inputShape,
		Outputs:       outputs,
	}
	copy(model.Layers, mb.layers)

	shapes := map[string][]int{Input: mb.inputShape}
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if _, dup := shapes[layer.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}

		inShapes := make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			s, ok := shapes[in]
			if !ok {
				return nil, fmt.Errorf("layer %s: unknown input %q", layer.Name, in)
			}
			inShapes[j] = s
		}
		if len(inShapes) == 0 {
			return nil, fmt.Errorf("layer %s has no inputs", layer.Name)
		}
		layer.InputShape = append([]int(nil), inShapes[0]...)

		outShape, paramShapes, err := computeLayerInfo(layer, inShapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}
		layer.OutputShape = outShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = 0
		for _, ps := range paramShapes {
			layer.ParameterCount += int64(numElements(ps))
		}
		totalParams += layer.ParameterCount

		if layer.Type == SplitChannels {
			shapes[layer.Name+":0"] = outShape
			shapes[layer.Name+":1"] = outShape
		}
		shapes[layer.Name] = outShape
	}

	if len(outputs) == 0 {
		outputs = []string{model.Layers[len(model.Layers)-1].Name}
		model.Outputs = outputs
	}
	out, ok := shapes[outputs[0]]
	if !ok {
		return nil, fmt.Errorf("unknown output %q", outputs[0])
	}
	model.OutputShape = out
	model.TotalParameters = totalParams
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, in [][]int) ([]int, [][]int, error) {
	x := in[0]
	switch layer.Type {
	case Conv2D:
		if len(x) != 3 {
			return nil, nil, fmt.Errorf("conv2d expects HWC input, got %v", x)
		}
		outC := getIntParam(layer.Parameters, "output_channels", 0)
		k := getIntParam(layer.Parameters, "kernel_size", 0)
		stride := getIntParam(layer.Parameters, "stride", 1)
		pad := getIntParam(layer.Parameters, "padding", 0)
		if outC <= 0 || k <= 0 || stride <= 0 {
			return nil, nil, fmt.Errorf("invalid conv2d parameters")
		}
		h := (x[0]+2*pad-k)/stride + 1
		w := (x[1]+2*pad-k)/stride + 1
		if h <= 0 || w <= 0 {
			return nil, nil, fmt.Errorf("kernel %d does not fit input %v", k, x)
		}
		layer.Parameters["input_channels"] = x[2]
		return []int{h, w, outC}, [][]int{{k, k, x[2], outC}, {outC}}, nil

	case Dense:
		if len(x) != 1 {
			return nil, nil, fmt.Errorf("dense expects flat input, got %v", x)
		}
		outSize := getIntParam(layer.Parameters, "output_size", 0)
		if outSize <= 0 {
			return nil, nil, fmt.Errorf("invalid dense output size")
		}
		layer.Parameters["input_size"] = x[0]
		return []int{outSize}, [][]int{{x[0], outSize}, {outSize}}, nil

	case AvgPool2D:
		if len(x) != 3 {
			return nil, nil, fmt.Errorf("pooling expects HWC input, got %v", x)
		}
		p := getIntParam(layer.Parameters, "pool_size", 2)
		if x[0]%p != 0 || x[1]%p != 0 {
			return nil, nil, fmt.Errorf("pool size %d does not divide %v", p, x)
		}
		return []int{x[0] / p, x[1] / p, x[2]}, nil, nil

	case Tanh, Sigmoid, AttentionNorm:
		return append([]int(nil), x...), nil, nil

	case Flatten:
		return []int{numElements(x)}, nil, nil

	case Gate:
		if len(in) != 2 {
			return nil, nil, fmt.Errorf("gate expects features and attention inputs")
		}
		m := in[1]
		if len(x) != 3 || len(m) != 3 || x[0] != m[0] || x[1] != m[1] || m[2] != 1 {
			return nil, nil, fmt.Errorf("attention map %v cannot gate features %v", m, x)
		}
		return append([]int(nil), x...), nil, nil

	case SplitChannels:
		if len(x) != 3 || x[2]%2 != 0 {
			return nil, nil, fmt.Errorf("cannot split channels of %v", x)
		}
		return []int{x[0], x[1], x[2] / 2}, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// Params enumerates the weight schema in graph order: kernel then bias per layer.
func (ms *ModelSpec) Params() []ParamSpec {
	var params []ParamSpec
	for _, layer := range ms.Layers {
		if len(layer.ParameterShapes) != 2 {
			continue
		}
		params = append(params,
			ParamSpec{Name: layer.Name + "/kernel", Layer: layer.Name, Kind: "kernel", Shape: layer.ParameterShapes[0]},
			ParamSpec{Name: layer.Name + "/bias", Layer: layer.Name, Kind: "bias", Shape: layer.ParameterShapes[1]},
		)
	}
	return params
}

// Layer returns the spec of the named layer.
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Summary renders a table of layers, output shapes and parameter counts.
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s (schema v%d)\n", ms.Name, ms.SchemaVersion)
	fmt.Fprintf(&sb, "%-28s %-14s %-16s %10s\n", "Layer", "Type", "Output", "Params")
	for _, l := range ms.Layers {
		fmt.Fprintf(&sb, "%-28s %-14s %-16v %10d\n", l.Name, l.Type, l.OutputShape, l.ParameterCount)
	}
	fmt.Fprintf(&sb, "Total parameters: %d\n", ms.TotalParameters)
	return sb.String()
}

// NewParameters allocates zeroed tensors for every schema entry.
func (ms *ModelSpec) NewParameters() (map[string]*Parameter, error) {
	out := make(map[string]*Parameter)
	for _, ps := range ms.Params() {
		p, err := NewParameter(ps.Name, ps.Shape)
		if err != nil {
			return nil, err
		}
		out[ps.Name] = p
	}
	return out, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultValue
}

// AttentionMass reads the mass of an attention normalization layer.
func AttentionMass(ls LayerSpec) float64 {
	return getFloatParam(ls.Parameters, "mass", DefaultAttentionMass)
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// NewParameter allocates a zero-valued parameter and gradient of the given shape.
func NewParameter(name string, shape []int) (*Parameter, error) {
	v, err := tensor.Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %v", name, err)
	}
	g, _ := tensor.Zeros(shape)
	return &Parameter{Name: name, Value: v, Grad: g}, nil
}

// ZeroGrad clears the accumulated gradient of every parameter.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Grad.Zero()
	}
}
