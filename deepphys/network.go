package deepphys

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/tensor"
)

type unaryLayer interface {
	Name() string
	Parameters() []*layers.Parameter
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
}

type initializer interface {
	InitGlorot(rng *rand.Rand)
}

// Network executes a compiled ModelSpec on the CPU. Nodes run in declaration order and
// the backward pass walks them in reverse, summing gradients of shared inputs.
//
// A Network is not safe for concurrent use; callers serialize access.
type Network struct {
	spec   *layers.ModelSpec
	unary  map[string]unaryLayer
	gates  map[string]*layers.GateLayer
	params []*layers.Parameter
	byName map[string]*layers.Parameter

	// name of the node the last forward pass stopped at
	reached string
}

// New builds the DeepPhys network with Glorot-uniform kernels drawn from seed.
func New(seed int64) (*Network, error) {
	spec, err := Schema()
	if err != nil {
		return nil, err
	}
	return Build(spec, seed)
}

// NewTransferHead builds the bottleneck regression head.
func NewTransferHead(seed int64) (*Network, error) {
	spec, err := HeadSchema()
	if err != nil {
		return nil, err
	}
	return Build(spec, seed)
}

// Build instantiates layers for every node of a compiled spec.
func Build(spec *layers.ModelSpec, seed int64) (*Network, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model %s is not compiled", spec.Name)
	}
	n := &Network{
		spec:   spec,
		unary:  make(map[string]unaryLayer),
		gates:  make(map[string]*layers.GateLayer),
		byName: make(map[string]*layers.Parameter),
	}
	rng := rand.New(rand.NewSource(seed))
	data := map[string]bool{layers.Input: true}

	for _, ls := range spec.Layers {
		var l unaryLayer
		switch ls.Type {
		case layers.Conv2D:
			inC := ls.InputShape[len(ls.InputShape)-1]
			conv, err := layers.NewConv2DLayer(ls.Name, inC,
				intParam(ls, "output_channels"), intParam(ls, "kernel_size"), intParam(ls, "padding"))
			if err != nil {
				return nil, err
			}
			conv.SkipInputGrad = data[ls.Inputs[0]]
			l = conv
		case layers.Dense:
			dense, err := layers.NewDenseLayer(ls.Name, ls.InputShape[0], intParam(ls, "output_size"))
			if err != nil {
				return nil, err
			}
			l = dense
		case layers.AvgPool2D:
			l = layers.NewAvgPool2DLayer(ls.Name, intParam(ls, "pool_size"))
		case layers.Tanh, layers.Sigmoid:
			act, err := layers.NewActivationLayer(ls.Name, ls.Type)
			if err != nil {
				return nil, err
			}
			l = act
		case layers.Flatten:
			l = layers.NewFlattenLayer(ls.Name)
		case layers.AttentionNorm:
			l = layers.NewAttentionNormLayer(ls.Name, layers.AttentionMass(ls))
		case layers.Gate:
			n.gates[ls.Name] = layers.NewGateLayer(ls.Name)
			continue
		case layers.SplitChannels:
			if data[ls.Inputs[0]] {
				data[ls.Name+":0"] = true
				data[ls.Name+":1"] = true
			}
			continue
		default:
			return nil, fmt.Errorf("layer %s: unsupported type %s", ls.Name, ls.Type)
		}
		if init, ok := l.(initializer); ok {
			init.InitGlorot(rng)
		}
		n.unary[ls.Name] = l
		for _, p := range l.Parameters() {
			n.params = append(n.params, p)
			n.byName[p.Name] = p
		}
	}

	for _, ps := range spec.Params() {
		p, ok := n.byName[ps.Name]
		if !ok || !tensor.ShapesEqual(p.Value.Shape, ps.Shape) {
			return nil, fmt.Errorf("parameter %s does not match schema shape %v", ps.Name, ps.Shape)
		}
	}
	return n, nil
}

// Spec returns the compiled graph description.
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// Params returns the trainable parameters in schema order.
func (n *Network) Params() []*layers.Parameter { return n.params }

// Param looks up a parameter by schema name.
func (n *Network) Param(name string) (*layers.Parameter, bool) {
	p, ok := n.byName[name]
	return p, ok
}

// ZeroGrad clears every accumulated gradient.
func (n *Network) ZeroGrad() { layers.ZeroGrad(n.params) }

// Forward computes the model output, shape [batch, 1].
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return n.run(x, n.spec.Outputs[0])
}

// Bottleneck runs the base graph up to the flattened motion features.
func (n *Network) Bottleneck(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, ok := n.spec.Layer(BottleneckNode); !ok {
		return nil, fmt.Errorf("model %s has no %s node", n.spec.Name, BottleneckNode)
	}
	return n.run(x, BottleneckNode)
}

func (n *Network) run(x *tensor.Tensor, until string) (*tensor.Tensor, error) {
	want := append([]int{-1}, n.spec.InputShape...)
	if err := tensor.CheckShape(x, want); err != nil {
		return nil, fmt.Errorf("%s input: %w", n.spec.Name, err)
	}
	n.reached = ""

	vals := map[string]*tensor.Tensor{layers.Input: x}
	for _, ls := range n.spec.Layers {
		var out *tensor.Tensor
		var err error
		switch ls.Type {
		case layers.SplitChannels:
			first, second, err := tensor.SplitChannels(vals[ls.Inputs[0]])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ls.Name, err)
			}
			vals[ls.Name+":0"] = first
			vals[ls.Name+":1"] = second
			continue
		case layers.Gate:
			out, err = n.gates[ls.Name].Forward(vals[ls.Inputs[0]], vals[ls.Inputs[1]])
		default:
			out, err = n.unary[ls.Name].Forward(vals[ls.Inputs[0]])
		}
		if err != nil {
			return nil, err
		}
		vals[ls.Name] = out
		if ls.Name == until {
			n.reached = until
			return out, nil
		}
	}
	return nil, fmt.Errorf("node %q not found in %s", until, n.spec.Name)
}

// Backward propagates dOut from the model output through the graph cached by the last
// Forward call, accumulating parameter gradients. It returns the gradient with respect
// to the input when the first layers compute one.
func (n *Network) Backward(dOut *tensor.Tensor) (*tensor.Tensor, error) {
	out := n.spec.Outputs[0]
	if n.reached != out {
		return nil, fmt.Errorf("%s: backward requires a full forward pass", n.spec.Name)
	}
	grads := map[string]*tensor.Tensor{out: dOut}

	for i := len(n.spec.Layers) - 1; i >= 0; i-- {
		ls := n.spec.Layers[i]
		switch ls.Type {
		case layers.SplitChannels:
			g0, g1 := grads[ls.Name+":0"], grads[ls.Name+":1"]
			if g0 == nil || g1 == nil {
				continue
			}
			g, err := tensor.ConcatChannels(g0, g1)
			if err != nil {
				return nil, err
			}
			if err := accumulate(grads, ls.Inputs[0], g); err != nil {
				return nil, err
			}
			continue
		}

		g := grads[ls.Name]
		if g == nil {
			continue
		}
		if ls.Type == layers.Gate {
			dx, dm, err := n.gates[ls.Name].Backward(g)
			if err != nil {
				return nil, err
			}
			if err := accumulate(grads, ls.Inputs[0], dx); err != nil {
				return nil, err
			}
			if err := accumulate(grads, ls.Inputs[1], dm); err != nil {
				return nil, err
			}
			continue
		}
		dx, err := n.unary[ls.Name].Backward(g)
		if err != nil {
			return nil, err
		}
		if dx != nil {
			if err := accumulate(grads, ls.Inputs[0], dx); err != nil {
				return nil, err
			}
		}
	}
	return grads[layers.Input], nil
}

func accumulate(grads map[string]*tensor.Tensor, name string, g *tensor.Tensor) error {
	prev, ok := grads[name]
	if !ok {
		grads[name] = g
		return nil
	}
	if !tensor.ShapesEqual(prev.Shape, g.Shape) {
		return fmt.Errorf("gradient for %s: %v vs %v: %w", name, prev.Shape, g.Shape, tensor.ErrShapeMismatch)
	}
	for i, v := range g.Data {
		prev.Data[i] += v
	}
	return nil
}

func intParam(ls layers.LayerSpec, key string) int {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
