package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vid2bp/tensor"
)

// ActivationLayer applies tanh or sigmoid element-wise. It keeps its output for the
// backward pass since both derivatives are expressed in terms of it.
type ActivationLayer struct {
	name string
	Kind LayerType

	output *tensor.Tensor
}

func NewActivationLayer(name string, kind LayerType) (*ActivationLayer, error) {
	if kind != Tanh && kind != Sigmoid {
		return nil, fmt.Errorf("%s: unsupported activation %s", name, kind)
	}
	return &ActivationLayer{name: name, Kind: kind}, nil
}

func (a *ActivationLayer) Name() string { return a.name }

func (a *ActivationLayer) Parameters() []*Parameter { return nil }

func (a *ActivationLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	switch a.Kind {
	case Tanh:
		for i, v := range x.Data {
			out.Data[i] = float32(math.Tanh(float64(v)))
		}
	case Sigmoid:
		for i, v := range x.Data {
			out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	}
	a.output = out
	return out, nil
}

func (a *ActivationLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.output == nil {
		return nil, fmt.Errorf("%s: backward called before forward", a.name)
	}
	if !tensor.ShapesEqual(gradOut.Shape, a.output.Shape) {
		return nil, fmt.Errorf("%s: gradient %v, output %v: %w", a.name, gradOut.Shape, a.output.Shape, tensor.ErrShapeMismatch)
	}
	gradIn, _ := tensor.Zeros(gradOut.Shape)
	y := a.output.Data
	switch a.Kind {
	case Tanh:
		for i, g := range gradOut.Data {
			gradIn.Data[i] = g * (1 - y[i]*y[i])
		}
	case Sigmoid:
		for i, g := range gradOut.Data {
			gradIn.Data[i] = g * y[i] * (1 - y[i])
		}
	}
	return gradIn, nil
}
