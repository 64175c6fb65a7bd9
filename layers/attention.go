package layers

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-vid2bp/tensor"
)

// ErrDegenerateAttention is returned when an attention map has zero or non-finite mass.
var ErrDegenerateAttention = errors.New("degenerate attention map")

// DefaultAttentionMass is the total absolute mass of a normalized attention map.
const DefaultAttentionMass = 0.5

// AttentionNormLayer rescales each sample's attention map so its absolute values
// sum to mass: M * mass / sum|M|.
type AttentionNormLayer struct {
	name string
	mass float64

	input *tensor.Tensor
	sums  []float64
}

// NewAttentionNormLayer creates the layer. A mass of zero or less selects
// DefaultAttentionMass.
func NewAttentionNormLayer(name string, mass float64) *AttentionNormLayer {
	if mass <= 0 || math.IsNaN(mass) || math.IsInf(mass, 0) {
		mass = DefaultAttentionMass
	}
	return &AttentionNormLayer{name: name, mass: mass}
}

// Mass reports the normalized mass per sample.
func (a *AttentionNormLayer) Mass() float64 { return a.mass }

func (a *AttentionNormLayer) Name() string { return a.name }

func (a *AttentionNormLayer) Parameters() []*Parameter { return nil }

func (a *AttentionNormLayer) Forward(m *tensor.Tensor) (*tensor.Tensor, error) {
	if len(m.Shape) == 0 || m.Shape[0] == 0 {
		return nil, fmt.Errorf("%s: input %v: %w", a.name, m.Shape, tensor.ErrShapeMismatch)
	}
	n := m.Shape[0]
	per := m.NumElems / n
	out, err := tensor.Zeros(m.Shape)
	if err != nil {
		return nil, err
	}
	sums := make([]float64, n)
	for b := 0; b < n; b++ {
		src := m.Data[b*per : (b+1)*per]
		var s float64
		for _, v := range src {
			s += math.Abs(float64(v))
		}
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%s: sample %d has mass %v: %w", a.name, b, s, ErrDegenerateAttention)
		}
		sums[b] = s
		scale := a.mass / s
		dst := out.Data[b*per : (b+1)*per]
		for i, v := range src {
			dst[i] = float32(float64(v) * scale)
		}
	}
	a.input = m
	a.sums = sums
	return out, nil
}

// Backward applies d/dm_j of k*m_j/S with S = sum|m| and k the mass:
// k*g_j/S - k*sign(m_j) * sum_i(g_i m_i) / S^2.
func (a *AttentionNormLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", a.name)
	}
	if !tensor.ShapesEqual(gradOut.Shape, a.input.Shape) {
		return nil, fmt.Errorf("%s: gradient %v, input %v: %w", a.name, gradOut.Shape, a.input.Shape, tensor.ErrShapeMismatch)
	}
	n := a.input.Shape[0]
	per := a.input.NumElems / n
	gradIn, _ := tensor.Zeros(a.input.Shape)
	for b := 0; b < n; b++ {
		m := a.input.Data[b*per : (b+1)*per]
		g := gradOut.Data[b*per : (b+1)*per]
		s := a.sums[b]
		var dot float64
		for i := range m {
			dot += float64(g[i]) * float64(m[i])
		}
		corr := a.mass * dot / (s * s)
		dst := gradIn.Data[b*per : (b+1)*per]
		for j, mv := range m {
			var sign float64
			switch {
			case mv > 0:
				sign = 1
			case mv < 0:
				sign = -1
			}
			dst[j] = float32(a.mass*float64(g[j])/s - sign*corr)
		}
	}
	return gradIn, nil
}

// GateLayer multiplies [N,H,W,C] features by an [N,H,W,1] attention map.
type GateLayer struct {
	name string

	features  *tensor.Tensor
	attention *tensor.Tensor
}

func NewGateLayer(name string) *GateLayer {
	return &GateLayer{name: name}
}

func (g *GateLayer) Name() string { return g.name }

func (g *GateLayer) Parameters() []*Parameter { return nil }

func (g *GateLayer) Forward(x, m *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || len(m.Shape) != 4 || m.Shape[3] != 1 ||
		x.Shape[0] != m.Shape[0] || x.Shape[1] != m.Shape[1] || x.Shape[2] != m.Shape[2] {
		return nil, fmt.Errorf("%s: attention %v cannot gate features %v: %w", g.name, m.Shape, x.Shape, tensor.ErrShapeMismatch)
	}
	out, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	c := x.Shape[3]
	for p, mv := range m.Data {
		src := x.Data[p*c : (p+1)*c]
		dst := out.Data[p*c : (p+1)*c]
		for i, v := range src {
			dst[i] = v * mv
		}
	}
	g.features = x
	g.attention = m
	return out, nil
}

// Backward returns the gradients for the features and the attention map.
func (g *GateLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if g.features == nil {
		return nil, nil, fmt.Errorf("%s: backward called before forward", g.name)
	}
	if !tensor.ShapesEqual(gradOut.Shape, g.features.Shape) {
		return nil, nil, fmt.Errorf("%s: gradient %v, features %v: %w", g.name, gradOut.Shape, g.features.Shape, tensor.ErrShapeMismatch)
	}
	dx, _ := tensor.Zeros(g.features.Shape)
	dm, _ := tensor.Zeros(g.attention.Shape)
	c := g.features.Shape[3]
	for p, mv := range g.attention.Data {
		gr := gradOut.Data[p*c : (p+1)*c]
		xr := g.features.Data[p*c : (p+1)*c]
		dr := dx.Data[p*c : (p+1)*c]
		var acc float32
		for i, gv := range gr {
			dr[i] = gv * mv
			acc += gv * xr[i]
		}
		dm.Data[p] = acc
	}
	return dx, dm, nil
}

// FlattenLayer collapses all non-batch axes.
type FlattenLayer struct {
	name    string
	inShape []int
}

func NewFlattenLayer(name string) *FlattenLayer {
	return &FlattenLayer{name: name}
}

func (f *FlattenLayer) Name() string { return f.name }

func (f *FlattenLayer) Parameters() []*Parameter { return nil }

func (f *FlattenLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("%s: cannot flatten a scalar: %w", f.name, tensor.ErrShapeMismatch)
	}
	f.inShape = append([]int(nil), x.Shape...)
	return x.Clone().Reshape([]int{x.Shape[0], -1})
}

func (f *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, fmt.Errorf("%s: backward called before forward", f.name)
	}
	return gradOut.Clone().Reshape(f.inShape)
}
