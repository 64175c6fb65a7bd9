package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Conv2DLayer is a stride-1 NHWC convolution with symmetric zero padding.
// Kernels are stored HWIO: [k, k, inC, outC].
type Conv2DLayer struct {
	name    string
	Kernel  *Parameter
	Bias    *Parameter
	InC     int
	OutC    int
	K       int
	Padding int

	// SkipInputGrad disables the input gradient for layers fed directly by data.
	SkipInputGrad bool

	input *tensor.Tensor
}

// NewConv2DLayer creates a convolution whose parameters are named "<name>/kernel"
// and "<name>/bias".
func NewConv2DLayer(name string, inC, outC, k, padding int) (*Conv2DLayer, error) {
	kernel, err := NewParameter(name+"/kernel", []int{k, k, inC, outC})
	if err != nil {
		return nil, err
	}
	bias, err := NewParameter(name+"/bias", []int{outC})
	if err != nil {
		return nil, err
	}
	return &Conv2DLayer{name: name, Kernel: kernel, Bias: bias, InC: inC, OutC: outC, K: k, Padding: padding}, nil
}

func (c *Conv2DLayer) Name() string { return c.name }

func (c *Conv2DLayer) Parameters() []*Parameter { return []*Parameter{c.Kernel, c.Bias} }

// InitGlorot draws the kernel from the Glorot uniform distribution and zeroes the bias.
func (c *Conv2DLayer) InitGlorot(rng *rand.Rand) {
	fanIn := c.K * c.K * c.InC
	fanOut := c.K * c.K * c.OutC
	glorotUniform(c.Kernel.Value.Data, fanIn, fanOut, rng)
	c.Bias.Value.Zero()
}

func (c *Conv2DLayer) outSize(h, w int) (int, int) {
	return h + 2*c.Padding - c.K + 1, w + 2*c.Padding - c.K + 1
}

// Forward computes the convolution of x with shape [N, H, W, InC].
func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[3] != c.InC {
		return nil, fmt.Errorf("%s: input %v, want [N H W %d]: %w", c.name, x.Shape, c.InC, tensor.ErrShapeMismatch)
	}
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: kernel %d does not fit input %v: %w", c.name, c.K, x.Shape, tensor.ErrShapeMismatch)
	}
	out, err := tensor.Zeros([]int{n, oh, ow, c.OutC})
	if err != nil {
		return nil, err
	}
	c.input = x

	kd := c.Kernel.Value.Data
	bd := c.Bias.Value.Data
	xd := x.Data
	od := out.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				o := od[((b*oh+oy)*ow+ox)*c.OutC : ((b*oh+oy)*ow+ox+1)*c.OutC]
				copy(o, bd)
				for ky := 0; ky < c.K; ky++ {
					iy := oy + ky - c.Padding
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < c.K; kx++ {
						ix := ox + kx - c.Padding
						if ix < 0 || ix >= w {
							continue
						}
						xi := ((b*h+iy)*w + ix) * c.InC
						ki := (ky*c.K + kx) * c.InC
						for ci := 0; ci < c.InC; ci++ {
							xv := xd[xi+ci]
							if xv == 0 {
								continue
							}
							row := kd[(ki+ci)*c.OutC : (ki+ci+1)*c.OutC]
							for co, wv := range row {
								o[co] += xv * wv
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

// Backward accumulates kernel and bias gradients and returns the input gradient
// (nil when SkipInputGrad is set).
func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", c.name)
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	oh, ow := c.outSize(h, w)
	if err := tensor.CheckShape(gradOut, []int{n, oh, ow, c.OutC}); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	var gradIn *tensor.Tensor
	if !c.SkipInputGrad {
		gradIn, _ = tensor.Zeros(x.Shape)
	}

	kd := c.Kernel.Value.Data
	kg := c.Kernel.Grad.Data
	bg := c.Bias.Grad.Data
	xd := x.Data
	gd := gradOut.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				g := gd[((b*oh+oy)*ow+ox)*c.OutC : ((b*oh+oy)*ow+ox+1)*c.OutC]
				for co, gv := range g {
					bg[co] += gv
				}
				for ky := 0; ky < c.K; ky++ {
					iy := oy + ky - c.Padding
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < c.K; kx++ {
						ix := ox + kx - c.Padding
						if ix < 0 || ix >= w {
							continue
						}
						xi := ((b*h+iy)*w + ix) * c.InC
						ki := (ky*c.K + kx) * c.InC
						for ci := 0; ci < c.InC; ci++ {
							xv := xd[xi+ci]
							off := (ki + ci) * c.OutC
							row := kd[off : off+c.OutC]
							grow := kg[off : off+c.OutC]
							var acc float32
							for co, gv := range g {
								grow[co] += xv * gv
								acc += row[co] * gv
							}
							if gradIn != nil {
								gradIn.Data[xi+ci] += acc
							}
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}

func glorotUniform(dst []float32, fanIn, fanOut int, rng *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range dst {
		dst[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
}
