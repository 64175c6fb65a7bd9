package layers

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/tensor"
)

// AvgPool2DLayer averages non-overlapping Size x Size windows of an NHWC tensor.
type AvgPool2DLayer struct {
	name string
	Size int

	inShape []int
}

func NewAvgPool2DLayer(name string, size int) *AvgPool2DLayer {
	return &AvgPool2DLayer{name: name, Size: size}
}

func (p *AvgPool2DLayer) Name() string { return p.name }

func (p *AvgPool2DLayer) Parameters() []*Parameter { return nil }

func (p *AvgPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1]%p.Size != 0 || x.Shape[2]%p.Size != 0 {
		return nil, fmt.Errorf("%s: pool %d over %v: %w", p.name, p.Size, x.Shape, tensor.ErrShapeMismatch)
	}
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/p.Size, w/p.Size
	out, err := tensor.Zeros([]int{n, oh, ow, c})
	if err != nil {
		return nil, err
	}
	p.inShape = append([]int(nil), x.Shape...)

	scale := 1 / float32(p.Size*p.Size)
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				o := out.Data[((b*oh+oy)*ow+ox)*c : ((b*oh+oy)*ow+ox+1)*c]
				for dy := 0; dy < p.Size; dy++ {
					for dx := 0; dx < p.Size; dx++ {
						xi := ((b*h+oy*p.Size+dy)*w + ox*p.Size + dx) * c
						for ch := 0; ch < c; ch++ {
							o[ch] += x.Data[xi+ch]
						}
					}
				}
				for ch := range o {
					o[ch] *= scale
				}
			}
		}
	}
	return out, nil
}

func (p *AvgPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inShape == nil {
		return nil, fmt.Errorf("%s: backward called before forward", p.name)
	}
	n, h, w, c := p.inShape[0], p.inShape[1], p.inShape[2], p.inShape[3]
	oh, ow := h/p.Size, w/p.Size
	if err := tensor.CheckShape(gradOut, []int{n, oh, ow, c}); err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	gradIn, _ := tensor.Zeros(p.inShape)

	scale := 1 / float32(p.Size*p.Size)
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				g := gradOut.Data[((b*oh+oy)*ow+ox)*c : ((b*oh+oy)*ow+ox+1)*c]
				for dy := 0; dy < p.Size; dy++ {
					for dx := 0; dx < p.Size; dx++ {
						xi := ((b*h+oy*p.Size+dy)*w + ox*p.Size + dx) * c
						for ch, gv := range g {
							gradIn.Data[xi+ch] = gv * scale
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}
