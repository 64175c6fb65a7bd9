package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vid2bp/tensor"
)

// DenseLayer implements y = xW + b with W stored as [in, out].
type DenseLayer struct {
	name   string
	Kernel *Parameter
	Bias   *Parameter
	In     int
	Out    int

	input *tensor.Tensor
}

func NewDenseLayer(name string, in, out int) (*DenseLayer, error) {
	kernel, err := NewParameter(name+"/kernel", []int{in, out})
	if err != nil {
		return nil, err
	}
	bias, err := NewParameter(name+"/bias", []int{out})
	if err != nil {
		return nil, err
	}
	return &DenseLayer{name: name, Kernel: kernel, Bias: bias, In: in, Out: out}, nil
}

func (d *DenseLayer) Name() string { return d.name }

func (d *DenseLayer) Parameters() []*Parameter { return []*Parameter{d.Kernel, d.Bias} }

func (d *DenseLayer) InitGlorot(rng *rand.Rand) {
	glorotUniform(d.Kernel.Value.Data, d.In, d.Out, rng)
	d.Bias.Value.Zero()
}

func (d *DenseLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckShape(x, []int{-1, d.In}); err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	n := x.Shape[0]
	out, err := tensor.Zeros([]int{n, d.Out})
	if err != nil {
		return nil, err
	}
	d.input = x

	wd := d.Kernel.Value.Data
	for b := 0; b < n; b++ {
		o := out.Data[b*d.Out : (b+1)*d.Out]
		copy(o, d.Bias.Value.Data)
		xr := x.Data[b*d.In : (b+1)*d.In]
		for i, xv := range xr {
			if xv == 0 {
				continue
			}
			row := wd[i*d.Out : (i+1)*d.Out]
			for j, wv := range row {
				o[j] += xv * wv
			}
		}
	}
	return out, nil
}

func (d *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", d.name)
	}
	n := d.input.Shape[0]
	if err := tensor.CheckShape(gradOut, []int{n, d.Out}); err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	gradIn, _ := tensor.Zeros(d.input.Shape)

	wd := d.Kernel.Value.Data
	wg := d.Kernel.Grad.Data
	bg := d.Bias.Grad.Data
	for b := 0; b < n; b++ {
		g := gradOut.Data[b*d.Out : (b+1)*d.Out]
		for j, gv := range g {
			bg[j] += gv
		}
		xr := d.input.Data[b*d.In : (b+1)*d.In]
		gi := gradIn.Data[b*d.In : (b+1)*d.In]
		for i, xv := range xr {
			off := i * d.Out
			row := wd[off : off+d.Out]
			grow := wg[off : off+d.Out]
			var acc float32
			for j, gv := range g {
				grow[j] += xv * gv
				acc += row[j] * gv
			}
			gi[i] = acc
		}
	}
	return gradIn, nil
}
