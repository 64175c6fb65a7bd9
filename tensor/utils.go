package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when a tensor holds NaN or Inf values.
var ErrNonFinite = errors.New("non-finite value")

// Reshape returns a new tensor with the same data but different shape
// The new shape must have the same total number of elements
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		if dim < 0 {
			if dim != -1 {
				return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
			}
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		} else if dim == 0 {
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		} else {
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		inferred := t.NumElems / newNumElems
		shape[negOneIdx] = inferred
		newNumElems *= inferred
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d): %w", t.NumElems, shape, newNumElems, ErrShapeMismatch)
	}

	// Share the same underlying data
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// CopyFrom overwrites t's data with src's. Shapes must match exactly.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !ShapesEqual(t.Shape, src.Shape) {
		return fmt.Errorf("copy %v into %v: %w", src.Shape, t.Shape, ErrShapeMismatch)
	}
	copy(t.Data, src.Data)
	return nil
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether both tensors have the same shape and bit-identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !ShapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if math.Float32bits(v) != math.Float32bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest element-wise absolute difference between a and b.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if !ShapesEqual(a.Shape, b.Shape) {
		return 0, fmt.Errorf("compare %v with %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	maxDiff := 0.0
	for i, v := range a.Data {
		d := math.Abs(float64(v) - float64(b.Data[i]))
		if d > maxDiff || math.IsNaN(d) {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

// CheckFinite returns ErrNonFinite if any element is NaN or infinite.
func (t *Tensor) CheckFinite() error {
	for i, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("element %d is %v: %w", i, v, ErrNonFinite)
		}
	}
	return nil
}

// SplitChannels splits an NHWC tensor into two halves along the channel axis.
func SplitChannels(t *Tensor) (*Tensor, *Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, nil, fmt.Errorf("split expects NHWC rank 4, got %v: %w", t.Shape, ErrShapeMismatch)
	}
	c := t.Shape[3]
	if c%2 != 0 {
		return nil, nil, fmt.Errorf("channel count %d is not evenly splittable: %w", c, ErrShapeMismatch)
	}
	half := c / 2
	shape := []int{t.Shape[0], t.Shape[1], t.Shape[2], half}
	first, _ := Zeros(shape)
	second, _ := Zeros(shape)

	pixels := t.Shape[0] * t.Shape[1] * t.Shape[2]
	for p := 0; p < pixels; p++ {
		copy(first.Data[p*half:(p+1)*half], t.Data[p*c:p*c+half])
		copy(second.Data[p*half:(p+1)*half], t.Data[p*c+half:(p+1)*c])
	}
	return first, second, nil
}

// ConcatChannels joins two NHWC tensors with equal N, H and W along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 || len(b.Shape) != 4 || !ShapesEqual(a.Shape[:3], b.Shape[:3]) {
		return nil, fmt.Errorf("concat %v with %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	ca, cb := a.Shape[3], b.Shape[3]
	out, err := Zeros([]int{a.Shape[0], a.Shape[1], a.Shape[2], ca + cb})
	if err != nil {
		return nil, err
	}
	c := ca + cb
	pixels := a.Shape[0] * a.Shape[1] * a.Shape[2]
	for p := 0; p < pixels; p++ {
		copy(out.Data[p*c:p*c+ca], a.Data[p*ca:(p+1)*ca])
		copy(out.Data[p*c+ca:(p+1)*c], b.Data[p*cb:(p+1)*cb])
	}
	return out, nil
}

// Stack joins same-shaped tensors along a new leading batch axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("stack of zero tensors")
	}
	inner := items[0].Shape
	out, err := Zeros(append([]int{len(items)}, inner...))
	if err != nil {
		return nil, err
	}
	n := items[0].NumElems
	for i, item := range items {
		if !ShapesEqual(item.Shape, inner) {
			return nil, fmt.Errorf("stack item %d has shape %v, want %v: %w", i, item.Shape, inner, ErrShapeMismatch)
		}
		copy(out.Data[i*n:(i+1)*n], item.Data)
	}
	return out, nil
}

// Index returns a copy of the i-th entry along the leading axis.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, t.Shape)
	}
	inner := t.Shape[1:]
	n := calculateNumElements(inner)
	data := make([]float32, n)
	copy(data, t.Data[i*n:(i+1)*n])
	if len(inner) == 0 {
		return FromScalar(data[0]), nil
	}
	return NewTensor(inner, data)
}
