package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. The slice is used directly,
// not copied. A nil data slice allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid; it panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// RandomUniform fills a tensor with values drawn from U(low, high) using rng.
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	span := float64(high - low)
	for i := range t.Data {
		t.Data[i] = low + float32(rng.Float64()*span)
	}
	return t, nil
}

// FromScalar creates a rank-0 tensor holding value.
func FromScalar(value float32) *Tensor {
	return &Tensor{
		Shape:    []int{},
		Strides:  []int{},
		DType:    Float32,
		Device:   CPU,
		Data:     []float32{value},
		NumElems: 1,
	}
}
