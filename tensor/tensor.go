package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShapeMismatch is returned whenever a tensor does not have the dimensions an
// operation requires. Operations fail with it before any computation starts.
var ErrShapeMismatch = errors.New("dimension mismatch")

// ErrDeviceUnavailable is returned when a device is requested that this runtime cannot
// execute on.
var ErrDeviceUnavailable = errors.New("device unavailable")

type DType int

const (
	Float32 DType = iota
	Float16
	Int8
	String
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case Int8:
		return "Int8"
	case String:
		return "String"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Device identifies an execution device and its index, e.g. "cpu" or "gpu:3".
type Device struct {
	Type  DeviceType
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(d.Type.String()), d.Index)
}

// ParseDevice parses a device string of the form "cpu", "cpu:0" or "gpu:N".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	dev := Device{}
	switch name {
	case "", "cpu":
		dev.Type = CPU
	case "gpu", "cuda":
		dev.Type = GPU
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		dev.Index = n
	}
	return dev, nil
}

// CheckAvailable reports whether computations can be placed on the device.
// Only the CPU backend is compiled into this build.
func (d Device) CheckAvailable() error {
	if d.Type != CPU {
		return fmt.Errorf("%s: %w", d, ErrDeviceUnavailable)
	}
	return nil
}

// Tensor is a dense row-major float32 array. Image tensors use NHWC layout.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// ShapesEqual reports whether two shapes have identical dimensions.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckShape verifies t against want. A negative entry in want matches any size,
// which is how a dynamic batch dimension is expressed.
func CheckShape(t *Tensor, want []int) error {
	if t == nil {
		return fmt.Errorf("nil tensor, want %v: %w", want, ErrShapeMismatch)
	}
	if len(t.Shape) != len(want) {
		return fmt.Errorf("got rank %d %v, want %v: %w", len(t.Shape), t.Shape, want, ErrShapeMismatch)
	}
	for i, dim := range want {
		if dim >= 0 && t.Shape[i] != dim {
			return fmt.Errorf("dimension %d is %d, want %d (shape %v): %w", i, t.Shape[i], dim, t.Shape, ErrShapeMismatch)
		}
	}
	return nil
}
