package export

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/tensor"
)

// Quantization selects how a converted artifact stores its weights.
type Quantization int

const (
	// None keeps full float32 weights. Only exported bundles use it.
	None Quantization = iota
	// Int8 stores kernels as symmetric per-tensor int8 and keeps biases in float32.
	Int8
	// Float16 stores every weight as IEEE half precision.
	Float16
)

func (q Quantization) String() string {
	switch q {
	case None:
		return "none"
	case Int8:
		return "int8"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// ParseQuantization maps a configuration value to a mode. The empty string selects Int8.
func ParseQuantization(s string) (Quantization, error) {
	switch strings.ToLower(s) {
	case "", "int8":
		return Int8, nil
	case "float16", "fp16":
		return Float16, nil
	default:
		return None, fmt.Errorf("unknown quantization %q", s)
	}
}

// quantize encodes one weight for the requested mode.
func quantize(w checkpoints.WeightTensor, q Quantization) (QuantizedTensor, error) {
	out := QuantizedTensor{
		Name:  w.Name,
		Layer: w.Layer,
		Kind:  w.Type,
		Shape: append([]int(nil), w.Shape...),
		Scale: 1,
	}
	switch {
	case q == Int8 && w.Type == "kernel":
		var maxAbs float64
		for _, v := range w.Data {
			maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
		}
		scale := float32(maxAbs / 127)
		if scale == 0 {
			scale = 1
		}
		out.DType = tensor.Int8
		out.Scale = scale
		out.Data = make([]byte, len(w.Data))
		for i, v := range w.Data {
			r := math.Round(float64(v / scale))
			r = math.Max(-127, math.Min(127, r))
			out.Data[i] = byte(int8(r))
		}
	case q == Float16:
		out.DType = tensor.Float16
		out.Data = make([]byte, 2*len(w.Data))
		for i, v := range w.Data {
			binary.LittleEndian.PutUint16(out.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case q == Int8:
		out.DType = tensor.Float32
		out.Data = make([]byte, 4*len(w.Data))
		for i, v := range w.Data {
			binary.LittleEndian.PutUint32(out.Data[4*i:], math.Float32bits(v))
		}
	default:
		return QuantizedTensor{}, fmt.Errorf("unsupported quantization %s", q)
	}
	return out, nil
}

// Dequantize reconstructs float32 values.
func (w QuantizedTensor) Dequantize() (*tensor.Tensor, error) {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	data := make([]float32, n)
	switch w.DType {
	case tensor.Int8:
		if len(w.Data) != n {
			return nil, fmt.Errorf("weight %s: %d int8 values for %d elements", w.Name, len(w.Data), n)
		}
		for i, b := range w.Data {
			data[i] = float32(int8(b)) * w.Scale
		}
	case tensor.Float16:
		if len(w.Data) != 2*n {
			return nil, fmt.Errorf("weight %s: %d bytes of float16 for %d elements", w.Name, len(w.Data), n)
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(w.Data[2*i:])).Float32()
		}
	case tensor.Float32:
		if len(w.Data) != 4*n {
			return nil, fmt.Errorf("weight %s: %d bytes of float32 for %d elements", w.Name, len(w.Data), n)
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[4*i:]))
		}
	default:
		return nil, fmt.Errorf("weight %s: unsupported dtype %s", w.Name, w.DType)
	}
	return tensor.NewTensor(w.Shape, data)
}
