package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Split file names under a dataset root.
const (
	TrainFile = "train.msgpack"
	ValidFile = "val.msgpack"
	TestFile  = "test.msgpack"
)

// SequenceDataset pairs an input waveform with a label waveform of the same length.
type SequenceDataset struct {
	inputs Array
	labels Array
}

// Len returns the number of waveform pairs.
func (d *SequenceDataset) Len() int {
	return d.inputs.Rows()
}

// Get returns waveform idx and its label, both of shape (length).
func (d *SequenceDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= d.Len() {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.Len())
	}
	n := d.inputs.rowSize()
	x := append([]float32(nil), d.inputs.Data[idx*n:(idx+1)*n]...)
	m := d.labels.rowSize()
	y := append([]float32(nil), d.labels.Data[idx*m:(idx+1)*m]...)
	xt, err := tensor.NewTensor([]int{n}, x)
	if err != nil {
		return nil, nil, err
	}
	yt, err := tensor.NewTensor([]int{m}, y)
	if err != nil {
		return nil, nil, err
	}
	return xt, yt, nil
}

// Splits holds the train, validation and test datasets of a dataset root.
type Splits struct {
	Train *SequenceDataset
	Valid *SequenceDataset
	Test  *SequenceDataset
}

// LoadSplits reads train, val and test containers under root. The input is channel 0 of
// the ple array; label selects either ple itself or abp as the target.
func LoadSplits(root, label string) (*Splits, error) {
	if label != PLEArray && label != ABPArray {
		return nil, fmt.Errorf("label must be %q or %q, got %q", PLEArray, ABPArray, label)
	}
	var splits Splits
	for _, s := range []struct {
		file string
		dst  **SequenceDataset
	}{
		{TrainFile, &splits.Train},
		{ValidFile, &splits.Valid},
		{TestFile, &splits.Test},
	} {
		ds, err := loadSplit(filepath.Join(root, s.file), label)
		if err != nil {
			return nil, err
		}
		*s.dst = ds
	}
	return &splits, nil
}

func loadSplit(path, label string) (*SequenceDataset, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	ple, ok := f.Arrays[PLEArray]
	if !ok {
		return nil, fmt.Errorf("%s has no %s array: %w", path, PLEArray, ErrDatasetUnavailable)
	}
	input, err := firstChannel(ple)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	target := input
	if label == ABPArray {
		abp, ok := f.Arrays[ABPArray]
		if !ok {
			return nil, fmt.Errorf("%s has no %s array: %w", path, ABPArray, ErrDatasetUnavailable)
		}
		target = abp
	}
	if target.Rows() != input.Rows() {
		return nil, fmt.Errorf("%s: %d inputs but %d labels: %w", path, input.Rows(), target.Rows(), tensor.ErrShapeMismatch)
	}
	return &SequenceDataset{inputs: input, labels: target}, nil
}

// firstChannel reduces (n, channels, length) to (n, length). A (n, length) array is
// returned unchanged.
func firstChannel(a Array) (Array, error) {
	switch len(a.Shape) {
	case 2:
		return a, nil
	case 3:
		n, c, l := a.Shape[0], a.Shape[1], a.Shape[2]
		if c == 0 {
			return Array{}, fmt.Errorf("ple array has shape %v with no channels: %w", a.Shape, tensor.ErrShapeMismatch)
		}
		data := make([]float32, n*l)
		for i := 0; i < n; i++ {
			copy(data[i*l:(i+1)*l], a.Data[i*c*l:i*c*l+l])
		}
		return Array{Shape: []int{n, l}, Data: data}, nil
	default:
		return Array{}, fmt.Errorf("ple array has shape %v, want (n, length) or (n, channels, length): %w",
			a.Shape, tensor.ErrShapeMismatch)
	}
}
