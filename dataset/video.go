package dataset

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Frame pair geometry expected in a video container.
const (
	FrameHeight   = 36
	FrameWidth    = 36
	FrameChannels = 6
)

// DefaultTrainRatio is the leading share of samples kept for training by Split.
const DefaultTrainRatio = 0.8

// FramePairDataset holds frame pairs of shape (36,36,6) and scalar labels of shape (1).
type FramePairDataset struct {
	frames [][]float32
	labels []float32
}

// NewFramePairDataset builds a dataset from flattened frames and their labels.
func NewFramePairDataset(frames [][]float32, labels []float32) (*FramePairDataset, error) {
	if len(frames) != len(labels) {
		return nil, fmt.Errorf("%d frames but %d labels: %w", len(frames), len(labels), tensor.ErrShapeMismatch)
	}
	size := FrameHeight * FrameWidth * FrameChannels
	for i, f := range frames {
		if len(f) != size {
			return nil, fmt.Errorf("frame %d has %d values, want %d: %w", i, len(f), size, tensor.ErrShapeMismatch)
		}
	}
	return &FramePairDataset{frames: frames, labels: labels}, nil
}

// LoadVideo reads a video container and concatenates every group, in name order. Each
// group must hold as many label rows as frame pairs.
func LoadVideo(path string) (*FramePairDataset, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	if len(f.Groups) == 0 {
		return nil, fmt.Errorf("%s has no video groups: %w", path, ErrDatasetUnavailable)
	}

	var frames [][]float32
	var labels []float32
	for _, name := range f.GroupNames() {
		g := f.Groups[name]
		video, ok := g[VideoArray]
		if !ok {
			return nil, fmt.Errorf("%s: group %q has no %s: %w", path, name, VideoArray, ErrDatasetUnavailable)
		}
		label, ok := g[LabelArray]
		if !ok {
			return nil, fmt.Errorf("%s: group %q has no %s: %w", path, name, LabelArray, ErrDatasetUnavailable)
		}
		if !tensor.ShapesEqual(video.Shape[1:], []int{FrameHeight, FrameWidth, FrameChannels}) {
			return nil, fmt.Errorf("%s: group %q frames have shape %v: %w", path, name, video.Shape, tensor.ErrShapeMismatch)
		}
		if video.Rows() != label.Rows() || label.rowSize() != 1 {
			return nil, fmt.Errorf("%s: group %q has %d frame pairs and labels of shape %v: %w",
				path, name, video.Rows(), label.Shape, tensor.ErrShapeMismatch)
		}
		n := video.rowSize()
		for i := 0; i < video.Rows(); i++ {
			frames = append(frames, video.Data[i*n:(i+1)*n])
			labels = append(labels, label.Data[i])
		}
	}
	return NewFramePairDataset(frames, labels)
}

// Len returns the number of frame pairs.
func (d *FramePairDataset) Len() int {
	return len(d.frames)
}

// Get returns frame pair idx and its label.
func (d *FramePairDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.frames) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.frames))
	}
	x, err := tensor.NewTensor([]int{FrameHeight, FrameWidth, FrameChannels}, append([]float32(nil), d.frames[idx]...))
	if err != nil {
		return nil, nil, err
	}
	return x, tensor.MustNew([]int{1}, []float32{d.labels[idx]}), nil
}

// Labels returns a copy of every label in order.
func (d *FramePairDataset) Labels() []float32 {
	return append([]float32(nil), d.labels...)
}

// Split keeps the first trainRatio of samples for training and the rest for validation.
// Order is preserved so neighbouring frames do not leak across the split.
func (d *FramePairDataset) Split(trainRatio float64) (*FramePairDataset, *FramePairDataset, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1), got %g", trainRatio)
	}
	n := len(d.frames)
	trainSize := int(float64(n) * trainRatio)
	if trainSize == 0 || trainSize == n {
		return nil, nil, fmt.Errorf("cannot split %d samples at ratio %g", n, trainRatio)
	}
	train := &FramePairDataset{frames: d.frames[:trainSize], labels: d.labels[:trainSize]}
	valid := &FramePairDataset{frames: d.frames[trainSize:], labels: d.labels[trainSize:]}
	return train, valid, nil
}

// Subset returns the samples at indices.
func (d *FramePairDataset) Subset(indices []int) (*FramePairDataset, error) {
	subset := &FramePairDataset{
		frames: make([][]float32, len(indices)),
		labels: make([]float32, len(indices)),
	}
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.frames) {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.frames))
		}
		subset.frames[i] = d.frames[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset, nil
}

// VideoFile packs frame pairs of shape (n,36,36,6) and labels of length n into a single
// group container, the layout LoadVideo reads.
func VideoFile(group string, frames *tensor.Tensor, labels []float32) (*File, error) {
	if err := tensor.CheckShape(frames, []int{-1, FrameHeight, FrameWidth, FrameChannels}); err != nil {
		return nil, err
	}
	if frames.Shape[0] != len(labels) {
		return nil, fmt.Errorf("%d frame pairs but %d labels: %w", frames.Shape[0], len(labels), tensor.ErrShapeMismatch)
	}
	video, err := NewArray(frames.Shape, append([]float32(nil), frames.Data...))
	if err != nil {
		return nil, err
	}
	label, err := NewArray([]int{len(labels)}, append([]float32(nil), labels...))
	if err != nil {
		return nil, err
	}
	return &File{Groups: map[string]Group{group: {VideoArray: video, LabelArray: label}}}, nil
}
