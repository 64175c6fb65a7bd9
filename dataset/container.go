// Package dataset reads and writes the persisted dataset container and adapts its arrays
// to training.Dataset.
//
// A container is a msgpack document of named arrays, either grouped (one group per
// source video, holding preprocessed_video and preprocessed_label) or at top level (the
// ple and abp arrays of a train, val or test split file).
package dataset

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDatasetUnavailable is returned when a dataset file is missing, unreadable or not a
// valid container.
var ErrDatasetUnavailable = errors.New("dataset unavailable")

// Array names used by the loaders.
const (
	VideoArray = "preprocessed_video"
	LabelArray = "preprocessed_label"
	PLEArray   = "ple"
	ABPArray   = "abp"
)

// ContainerVersion is written into every container.
const ContainerVersion = 1

// Array is a dense row-major float32 nd-array.
type Array struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// NewArray checks that data fills shape.
func NewArray(shape []int, data []float32) (Array, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return Array{}, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	if len(data) != n {
		return Array{}, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return Array{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Rows returns the size of the leading axis.
func (a Array) Rows() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// rowSize is the number of elements in one entry along the leading axis.
func (a Array) rowSize() int {
	n := 1
	for _, d := range a.Shape[1:] {
		n *= d
	}
	return n
}

func (a Array) validate() error {
	if _, err := NewArray(a.Shape, a.Data); err != nil {
		return err
	}
	if len(a.Shape) == 0 {
		return fmt.Errorf("array has no leading axis")
	}
	return nil
}

// Group is a set of named arrays.
type Group map[string]Array

// File is the persisted container.
type File struct {
	Version int              `msgpack:"version"`
	Groups  map[string]Group `msgpack:"groups,omitempty"`
	Arrays  map[string]Array `msgpack:"arrays,omitempty"`
}

// GroupNames returns group names in sorted order.
func (f *File) GroupNames() []string {
	names := make([]string, 0, len(f.Groups))
	for name := range f.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open reads a container. Missing and corrupt files both wrap ErrDatasetUnavailable.
func Open(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrDatasetUnavailable, err)
	}
	var f File
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrDatasetUnavailable, err)
	}
	if f.Version != ContainerVersion {
		return nil, fmt.Errorf("%s: unsupported container version %d: %w", path, f.Version, ErrDatasetUnavailable)
	}
	for name, a := range f.Arrays {
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("%s: array %q: %w: %v", path, name, ErrDatasetUnavailable, err)
		}
	}
	for gname, g := range f.Groups {
		for name, a := range g {
			if err := a.validate(); err != nil {
				return nil, fmt.Errorf("%s: %s/%s: %w: %v", path, gname, name, ErrDatasetUnavailable, err)
			}
		}
	}
	return &f, nil
}

// Write stores f at path, replacing any existing file.
func Write(path string, f *File) error {
	f.Version = ContainerVersion
	b, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move dataset into place: %w", err)
	}
	return nil
}
