package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vid2bp/dataset"
	"github.com/tsawler/go-vid2bp/preprocessing"
	"github.com/tsawler/go-vid2bp/tensor"
	"github.com/tsawler/go-vid2bp/vision/frames"
)

// PPGFile is the reference waveform stored next to the frame images, one sample per
// frame: {"ppg": [...]}.
const PPGFile = "ppg.json"

const ingestWorkers = 4

// Ingest reports what ImportFrames wrote.
type Ingest struct {
	Frames int
	Pairs  int
	Cache  frames.CacheStats
}

type ppgDocument struct {
	PPG []float64 `yaml:"ppg"`
}

// FramePaths lists the PNG and JPEG files of dir in name order.
func FramePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ImportFrames turns a directory of frames into a video container at out. Consecutive
// frames become one frame pair each, and the label of a pair is the normalized
// difference of the two PPG samples.
func ImportFrames(dir, group, out string) (*Ingest, error) {
	paths, err := FramePaths(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) < 2 {
		return nil, fmt.Errorf("%s: need at least 2 frames, got %d: %w", dir, len(paths), dataset.ErrDatasetUnavailable)
	}

	raw, err := os.ReadFile(filepath.Join(dir, PPGFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read reference waveform: %w", err)
	}
	var doc ppgDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", PPGFile, err)
	}
	if len(doc.PPG) != len(paths) {
		return nil, fmt.Errorf("%s: %d frames but %d ppg samples: %w", dir, len(paths), len(doc.PPG), tensor.ErrShapeMismatch)
	}

	cache := frames.NewCache(len(paths))
	loaded, err := frames.LoadFiles(paths, dataset.FrameHeight, ingestWorkers, cache)
	if err != nil {
		return nil, err
	}
	pairs, err := frames.Sequence(loaded)
	if err != nil {
		return nil, err
	}

	// the final difference is padding, one label per pair remains
	deltas := preprocessing.Derivative(doc.PPG)[:len(paths)-1]
	normalized, err := preprocessing.Normalize(deltas)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PPGFile, err)
	}
	labels := make([]float32, len(normalized))
	for i, v := range normalized {
		labels[i] = float32(v)
	}

	file, err := dataset.VideoFile(group, pairs, labels)
	if err != nil {
		return nil, err
	}
	if err := dataset.Write(out, file); err != nil {
		return nil, err
	}
	return &Ingest{Frames: len(paths), Pairs: len(labels), Cache: cache.Stats()}, nil
}
