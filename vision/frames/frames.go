// Package frames turns decoded video frames into DeepPhys frame-pair tensors.
package frames

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Size is the edge length frames are resized to.
const Size = 36

// Processor resizes frames into RGB float data in HWC layout, normalized to [0, 1].
// It reuses its scratch buffer between calls and is safe for concurrent use.
type Processor struct {
	mu     sync.Mutex
	size   int
	buffer []float32
}

// NewProcessor creates a processor that resizes to size×size. A size of 0 means Size.
func NewProcessor(size int) *Processor {
	if size <= 0 {
		size = Size
	}
	return &Processor{size: size}
}

// Frame is one resized RGB frame.
type Frame struct {
	Data []float32 // HWC, values in [0, 1]
	Size int
}

// Decode reads a JPEG or PNG frame and resizes it.
func (p *Processor) Decode(r io.Reader) (*Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return p.Resize(img), nil
}

// Resize samples img onto the processor's grid with nearest-neighbour lookup.
func (p *Processor) Resize(img image.Image) *Frame {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	required := 3 * p.size * p.size
	if len(p.buffer) < required {
		p.buffer = make([]float32, required)
	}
	data := p.buffer[:required]

	scaleX := float64(width) / float64(p.size)
	scaleY := float64(height) / float64(p.size)
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()

			idx := (y*p.size + x) * 3
			data[idx] = float32(r) / 65535.0
			data[idx+1] = float32(g) / 65535.0
			data[idx+2] = float32(b) / 65535.0
		}
	}

	// the buffer is reused, hand out a copy
	return &Frame{Data: append([]float32(nil), data...), Size: p.size}
}

// Pair builds the (size,size,6) input for one step. Channels 0..2 hold the normalized
// difference (next-prev)/(next+prev), zero where both frames are black, and channels
// 3..5 hold the appearance frame (next+prev)/2.
func Pair(prev, next *Frame) (*tensor.Tensor, error) {
	if prev.Size != next.Size || len(prev.Data) != len(next.Data) {
		return nil, fmt.Errorf("frame sizes %d and %d differ: %w", prev.Size, next.Size, tensor.ErrShapeMismatch)
	}
	pixels := prev.Size * prev.Size
	if len(prev.Data) != pixels*3 {
		return nil, fmt.Errorf("frame has %d values, want %d: %w", len(prev.Data), pixels*3, tensor.ErrShapeMismatch)
	}

	out, err := tensor.Zeros([]int{prev.Size, prev.Size, 6})
	if err != nil {
		return nil, err
	}
	for i := 0; i < pixels; i++ {
		for c := 0; c < 3; c++ {
			a, b := prev.Data[i*3+c], next.Data[i*3+c]
			if sum := a + b; sum != 0 {
				out.Data[i*6+c] = (b - a) / sum
			}
			out.Data[i*6+3+c] = (a + b) / 2
		}
	}
	return out, nil
}

// Sequence pairs consecutive frames into a (n-1,size,size,6) batch.
func Sequence(frames []*Frame) (*tensor.Tensor, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("need at least 2 frames, got %d", len(frames))
	}
	pairs := make([]*tensor.Tensor, 0, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		p, err := Pair(frames[i-1], frames[i])
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i-1, err)
		}
		pairs = append(pairs, p)
	}
	return tensor.Stack(pairs)
}

// LoadFiles decodes frame image files concurrently, preserving order. Frames found in
// cache are not decoded again; cache may be nil.
func LoadFiles(paths []string, size, maxWorkers int, cache *Cache) ([]*Frame, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*Frame, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}
	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewProcessor(size)
			for j := range jobs {
				if cache != nil {
					if frame, ok := cache.Get(j.path); ok && frame.Size == processor.size {
						results[j.index] = frame
						continue
					}
				}
				file, err := os.Open(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}
				frame, err := processor.Decode(file)
				file.Close()
				if err != nil {
					errs[j.index] = err
					continue
				}
				results[j.index] = frame
				if cache != nil {
					cache.Put(j.path, frame)
				}
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load frame %d: %w", i, err)
		}
	}
	return results, nil
}
