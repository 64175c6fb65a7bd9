// Package export turns a trained model into a deployable bundle, converts bundles into
// single-file quantized artifacts and runs either kind through named signatures.
//
// A bundle is a directory holding graph.pb, the protobuf-encoded node list and
// signatures, and variables.db, a SQLite checkpoint of every weight. A quantized
// artifact is one protobuf blob carrying the same graph, signatures and weights.
package export

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/engine"
	"github.com/tsawler/go-vid2bp/tensor"
)

// Bundle file names.
const (
	GraphFile     = "graph.pb"
	VariablesFile = "variables.db"
)

// Producer is recorded in every graph header.
const Producer = "go-vid2bp"

// DefaultParityTolerance is the largest accepted absolute difference between the
// outputs of a bundle and its converted artifact.
const DefaultParityTolerance = 1e-2

// ErrParity is returned when a converted artifact disagrees with its source.
var ErrParity = errors.New("parity check failed")

// Options controls Export.
type Options struct {
	// BatchSize fixes the batch dimension of the train signature. 0 means 1.
	BatchSize int
}

// Export writes model as a bundle under dir and returns the graph it wrote.
func Export(model *engine.Model, dir string, opts Options) (*Graph, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	spec := model.Spec()
	g := graphFromSpec(spec)
	g.ArtifactID = uuid.NewString()
	g.Producer = Producer
	g.Signatures = Signatures(batch, spec.InputShape, spec.Params())

	if _, err := model.Save(filepath.Join(dir, VariablesFile)); err != nil {
		return nil, fmt.Errorf("failed to write variables: %w", err)
	}
	if err := writeFile(filepath.Join(dir, GraphFile), g.Marshal()); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadArtifact opens a bundle written by Export.
func LoadArtifact(dir string, cfg engine.ModelConfig) (*Runner, error) {
	g, err := readGraph(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, err
	}
	model, err := modelFor(g, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := model.Restore(filepath.Join(dir, VariablesFile)); err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	return newRunner(g, model)
}

// Convert reads the bundle in dir and writes a quantized artifact to out. Every weight
// named by the graph must be present in the bundle's variables.
func Convert(dir, out string, q Quantization) (*Graph, error) {
	if q == None {
		return nil, fmt.Errorf("conversion requires int8 or float16 quantization")
	}
	src, err := readGraph(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, err
	}
	spec, err := src.ModelSpec()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, ps := range spec.Params() {
		names = append(names, ps.Name)
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatSQLite)
	weights, err := saver.LoadWeights(filepath.Join(dir, VariablesFile), names)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables: %w", err)
	}

	dst := *src
	dst.ArtifactID = uuid.NewString()
	dst.Quantization = q
	dst.Weights = make([]QuantizedTensor, 0, len(names))
	for _, name := range names {
		qt, err := quantize(weights[name], q)
		if err != nil {
			return nil, err
		}
		dst.Weights = append(dst.Weights, qt)
	}

	if outDir := filepath.Dir(out); outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := writeFile(out, dst.Marshal()); err != nil {
		return nil, err
	}
	return &dst, nil
}

// LoadQuantized opens an artifact written by Convert. Weights are dequantized once at
// load time.
func LoadQuantized(path string, cfg engine.ModelConfig) (*Runner, error) {
	g, err := readGraph(path)
	if err != nil {
		return nil, err
	}
	if g.Quantization == None || len(g.Weights) == 0 {
		return nil, fmt.Errorf("%s is not a quantized artifact: %w", path, ErrMalformedGraph)
	}
	model, err := modelFor(g, cfg)
	if err != nil {
		return nil, err
	}
	values := make(map[string]*tensor.Tensor, len(g.Weights))
	for _, w := range g.Weights {
		t, err := w.Dequantize()
		if err != nil {
			return nil, err
		}
		values[w.Name] = t
	}
	if err := model.LoadWeights(values); err != nil {
		return nil, fmt.Errorf("failed to load quantized weights: %w", err)
	}
	return newRunner(g, model)
}

// ParityReport summarizes a parity check.
type ParityReport struct {
	Inputs     int
	MaxAbsDiff float64
	Tolerance  float64
}

// CheckParity runs infer on both runners for every input. It fails with ErrParity when
// any output differs by more than tol.
func CheckParity(src, dst *Runner, inputs []*tensor.Tensor, tol float64) (ParityReport, error) {
	report := ParityReport{Tolerance: tol}
	if len(inputs) == 0 {
		return report, fmt.Errorf("parity check needs at least one input")
	}
	for i, x := range inputs {
		want, err := src.Infer(x)
		if err != nil {
			return report, fmt.Errorf("source infer on input %d: %w", i, err)
		}
		got, err := dst.Infer(x)
		if err != nil {
			return report, fmt.Errorf("converted infer on input %d: %w", i, err)
		}
		d, err := tensor.MaxAbsDiff(want, got)
		if err != nil {
			return report, err
		}
		report.MaxAbsDiff = math.Max(report.MaxAbsDiff, d)
		if math.IsNaN(d) {
			report.MaxAbsDiff = d
		}
		report.Inputs++
	}
	if !(report.MaxAbsDiff <= tol) {
		return report, fmt.Errorf("max abs diff %g exceeds tolerance %g: %w", report.MaxAbsDiff, tol, ErrParity)
	}
	return report, nil
}

func modelFor(g *Graph, cfg engine.ModelConfig) (*engine.Model, error) {
	spec, err := g.ModelSpec()
	if err != nil {
		return nil, err
	}
	return engine.NewModelFromSpec(spec, cfg)
}

func readGraph(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph: %w", err)
	}
	g, err := UnmarshalGraph(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// writeFile replaces path only once the new content is fully written.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
