package engine

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/deepphys"
	"github.com/tsawler/go-vid2bp/tensor"
)

func newTestModel(t *testing.T, seed int64) *Model {
	t.Helper()
	m, err := NewModel(ModelConfig{Device: tensor.Device{Type: tensor.CPU}, Seed: seed, LearningRate: 1e-3})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	return m
}

func framePairs(t *testing.T, n int, seed int64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform([]int{n, 36, 36, 6}, 0, 1, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func sameWeights(t *testing.T, want, got map[string]*tensor.Tensor) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("Expected %d weights, got %d", len(want), len(got))
	}
	for name, w := range want {
		g, ok := got[name]
		if !ok {
			t.Fatalf("Missing weight %s", name)
		}
		for i := range w.Data {
			if math.Float32bits(w.Data[i]) != math.Float32bits(g.Data[i]) {
				t.Fatalf("%s[%d]: expected %v, got %v", name, i, w.Data[i], g.Data[i])
			}
		}
	}
}

func TestInfer(t *testing.T) {
	m := newTestModel(t, 1)

	out, err := m.Infer(framePairs(t, 1, 2))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{1, 1}) {
		t.Fatalf("Expected output shape [1 1], got %v", out.Shape)
	}
	if err := out.CheckFinite(); err != nil {
		t.Errorf("Expected finite output: %v", err)
	}

	bad := tensor.MustNew([]int{1, 36, 36, 3}, nil)
	if _, err := m.Infer(bad); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 3 channels, got %v", err)
	}
}

func TestTrainDecreasesLoss(t *testing.T) {
	m := newTestModel(t, 7)
	x := framePairs(t, 2, 11)
	y := tensor.MustNew([]int{2, 1}, []float32{0.1, -0.2})

	first, err := m.Train(x, y)
	if err != nil {
		t.Fatalf("First train step failed: %v", err)
	}
	second, err := m.Train(x, y)
	if err != nil {
		t.Fatalf("Second train step failed: %v", err)
	}
	if second.Loss >= first.Loss {
		t.Errorf("Expected loss to decrease, got %v then %v", first.Loss, second.Loss)
	}
	if m.Steps() != 2 {
		t.Errorf("Expected 2 steps, got %d", m.Steps())
	}

	// labels of shape (b,) are rejected rather than broadcast
	if _, err := m.Train(x, tensor.MustNew([]int{2}, []float32{0.1, -0.2})); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for rank-1 labels, got %v", err)
	}
}

func TestInferDoesNotMutateWeights(t *testing.T) {
	m := newTestModel(t, 3)
	before, _ := m.Weights()
	if _, err := m.Infer(framePairs(t, 2, 4)); err != nil {
		t.Fatal(err)
	}
	after, _ := m.Weights()
	sameWeights(t, before, after)
}

func TestSaveRestore(t *testing.T) {
	for _, file := range []string{"model.db", "model.json"} {
		t.Run(file, func(t *testing.T) {
			m := newTestModel(t, 5)
			y := tensor.MustNew([]int{1, 1}, []float32{0.3})
			if _, err := m.Train(framePairs(t, 1, 6), y); err != nil {
				t.Fatal(err)
			}
			before, _ := m.Weights()

			path := filepath.Join(t.TempDir(), file)
			got, err := m.Save(path)
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if got != path {
				t.Errorf("Expected checkpoint path %s, got %s", path, got)
			}

			restored, err := m.Restore(path)
			if err != nil {
				t.Fatalf("Restore failed: %v", err)
			}
			sameWeights(t, before, restored)
			after, _ := m.Weights()
			sameWeights(t, before, after)

			// a differently seeded model takes on the saved weights
			other := newTestModel(t, 99)
			if _, err := other.Restore(path); err != nil {
				t.Fatal(err)
			}
			otherWeights, _ := other.Weights()
			sameWeights(t, before, otherWeights)
		})
	}
}

func TestRestoreResumesOptimizer(t *testing.T) {
	x := framePairs(t, 2, 8)
	y := tensor.MustNew([]int{2, 1}, []float32{0.2, -0.4})

	m := newTestModel(t, 5)
	for i := 0; i < 2; i++ {
		if _, err := m.Train(x, y); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "resume.db")
	if _, err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	resumed := newTestModel(t, 77)
	if _, err := resumed.Restore(path); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if resumed.Steps() != 2 {
		t.Errorf("Expected 2 steps after restore, got %d", resumed.Steps())
	}

	// with warm Adam moments the next update matches the original model bit for bit
	if _, err := m.Train(x, y); err != nil {
		t.Fatal(err)
	}
	if _, err := resumed.Train(x, y); err != nil {
		t.Fatal(err)
	}
	want, _ := m.Weights()
	got, _ := resumed.Weights()
	sameWeights(t, want, got)
}

func TestRestoreMissingWeight(t *testing.T) {
	src := newTestModel(t, 1)
	path := filepath.Join(t.TempDir(), "src.db")
	if _, err := src.Save(path); err != nil {
		t.Fatal(err)
	}

	// drop one weight from the checkpoint
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatSQLite)
	ckpt, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	const dropped = "appearance/attention2/bias"
	kept := ckpt.Weights[:0]
	for _, w := range ckpt.Weights {
		if w.Name != dropped {
			kept = append(kept, w)
		}
	}
	ckpt.Weights = kept
	partial := filepath.Join(t.TempDir(), "partial.db")
	if err := saver.SaveCheckpoint(ckpt, partial); err != nil {
		t.Fatal(err)
	}

	dst := newTestModel(t, 2)
	before, _ := dst.Weights()
	_, err = dst.Restore(partial)
	if !errors.Is(err, checkpoints.ErrWeightNotFound) {
		t.Fatalf("Expected ErrWeightNotFound, got %v", err)
	}
	after, _ := dst.Weights()
	sameWeights(t, before, after)
}

func TestModelBusy(t *testing.T) {
	m := newTestModel(t, 1)
	m.guard.Lock()
	_, inferErr := m.Infer(framePairs(t, 1, 1))
	_, saveErr := m.Save(filepath.Join(t.TempDir(), "busy.db"))
	_, restoreErr := m.Restore("unused")
	_, trainErr := m.Train(framePairs(t, 1, 1), tensor.MustNew([]int{1, 1}, nil))
	m.guard.Unlock()

	for name, err := range map[string]error{"infer": inferErr, "save": saveErr, "restore": restoreErr, "train": trainErr} {
		if !errors.Is(err, ErrModelBusy) {
			t.Errorf("%s: expected ErrModelBusy, got %v", name, err)
		}
	}
	if _, err := m.Infer(framePairs(t, 1, 1)); err != nil {
		t.Errorf("Expected model to be usable after release, got %v", err)
	}
}

func TestDeviceSelection(t *testing.T) {
	_, err := NewModel(ModelConfig{Device: tensor.Device{Type: tensor.GPU}})
	if !errors.Is(err, tensor.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if _, err := NewModel(ModelConfig{Optimizer: "lbfgs"}); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}

func TestLoadWeights(t *testing.T) {
	m := newTestModel(t, 1)
	w, _ := m.Weights()
	w["head/dense2/bias"].Data[0] = 0.75
	if err := m.LoadWeights(w); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Weights()
	if got["head/dense2/bias"].Data[0] != 0.75 {
		t.Errorf("Expected bias 0.75, got %v", got["head/dense2/bias"].Data[0])
	}

	delete(w, "head/dense1/kernel")
	if err := m.LoadWeights(w); !errors.Is(err, checkpoints.ErrWeightNotFound) {
		t.Errorf("Expected ErrWeightNotFound, got %v", err)
	}
	w["head/dense1/kernel"] = tensor.MustNew([]int{2, 2}, nil)
	if err := m.LoadWeights(w); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if m.Spec().SchemaVersion != deepphys.SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", deepphys.SchemaVersion, m.Spec().SchemaVersion)
	}
}
