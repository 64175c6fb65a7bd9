package checkpoints

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-vid2bp/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model, err := layers.NewModelBuilder("test", 1, []int{8}).
		AddDense("dense1", layers.Input, 4).
		AddDense("output", "dense1", 1).
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}

	ckpt := &Checkpoint{
		ModelSpec:     model,
		SchemaVersion: 1,
		Weights: []WeightTensor{
			{Name: "dense1/kernel", Shape: []int{8, 4}, Data: make([]float32, 32), Layer: "dense1", Type: "kernel"},
			{Name: "dense1/bias", Shape: []int{4}, Data: make([]float32, 4), Layer: "dense1", Type: "bias"},
			{Name: "output/kernel", Shape: []int{4, 1}, Data: make([]float32, 4), Layer: "output", Type: "kernel"},
			{Name: "output/bias", Shape: []int{1}, Data: []float32{-0.125}, Layer: "output", Type: "bias"},
		},
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         300,
			LearningRate: 0.001,
			BestLoss:     0.25,
			TotalSteps:   300,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"learning_rate": 0.001, "step_count": 300},
			StateData: []OptimizerTensor{
				{Name: "m:output/bias", Shape: []int{1}, Data: []float32{0.5}, StateType: "momentum"},
				{Name: "v:output/bias", Shape: []int{1}, Data: []float32{0.25}, StateType: "variance"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-vid2bp",
			CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Description: "Test checkpoint",
			Tags:        []string{"test"},
		},
	}
	// values chosen to be awkward in decimal
	for i := range ckpt.Weights[0].Data {
		ckpt.Weights[0].Data[i] = float32(math.Sin(float64(i))) / 3
	}
	for i := range ckpt.Weights[1].Data {
		ckpt.Weights[1].Data[i] = float32(i) * 0.1
	}
	ckpt.Weights[2].Data[1] = float32(math.SmallestNonzeroFloat32)
	return ckpt
}

func TestCheckpointRoundTrip(t *testing.T) {
	formats := []struct {
		format CheckpointFormat
		file   string
	}{
		{FormatJSON, "ckpt.json"},
		{FormatSQLite, "ckpt.db"},
	}

	for _, f := range formats {
		t.Run(f.format.String(), func(t *testing.T) {
			ckpt := testCheckpoint(t)
			path := filepath.Join(t.TempDir(), "nested", f.file)
			saver := NewCheckpointSaver(f.format)

			if err := saver.SaveCheckpoint(ckpt, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			// saving twice overwrites
			if err := saver.SaveCheckpoint(ckpt, path); err != nil {
				t.Fatalf("Failed to overwrite checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.SchemaVersion != 1 {
				t.Errorf("Expected schema version 1, got %d", loaded.SchemaVersion)
			}
			if loaded.TrainingState.Epoch != 3 || loaded.TrainingState.BestLoss != 0.25 {
				t.Errorf("Training state mismatch: %+v", loaded.TrainingState)
			}
			if loaded.ModelSpec == nil || loaded.ModelSpec.Name != "test" {
				t.Errorf("Expected model spec to survive, got %+v", loaded.ModelSpec)
			}
			if len(loaded.Weights) != len(ckpt.Weights) {
				t.Fatalf("Expected %d weights, got %d", len(ckpt.Weights), len(loaded.Weights))
			}
			for i, w := range ckpt.Weights {
				got := loaded.Weights[i]
				if got.Name != w.Name || got.Layer != w.Layer || got.Type != w.Type {
					t.Errorf("Weight %d metadata mismatch: %+v", i, got)
				}
				for j := range w.Data {
					if math.Float32bits(got.Data[j]) != math.Float32bits(w.Data[j]) {
						t.Errorf("%s[%d]: expected %v, got %v", w.Name, j, w.Data[j], got.Data[j])
					}
				}
			}

			if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "Adam" {
				t.Fatalf("Expected Adam optimizer state, got %+v", loaded.OptimizerState)
			}
			if len(loaded.OptimizerState.StateData) != 2 || loaded.OptimizerState.StateData[1].Data[0] != 0.25 {
				t.Errorf("Optimizer tensors mismatch: %+v", loaded.OptimizerState.StateData)
			}
			if !loaded.Metadata.CreatedAt.Equal(ckpt.Metadata.CreatedAt) {
				t.Errorf("Expected created at %v, got %v", ckpt.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
		})
	}
}

func TestSaveReplacesFile(t *testing.T) {
	for _, f := range []struct {
		format CheckpointFormat
		file   string
	}{
		{FormatJSON, "ckpt.json"},
		{FormatSQLite, "ckpt.db"},
	} {
		t.Run(f.format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), f.file)
			saver := NewCheckpointSaver(f.format)

			first := testCheckpoint(t)
			if err := saver.SaveCheckpoint(first, path); err != nil {
				t.Fatal(err)
			}
			second := testCheckpoint(t)
			second.Weights[3].Data[0] = 0.625
			if err := saver.SaveCheckpoint(second, path); err != nil {
				t.Fatal(err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatal(err)
			}
			if got := loaded.Weights[3].Data[0]; got != 0.625 {
				t.Errorf("Expected the second checkpoint, got output/bias %v", got)
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Errorf("Expected no temporary file, got %v", err)
			}
		})
	}

	// a failed JSON encode keeps the previous file
	path := filepath.Join(t.TempDir(), "ckpt.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(testCheckpoint(t), path); err != nil {
		t.Fatal(err)
	}
	bad := testCheckpoint(t)
	bad.Weights[3].Data[0] = float32(math.NaN())
	if err := saver.SaveCheckpoint(bad, path); err == nil {
		t.Fatal("Expected error encoding NaN")
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Expected previous checkpoint to survive, got %v", err)
	}
	if got := loaded.Weights[3].Data[0]; got != -0.125 {
		t.Errorf("Expected output/bias -0.125, got %v", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Expected no temporary file, got %v", err)
	}
}

func TestLoadWeights(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatSQLite} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "weights")
			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(testCheckpoint(t), path); err != nil {
				t.Fatal(err)
			}

			got, err := saver.LoadWeights(path, []string{"output/bias", "dense1/bias"})
			if err != nil {
				t.Fatalf("LoadWeights failed: %v", err)
			}
			if len(got) != 2 || got["output/bias"].Data[0] != -0.125 {
				t.Errorf("Unexpected weights: %+v", got)
			}

			_, err = saver.LoadWeights(path, []string{"dense1/bias", "missing/kernel"})
			if !errors.Is(err, ErrWeightNotFound) {
				t.Fatalf("Expected ErrWeightNotFound, got %v", err)
			}
			if want := "missing/kernel: weight not found"; err.Error() != want {
				t.Errorf("Expected error %q, got %q", want, err.Error())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatSQLite} {
		saver := NewCheckpointSaver(format)
		if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "absent")); err == nil {
			t.Errorf("%s: expected error loading an absent checkpoint", format)
		}
	}
}

func TestWeightTensor(t *testing.T) {
	w := WeightTensor{Name: "w", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}}
	tt, err := w.Tensor()
	if err != nil {
		t.Fatal(err)
	}
	tt.Data[0] = 9
	if w.Data[0] != 1 {
		t.Error("Expected Tensor to copy weight data")
	}

	bad := WeightTensor{Name: "bad", Shape: []int{3}, Data: []float32{1}}
	if _, err := bad.Tensor(); err == nil {
		t.Error("Expected error for inconsistent weight")
	}
}

// TestCheckpointFormatString tests the String() method for CheckpointFormat
func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatSQLite, "SQLite"},
		{CheckpointFormat(999), "Unknown"}, // Invalid format
	}

	for _, test := range tests {
		result := test.format.String()
		if result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"sqlite", FormatSQLite, false},
		{"", FormatSQLite, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if FormatForPath("a/b.json") != FormatJSON || FormatForPath("a/b.db") != FormatSQLite {
		t.Error("FormatForPath picked the wrong format")
	}
}
