package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	doc := `{
  "params": {"save_root_path": "/data/preprocessed", "dataset_name": "UBFC"},
  "model_params": {"name": "DeepPhys"},
  "train": {"epochs": 3, "batch_size": 4, "shuffle": false}
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Params.DatasetName != "UBFC" {
		t.Errorf("Expected dataset UBFC, got %q", cfg.Params.DatasetName)
	}
	if cfg.Train.Epochs != 3 || cfg.Train.BatchSize != 4 {
		t.Errorf("Expected epochs 3 batch 4, got %d %d", cfg.Train.Epochs, cfg.Train.BatchSize)
	}
	if *cfg.Train.Shuffle {
		t.Error("Expected explicit shuffle=false to survive defaults")
	}
	if cfg.Train.LearningRate != 0.001 {
		t.Errorf("Expected default learning rate 0.001, got %v", cfg.Train.LearningRate)
	}

	want := filepath.Join("/data/preprocessed", "DeepPhys_UBFC_train.msgpack")
	if got := cfg.DatasetPath("train"); got != want {
		t.Errorf("Expected dataset path %q, got %q", want, got)
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
params:
  save_root_path: ./data
  dataset_name: PURE
  label: abp
device: cpu:0
checkpoint:
  format: json
export:
  quantization: float16
log:
  level: debug
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Params.Label != "abp" {
		t.Errorf("Expected label abp, got %q", cfg.Params.Label)
	}
	if filepath.Ext(cfg.Checkpoint.Path) != ".json" {
		t.Errorf("Expected a .json checkpoint path, got %q", cfg.Checkpoint.Path)
	}
	if cfg.Export.Quantization != "float16" {
		t.Errorf("Expected float16, got %q", cfg.Export.Quantization)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"epochs", cfg.Train.Epochs, 10},
		{"batch_size", cfg.Train.BatchSize, 1},
		{"seed", cfg.Train.Seed, int64(1)},
		{"shuffle", *cfg.Train.Shuffle, true},
		{"device", cfg.Device, "cpu"},
		{"frame rate", cfg.Params.FrameRate, 30.0},
		{"checkpoint format", cfg.Checkpoint.Format, "sqlite"},
		{"quantization", cfg.Export.Quantization, "int8"},
		{"parity tolerance", cfg.Export.ParityTolerance, 1e-2},
		{"log level", cfg.Log.Level, "info"},
		{"mode", cfg.Train.Mode, ModeFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"negative epochs", `train: {epochs: -1}`},
		{"unknown device", `device: tpu`},
		{"unknown label", `params: {label: ecg}`},
		{"format mismatch", `checkpoint: {path: model.json, format: sqlite}`},
		{"unknown quantization", `export: {quantization: int4}`},
		{"bad train ratio", `train: {train_ratio: 1.5}`},
		{"bad log level", `log: {level: verbose}`},
		{"negative frame rate", `params: {frame_rate: -30}`},
		{"malformed", `train: [`},
		{"unknown mode", `train: {mode: finetune}`},
		{"transfer without base", `train: {mode: transfer}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Errorf("Expected error for %s", tt.doc)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestParseTransfer(t *testing.T) {
	doc := `
params:
  split_root: ./splits
  frames_dir: ./frames
train:
  mode: transfer
  base_checkpoint: checkpoints/DeepPhys.db
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Train.Mode != ModeTransfer || cfg.Train.BaseCheckpoint != "checkpoints/DeepPhys.db" {
		t.Errorf("Expected transfer from checkpoints/DeepPhys.db, got %q from %q", cfg.Train.Mode, cfg.Train.BaseCheckpoint)
	}
	if cfg.Params.SplitRoot != "./splits" || cfg.Params.FramesDir != "./frames" {
		t.Errorf("Expected split and frame dirs, got %q and %q", cfg.Params.SplitRoot, cfg.Params.FramesDir)
	}
}

func TestApplyDefaultsHandBuilt(t *testing.T) {
	shuffle := false
	cfg := &Config{Train: Train{Epochs: 2, Shuffle: &shuffle}}
	cfg.ApplyDefaults()
	cfg.ApplyDefaults()

	if cfg.Train.Epochs != 2 || *cfg.Train.Shuffle {
		t.Errorf("Expected explicit fields to survive, got epochs %d shuffle %v", cfg.Train.Epochs, *cfg.Train.Shuffle)
	}
	if cfg.Train.BatchSize != 1 || cfg.Device != "cpu" || cfg.Checkpoint.Format != "sqlite" {
		t.Errorf("Expected defaults to fill the rest, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid config, got %v", err)
	}
}
