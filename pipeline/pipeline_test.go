package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/config"
	"github.com/tsawler/go-vid2bp/dataset"
	"github.com/tsawler/go-vid2bp/export"
	"github.com/tsawler/go-vid2bp/tensor"
)

// testConfig writes a small synthetic video container and returns a config that
// keeps every output under a temporary directory.
func testConfig(t *testing.T, samples int) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Params.SaveRootPath = dir
	cfg.Params.DatasetName = "synthetic"
	cfg.Train.Epochs = 1
	cfg.Train.BatchSize = 2
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoints", "deepphys.db")
	cfg.Export.Dir = filepath.Join(dir, "bundle")
	cfg.Export.QuantizedPath = filepath.Join(dir, "deepphys.quant.pb")
	cfg.Export.Quantization = "float16"
	cfg.Export.ParitySamples = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}

	writeVideo(t, cfg.DatasetPath("train"), samples)
	return cfg
}

// writeVideo stores samples random frame pairs with small sinusoidal labels at path.
func writeVideo(t *testing.T, path string, samples int) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	frames, err := tensor.RandomUniform([]int{samples, dataset.FrameHeight, dataset.FrameWidth, dataset.FrameChannels}, 0, 1, rng)
	if err != nil {
		t.Fatalf("Failed to create frames: %v", err)
	}
	labels := make([]float32, samples)
	for i := range labels {
		labels[i] = float32(math.Sin(float64(i))) * 0.1
	}
	file, err := dataset.VideoFile("subject1", frames, labels)
	if err != nil {
		t.Fatalf("Failed to build container: %v", err)
	}
	if err := dataset.Write(path, file); err != nil {
		t.Fatalf("Failed to write container: %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("Metric %s not registered", name)
	return 0
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, 10)
	reg := prometheus.NewRegistry()

	res, err := New(cfg, slog.New(slog.DiscardHandler), reg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.RunID == "" {
		t.Error("Expected a run id")
	}
	if len(res.History) != 1 {
		t.Fatalf("Expected 1 epoch of history, got %d", len(res.History))
	}
	// 8 training samples in batches of 2
	if res.History[0].BatchCount != 4 {
		t.Errorf("Expected 4 batches, got %d", res.History[0].BatchCount)
	}
	if got := counterValue(t, reg, "deepphys_train_steps_total"); got != 4 {
		t.Errorf("Expected 4 steps counted, got %v", got)
	}

	for _, path := range []string{
		res.CheckpointPath,
		filepath.Join(res.ExportDir, export.GraphFile),
		filepath.Join(res.ExportDir, export.VariablesFile),
		res.QuantizedPath,
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s to exist: %v", path, err)
		}
	}
	if res.Parity.Inputs != 2 {
		t.Errorf("Expected 2 parity inputs, got %d", res.Parity.Inputs)
	}
	if res.Parity.MaxAbsDiff > cfg.Export.ParityTolerance {
		t.Errorf("Expected parity within %v, got %v", cfg.Export.ParityTolerance, res.Parity.MaxAbsDiff)
	}
	// two validation samples cannot resolve the heart-rate band
	if res.HeartRate != nil {
		t.Errorf("Expected no heart rate for a short split, got %+v", res.HeartRate)
	}
	if res.Test != nil {
		t.Error("Expected no test metrics without a test container")
	}
	if res.Mode != config.ModeFull || res.Ingest != nil || res.Signals != nil {
		t.Errorf("Expected a plain full run, got mode %q ingest %v signals %v", res.Mode, res.Ingest, res.Signals)
	}
}

func TestRunHandBuiltConfig(t *testing.T) {
	dir := t.TempDir()
	splits := filepath.Join(dir, "splits")
	writeWaveformSplits(t, splits, 2, 300)

	// no defaults applied, Shuffle stays nil
	cfg := &config.Config{
		Params:     config.Params{SaveRootPath: dir, DatasetName: "manual", SplitRoot: splits, Label: "abp"},
		Train:      config.Train{Epochs: 1, BatchSize: 4},
		Checkpoint: config.Checkpoint{Path: filepath.Join(dir, "manual.db")},
		Export: config.Export{
			Dir:           filepath.Join(dir, "bundle"),
			QuantizedPath: filepath.Join(dir, "manual.quant.pb"),
			Quantization:  "float16",
			ParitySamples: 1,
		},
	}
	writeVideo(t, filepath.Join(dir, "DeepPhys_manual_train.msgpack"), 5)

	res, err := New(cfg, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if cfg.Train.Shuffle != nil {
		t.Error("Expected the caller's config to be left as is")
	}
	if res.History[0].BatchCount != 1 {
		t.Errorf("Expected 1 batch, got %d", res.History[0].BatchCount)
	}
	if res.Signals == nil || res.Signals.Rows != 2 {
		t.Fatalf("Expected a signal report over 2 rows, got %+v", res.Signals)
	}
	if bin := 30.0 / 512 * 60; res.Signals.MAE > 2*bin {
		t.Errorf("Expected input and label rates within two bins, got MAE %v", res.Signals.MAE)
	}
}

func TestRunTransfer(t *testing.T) {
	cfg := testConfig(t, 10)
	base, err := New(cfg, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Base run failed: %v", err)
	}

	transfer := *cfg
	transfer.Train.Mode = config.ModeTransfer
	transfer.Train.BaseCheckpoint = base.CheckpointPath
	transfer.Checkpoint.Path = filepath.Join(filepath.Dir(base.CheckpointPath), "transfer.db")
	transfer.Export.Dir = filepath.Join(t.TempDir(), "unused")

	res, err := New(&transfer, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Transfer run failed: %v", err)
	}
	if res.Mode != config.ModeTransfer {
		t.Errorf("Expected mode %s, got %s", config.ModeTransfer, res.Mode)
	}
	if len(res.History) != 1 || res.History[0].BatchCount != 4 {
		t.Errorf("Expected 1 epoch of 4 batches, got %+v", res.History)
	}
	if res.ExportDir != "" || res.QuantizedPath != "" {
		t.Errorf("Expected no export in transfer mode, got %q and %q", res.ExportDir, res.QuantizedPath)
	}
	if _, err := os.Stat(transfer.Export.Dir); !os.IsNotExist(err) {
		t.Errorf("Expected no bundle directory, got %v", err)
	}

	// the base is frozen, its weights are saved unchanged
	names := []string{"motion/conv1/kernel", "appearance/attention2/bias"}
	want, err := checkpoints.NewCheckpointSaver(checkpoints.FormatSQLite).LoadWeights(base.CheckpointPath, names)
	if err != nil {
		t.Fatal(err)
	}
	got, err := checkpoints.NewCheckpointSaver(checkpoints.FormatSQLite).LoadWeights(res.CheckpointPath, names)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		for i, v := range want[name].Data {
			if got[name].Data[i] != v {
				t.Fatalf("%s[%d]: expected %v, got %v", name, i, v, got[name].Data[i])
			}
		}
	}

	missing := transfer
	missing.Train.BaseCheckpoint = filepath.Join(t.TempDir(), "absent.db")
	if _, err := New(&missing, nil, nil).Run(context.Background()); err == nil {
		t.Error("Expected error for a missing base checkpoint")
	}
}

func TestRunImportsFrames(t *testing.T) {
	cfg := testConfig(t, 2)
	frameDir := t.TempDir()
	writeFrames(t, frameDir, 10)
	cfg.Params.FramesDir = frameDir
	cfg.Params.DatasetName = "imported"
	cfg.Export.ParitySamples = 1

	res, err := New(cfg, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Ingest == nil || res.Ingest.Frames != 10 || res.Ingest.Pairs != 9 {
		t.Fatalf("Expected 10 frames imported as 9 pairs, got %+v", res.Ingest)
	}
	if _, err := os.Stat(cfg.DatasetPath("train")); err != nil {
		t.Errorf("Expected imported container: %v", err)
	}

	// an existing container is not rebuilt
	again, err := New(cfg, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Ingest != nil {
		t.Errorf("Expected no import on the second run, got %+v", again.Ingest)
	}
}

func TestRunRejectsParityFailure(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.Train.TrainRatio = 0.5
	cfg.Export.Quantization = "int8"
	cfg.Export.ParityTolerance = 1e-12

	_, err := New(cfg, nil, nil).Run(context.Background())
	if !errors.Is(err, export.ErrParity) {
		t.Fatalf("Expected ErrParity, got %v", err)
	}
	if _, err := os.Stat(cfg.Export.QuantizedPath); !os.IsNotExist(err) {
		t.Errorf("Expected rejected artifact to be removed, got %v", err)
	}
}

func TestRunMissingDataset(t *testing.T) {
	cfg := config.Default()
	cfg.Params.SaveRootPath = t.TempDir()
	cfg.Params.DatasetName = "absent"

	_, err := New(cfg, nil, nil).Run(context.Background())
	if !errors.Is(err, dataset.ErrDatasetUnavailable) {
		t.Errorf("Expected ErrDatasetUnavailable, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.Train.TrainRatio = 0.5
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg, nil, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(cfg.Checkpoint.Path); !os.IsNotExist(err) {
		t.Errorf("Expected no checkpoint after cancellation, got %v", err)
	}
}

func TestHeartRateFromDeltas(t *testing.T) {
	fs := 30.0
	n := 300
	pulse := make([]float64, n+1)
	for i := range pulse {
		pulse[i] = math.Sin(2*math.Pi*1.2*float64(i)/fs) + 0.01*float64(i)
	}
	deltas := make([]float64, n)
	for i := range deltas {
		deltas[i] = pulse[i+1] - pulse[i]
	}

	bpm, err := HeartRateFromDeltas(deltas, fs)
	if err != nil {
		t.Fatalf("HeartRateFromDeltas failed: %v", err)
	}
	bin := fs / 512 * 60
	if math.Abs(bpm-72) > bin {
		t.Errorf("Expected about 72 bpm, got %v", bpm)
	}
}
