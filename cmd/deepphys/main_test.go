package main

import (
	"testing"

	"github.com/tsawler/go-vid2bp/config"
)

func TestOverridesApply(t *testing.T) {
	cfg := config.Default()
	overrides{}.apply(cfg)
	if cfg.Train.Mode != config.ModeFull || cfg.Params.FramesDir != "" {
		t.Errorf("Expected empty overrides to change nothing, got mode %q frames %q", cfg.Train.Mode, cfg.Params.FramesDir)
	}

	overrides{
		epochs:    4,
		batch:     8,
		device:    "cpu:0",
		framesDir: "frames",
		base:      "base.db",
		splitRoot: "splits",
	}.apply(cfg)

	if cfg.Train.Epochs != 4 || cfg.Train.BatchSize != 8 || cfg.Device != "cpu:0" {
		t.Errorf("Expected epochs 4 batch 8 device cpu:0, got %d %d %q", cfg.Train.Epochs, cfg.Train.BatchSize, cfg.Device)
	}
	if cfg.Train.Mode != config.ModeTransfer || cfg.Train.BaseCheckpoint != "base.db" {
		t.Errorf("Expected transfer from base.db, got %q from %q", cfg.Train.Mode, cfg.Train.BaseCheckpoint)
	}
	if cfg.Params.FramesDir != "frames" || cfg.Params.SplitRoot != "splits" {
		t.Errorf("Expected frames and splits dirs, got %q and %q", cfg.Params.FramesDir, cfg.Params.SplitRoot)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid config, got %v", err)
	}
}
