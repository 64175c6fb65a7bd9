// Package config loads the pipeline configuration from a JSON or YAML document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Params locates the dataset.
type Params struct {
	SaveRootPath string `yaml:"save_root_path"`
	DatasetName  string `yaml:"dataset_name"`
	// Label picks the target for split datasets, "ple" or "abp".
	Label string `yaml:"label"`
	// FrameRate is the video sampling rate in Hz used for heart-rate estimation.
	FrameRate float64 `yaml:"frame_rate"`
	// FramesDir holds frame images and their ppg.json. It is imported into the train
	// container when that container does not exist yet.
	FramesDir string `yaml:"frames_dir"`
	// SplitRoot holds train, val and test waveform containers for the signal report.
	SplitRoot string `yaml:"split_root"`
}

// ModelParams names the model.
type ModelParams struct {
	Name string `yaml:"name"`
}

// Training modes.
const (
	ModeFull     = "full"
	ModeTransfer = "transfer"
)

// Train holds training hyperparameters.
type Train struct {
	// Mode is "full" to train the whole network or "transfer" to train only a
	// regression head over the frozen base loaded from BaseCheckpoint.
	Mode           string `yaml:"mode"`
	BaseCheckpoint string `yaml:"base_checkpoint"`
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	LearningRate  float32 `yaml:"learning_rate"`
	Optimizer     string  `yaml:"optimizer"`
	Seed          int64   `yaml:"seed"`
	Shuffle       *bool   `yaml:"shuffle"`
	TrainRatio    float64 `yaml:"train_ratio"`
	EarlyStopping bool    `yaml:"early_stopping"`
	Patience      int     `yaml:"patience"`
}

// Checkpoint controls where weights are saved.
type Checkpoint struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// Export controls bundle export and conversion.
type Export struct {
	Dir             string  `yaml:"dir"`
	QuantizedPath   string  `yaml:"quantized_path"`
	Quantization    string  `yaml:"quantization"`
	ParityTolerance float64 `yaml:"parity_tolerance"`
	ParitySamples   int     `yaml:"parity_samples"`
}

// Log controls the logger.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the whole document.
type Config struct {
	Params      Params      `yaml:"params"`
	ModelParams ModelParams `yaml:"model_params"`
	Train       Train       `yaml:"train"`
	Device      string      `yaml:"device"`
	Checkpoint  Checkpoint  `yaml:"checkpoint"`
	Export      Export      `yaml:"export"`
	Log         Log         `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads path, applies defaults and validates the result. JSON documents are read
// by the YAML decoder.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyDefaults fills every unset field. It is idempotent, so configurations built by
// hand can be passed through it before use.
func (c *Config) ApplyDefaults() {
	if c.ModelParams.Name == "" {
		c.ModelParams.Name = "DeepPhys"
	}
	if c.Params.Label == "" {
		c.Params.Label = "ple"
	}
	if c.Params.FrameRate == 0 {
		c.Params.FrameRate = 30
	}
	if c.Train.Mode == "" {
		c.Train.Mode = ModeFull
	}
	if c.Train.Epochs == 0 {
		c.Train.Epochs = 10
	}
	if c.Train.BatchSize == 0 {
		c.Train.BatchSize = 1
	}
	if c.Train.LearningRate == 0 {
		c.Train.LearningRate = 0.001
	}
	if c.Train.Optimizer == "" {
		c.Train.Optimizer = "adam"
	}
	if c.Train.Seed == 0 {
		c.Train.Seed = 1
	}
	if c.Train.Shuffle == nil {
		shuffle := true
		c.Train.Shuffle = &shuffle
	}
	if c.Train.TrainRatio == 0 {
		c.Train.TrainRatio = 0.8
	}
	if c.Train.Patience == 0 {
		c.Train.Patience = 3
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.Checkpoint.Path == "" {
		ext := ".db"
		if c.Checkpoint.Format == "json" {
			ext = ".json"
		}
		c.Checkpoint.Path = filepath.Join("checkpoints", c.ModelParams.Name+ext)
	}
	if c.Checkpoint.Format == "" {
		c.Checkpoint.Format = formatFromPath(c.Checkpoint.Path)
	}
	if c.Export.Dir == "" {
		c.Export.Dir = filepath.Join("artifacts", c.ModelParams.Name)
	}
	if c.Export.QuantizedPath == "" {
		c.Export.QuantizedPath = filepath.Join("artifacts", c.ModelParams.Name+".quant.pb")
	}
	if c.Export.Quantization == "" {
		c.Export.Quantization = "int8"
	}
	if c.Export.ParityTolerance == 0 {
		c.Export.ParityTolerance = 1e-2
	}
	if c.Export.ParitySamples == 0 {
		c.Export.ParitySamples = 8
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "sqlite"
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Train.Epochs < 0 {
		return fmt.Errorf("train.epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize < 0 {
		return fmt.Errorf("train.batch_size must be positive, got %d", c.Train.BatchSize)
	}
	if c.Train.LearningRate < 0 {
		return fmt.Errorf("train.learning_rate must not be negative, got %g", c.Train.LearningRate)
	}
	if c.Params.FrameRate <= 0 {
		return fmt.Errorf("params.frame_rate must be positive, got %g", c.Params.FrameRate)
	}
	if c.Train.TrainRatio <= 0 || c.Train.TrainRatio >= 1 {
		return fmt.Errorf("train.train_ratio must be in (0, 1), got %g", c.Train.TrainRatio)
	}
	switch c.Train.Mode {
	case ModeFull:
	case ModeTransfer:
		if c.Train.BaseCheckpoint == "" {
			return fmt.Errorf("train.base_checkpoint is required in %s mode", ModeTransfer)
		}
	default:
		return fmt.Errorf("train.mode must be %s or %s, got %q", ModeFull, ModeTransfer, c.Train.Mode)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	switch c.Params.Label {
	case "ple", "abp":
	default:
		return fmt.Errorf("params.label must be ple or abp, got %q", c.Params.Label)
	}
	switch c.Checkpoint.Format {
	case "json", "sqlite":
	default:
		return fmt.Errorf("checkpoint.format must be json or sqlite, got %q", c.Checkpoint.Format)
	}
	if c.Checkpoint.Format != formatFromPath(c.Checkpoint.Path) {
		return fmt.Errorf("checkpoint.path %q does not match format %s", c.Checkpoint.Path, c.Checkpoint.Format)
	}
	switch c.Export.Quantization {
	case "int8", "float16":
	default:
		return fmt.Errorf("export.quantization must be int8 or float16, got %q", c.Export.Quantization)
	}
	if c.Export.ParityTolerance < 0 {
		return fmt.Errorf("export.parity_tolerance must not be negative, got %g", c.Export.ParityTolerance)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// DatasetPath returns the container for a split option such as "train" or "test":
// <save_root_path>/<model>_<dataset>_<option>.msgpack.
func (c *Config) DatasetPath(option string) string {
	name := fmt.Sprintf("%s_%s_%s.msgpack", c.ModelParams.Name, c.Params.DatasetName, option)
	return filepath.Join(c.Params.SaveRootPath, name)
}
