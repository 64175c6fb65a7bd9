package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/tensor"
)

// ErrWeightNotFound is returned when a checkpoint lacks a weight the model declares.
var ErrWeightNotFound = errors.New("weight not found")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatSQLite
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatSQLite:
		return "SQLite"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration value ("json", "sqlite") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "", "sqlite", "db":
		return FormatSQLite, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath picks a format from the file extension, defaulting to SQLite.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatSQLite
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec     *layers.ModelSpec `json:"model_spec,omitempty"`
	SchemaVersion int               `json:"schema_version"`
	Weights       []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// Tensor copies the weight into a new tensor.
func (w WeightTensor) Tensor() (*tensor.Tensor, error) {
	data := make([]float32, len(w.Data))
	copy(data, w.Data)
	t, err := tensor.NewTensor(w.Shape, data)
	if err != nil {
		return nil, fmt.Errorf("weight %s: %w", w.Name, err)
	}
	return t, nil
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Weight returns the named weight.
func (c *Checkpoint) Weight(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// Select returns the named weights, failing on the first name that is absent.
func (c *Checkpoint) Select(names []string) (map[string]WeightTensor, error) {
	index := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		index[w.Name] = w
	}
	out := make(map[string]WeightTensor, len(names))
	for _, name := range names {
		w, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrWeightNotFound)
		}
		out[name] = w
	}
	return out, nil
}

// Tensors selects names like Select and converts each weight to a tensor.
func (c *Checkpoint) Tensors(names []string) (map[string]*tensor.Tensor, error) {
	selected, err := c.Select(names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*tensor.Tensor, len(selected))
	for name, w := range selected {
		t, err := w.Tensor()
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format reports the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint saves a complete model checkpoint, replacing any file at path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-vid2bp"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatSQLite:
		return saveSQLite(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatSQLite:
		return loadSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadWeights reads only the named weights. Every name is resolved before anything is
// returned, so a missing weight never yields a partial result.
func (cs *CheckpointSaver) LoadWeights(path string, names []string) (map[string]WeightTensor, error) {
	switch cs.format {
	case FormatJSON:
		ckpt, err := cs.loadJSON(path)
		if err != nil {
			return nil, err
		}
		return ckpt.Select(names)
	case FormatSQLite:
		return readSQLiteWeights(path, names)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format. Like saveSQLite it writes a temporary file
// and renames it over path once the encoding is complete.
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	return replaceFile(path, func(tmp string) error {
		file, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint file: %w", err)
		}
		defer file.Close()

		encoder := json.NewEncoder(file)
		encoder.SetIndent("", "  ") // Pretty print JSON

		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return file.Sync()
	})
}

// replaceFile lets write fill path+".tmp" and moves it over path only when write and
// every deferred close succeeded. The temporary file is removed on failure.
func replaceFile(path string, write func(tmp string) error) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}
