package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/deepphys"
	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/optimizer"
	"github.com/tsawler/go-vid2bp/tensor"
	"github.com/tsawler/go-vid2bp/training"
)

// ErrModelBusy is returned when an operation is attempted while another one is still
// running on the same model.
var ErrModelBusy = errors.New("model busy: another operation is in progress")

// TrainResult is the outcome of one training step.
type TrainResult = training.StepResult

// ModelConfig holds everything needed to construct a model. There are no process-wide
// defaults; every field is read explicitly.
type ModelConfig struct {
	Device       tensor.Device
	Seed         int64
	LearningRate float32 // 0 selects the optimizer default
	Optimizer    string  // "adam" (default) or "sgd"
	RunID        string  // recorded in checkpoint metadata
	Logger       *slog.Logger
}

func (cfg ModelConfig) logger() *slog.Logger {
	if cfg.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.Logger
}

func (cfg ModelConfig) newOptimizer() (optimizer.Optimizer, error) {
	lr := cfg.LearningRate
	if lr == 0 {
		lr = optimizer.DefaultAdamConfig().LearningRate
	}
	return optimizer.New(cfg.Optimizer, lr)
}

// Model wraps a DeepPhys network with its optimizer and exposes the four lifecycle
// operations. Operations are mutually exclusive: a call made while another is running
// fails with ErrModelBusy instead of waiting.
type Model struct {
	guard   sync.Mutex
	net     *deepphys.Network
	weights *weightSet
	opt     optimizer.Optimizer
	loss    *training.MSELoss
	cfg     ModelConfig
	log     *slog.Logger
	steps   int
}

// NewModel builds a freshly initialized DeepPhys model.
func NewModel(cfg ModelConfig) (*Model, error) {
	spec, err := deepphys.Schema()
	if err != nil {
		return nil, err
	}
	return NewModelFromSpec(spec, cfg)
}

// NewModelFromSpec builds a model over a compiled graph, for example one read back from
// an exported artifact.
func NewModelFromSpec(spec *layers.ModelSpec, cfg ModelConfig) (*Model, error) {
	if err := cfg.Device.CheckAvailable(); err != nil {
		return nil, err
	}
	net, err := deepphys.Build(spec, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	ws, err := newWeightSet(net)
	if err != nil {
		return nil, err
	}
	opt, err := cfg.newOptimizer()
	if err != nil {
		return nil, err
	}
	return &Model{
		net:     net,
		weights: ws,
		opt:     opt,
		loss:    training.NewMSELoss("mean"),
		cfg:     cfg,
		log:     cfg.logger(),
	}, nil
}

func (m *Model) acquire() error {
	if !m.guard.TryLock() {
		return ErrModelBusy
	}
	return nil
}

// Spec returns the compiled graph the model executes.
func (m *Model) Spec() *layers.ModelSpec { return m.net.Spec() }

// Device reports the device the model was placed on.
func (m *Model) Device() tensor.Device { return m.cfg.Device }

// Train runs one forward pass, one backward pass and one optimizer step on the batch.
func (m *Model) Train(x, y *tensor.Tensor) (TrainResult, error) {
	if err := m.acquire(); err != nil {
		return TrainResult{}, err
	}
	defer m.guard.Unlock()

	pred, err := m.net.Forward(x)
	if err != nil {
		return TrainResult{}, err
	}
	loss, err := m.loss.Forward(pred, y)
	if err != nil {
		return TrainResult{}, fmt.Errorf("labels: %w", err)
	}
	dOut, err := m.loss.Backward(pred, y)
	if err != nil {
		return TrainResult{}, err
	}
	m.net.ZeroGrad()
	if _, err := m.net.Backward(dOut); err != nil {
		return TrainResult{}, err
	}
	if err := m.opt.Step(m.net.Params()); err != nil {
		return TrainResult{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	m.steps++
	return TrainResult{Loss: loss}, nil
}

// Infer runs the forward pass only. Weights are not modified.
func (m *Model) Infer(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.guard.Unlock()
	return m.net.Forward(x)
}

// Save writes every schema weight, in schema order, together with the optimizer state.
// The format follows the file extension: ".json" for JSON, anything else for SQLite.
// Callers must not read the same path while it is being written.
func (m *Model) Save(path string) (string, error) {
	if err := m.acquire(); err != nil {
		return "", err
	}
	defer m.guard.Unlock()

	ckpt := &checkpoints.Checkpoint{
		ModelSpec:     m.net.Spec(),
		SchemaVersion: m.net.Spec().SchemaVersion,
		Weights:       m.weights.snapshot(),
		TrainingState: checkpoints.TrainingState{
			Step:         m.steps,
			TotalSteps:   m.steps,
			LearningRate: m.cfg.LearningRate,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-vid2bp",
			CreatedAt: time.Now().UTC(),
			RunID:     m.cfg.RunID,
		},
	}
	state, err := m.opt.GetState()
	if err != nil {
		return "", fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	ckpt.OptimizerState = state.ToCheckpoint()

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", err
	}
	m.log.Debug("checkpoint saved", "path", path, "weights", len(ckpt.Weights), "format", saver.Format())
	return path, nil
}

// Restore reads every schema weight from path and assigns them in place, together with
// the optimizer state and step count when the checkpoint carries them. All names are
// resolved before anything is touched, so a checkpoint missing an entry fails with
// checkpoints.ErrWeightNotFound and leaves the model unchanged.
func (m *Model) Restore(path string) (map[string]*tensor.Tensor, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.guard.Unlock()

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	ckpt, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	values, err := ckpt.Tensors(m.weights.names())
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}

	// the state is loaded into a fresh optimizer so a bad state leaves m.opt untouched
	opt, err := m.restoreOptimizer(ckpt.OptimizerState)
	if err != nil {
		return nil, fmt.Errorf("restore %s: optimizer state: %w", path, err)
	}
	if err := m.weights.assign(values); err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	m.opt = opt
	m.steps = ckpt.TrainingState.Step
	m.log.Debug("checkpoint restored", "path", path, "weights", len(values), "step", m.steps)
	return m.weights.values(), nil
}

// restoreOptimizer returns a new optimizer loaded from saved, or the current one when
// nothing was saved or the saved state belongs to a different optimizer type.
func (m *Model) restoreOptimizer(saved *checkpoints.OptimizerState) (optimizer.Optimizer, error) {
	if saved == nil {
		return m.opt, nil
	}
	current, err := m.opt.GetState()
	if err != nil {
		return nil, err
	}
	if current.Type != saved.Type {
		m.log.Warn("optimizer state not restored", "saved", saved.Type, "configured", current.Type)
		return m.opt, nil
	}
	opt, err := m.cfg.newOptimizer()
	if err != nil {
		return nil, err
	}
	if err := opt.LoadState(optimizer.FromCheckpoint(saved)); err != nil {
		return nil, err
	}
	return opt, nil
}

// Weights returns a copy of every weight keyed by schema name.
func (m *Model) Weights() (map[string]*tensor.Tensor, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.guard.Unlock()
	return m.weights.values(), nil
}

// LoadWeights replaces every weight from values. It fails without modifying anything
// when a schema name is missing or has the wrong shape.
func (m *Model) LoadWeights(values map[string]*tensor.Tensor) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.guard.Unlock()
	return m.weights.assign(values)
}

// Steps reports how many optimizer steps the model has taken.
func (m *Model) Steps() int {
	m.guard.Lock()
	defer m.guard.Unlock()
	return m.steps
}
