package optimizer

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/layers"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step applies one update to every parameter from its accumulated gradient
	Step(params []*layers.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam", "SGD"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // per-parameter moment tensors
}

// ToCheckpoint converts the state into its checkpoint representation.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// FromCheckpoint is the inverse of ToCheckpoint.
func FromCheckpoint(cs *checkpoints.OptimizerState) *OptimizerState {
	return &OptimizerState{Type: cs.Type, Parameters: cs.Parameters, StateData: cs.StateData}
}

// New creates an optimizer by name with the given learning rate and defaults elsewhere.
func New(name string, lr float32) (Optimizer, error) {
	switch name {
	case "", "adam", "Adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg), nil
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// stateName keys a moment tensor by its parameter, e.g. "m:head/dense1/kernel".
func stateName(prefix, param string) string {
	return prefix + ":" + param
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
