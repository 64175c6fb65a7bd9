package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/layers"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Velocity buffers keyed by parameter name (only if momentum > 0)
	MomentumBuffers map[string][]float32
	shapes          map[string][]int

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make(map[string][]float32),
		shapes:          make(map[string][]int),
	}
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*layers.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters to update")
	}
	sgd.StepCount++

	for _, p := range params {
		w := p.Value.Data
		g := p.Grad.Data
		var vel []float32
		if sgd.Momentum > 0 {
			var ok bool
			vel, ok = sgd.MomentumBuffers[p.Name]
			if !ok {
				vel = make([]float32, len(w))
				sgd.MomentumBuffers[p.Name] = vel
				sgd.shapes[p.Name] = append([]int(nil), p.Value.Shape...)
			}
			if len(vel) != len(w) {
				return fmt.Errorf("momentum for %s has %d elements, parameter has %d", p.Name, len(vel), len(w))
			}
		}
		for i := range w {
			grad := g[i]
			if sgd.WeightDecay != 0 {
				grad += sgd.WeightDecay * w[i]
			}
			if vel != nil {
				vel[i] = sgd.Momentum*vel[i] + grad
				if sgd.Nesterov {
					grad += sgd.Momentum * vel[i]
				} else {
					grad = vel[i]
				}
			}
			w[i] -= sgd.LearningRate * grad
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	// Extract momentum buffers if momentum is used
	if sgd.Momentum > 0 {
		for _, name := range sortedKeys(sgd.MomentumBuffers) {
			stateData = append(stateData,
				extractBufferState(sgd.MomentumBuffers[name], sgd.shapes[name], stateName("momentum", name), "momentum"))
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	// Validate state type
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	buffers := make(map[string][]float32)
	shapes := make(map[string][]int)
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			return fmt.Errorf("unexpected sgd state tensor %s (%s)", tensor.Name, tensor.StateType)
		}
		data, err := restoreBufferState(tensor)
		if err != nil {
			return err
		}
		name := trimStatePrefix(tensor.Name, "momentum")
		buffers[name] = data
		shapes[name] = append([]int(nil), tensor.Shape...)
	}

	// Restore hyperparameters
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	sgd.MomentumBuffers = buffers
	sgd.shapes = shapes
	return nil
}

func trimStatePrefix(name, prefix string) string {
	return strings.TrimPrefix(name, prefix+":")
}

func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
