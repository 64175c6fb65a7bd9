package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/layers"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	// Moment buffers keyed by parameter name, allocated on first use
	Momentum map[string][]float32
	Variance map[string][]float32
	shapes   map[string][]int

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     make(map[string][]float32),
		Variance:     make(map[string][]float32),
		shapes:       make(map[string][]int),
	}
}

func (adam *AdamOptimizerState) buffers(p *layers.Parameter) ([]float32, []float32, error) {
	m, ok := adam.Momentum[p.Name]
	if !ok {
		m = make([]float32, len(p.Value.Data))
		adam.Momentum[p.Name] = m
		adam.Variance[p.Name] = make([]float32, len(p.Value.Data))
		adam.shapes[p.Name] = append([]int(nil), p.Value.Shape...)
	}
	v := adam.Variance[p.Name]
	if len(m) != len(p.Value.Data) || len(v) != len(p.Value.Data) {
		return nil, nil, fmt.Errorf("adam state for %s has %d elements, parameter has %d",
			p.Name, len(m), len(p.Value.Data))
	}
	return m, v, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params []*layers.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters to update")
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float64(adam.LearningRate) * math.Sqrt(bc2) / bc1

	b1, b2 := adam.Beta1, adam.Beta2
	for _, p := range params {
		m, v, err := adam.buffers(p)
		if err != nil {
			return err
		}
		w := p.Value.Data
		g := p.Grad.Data
		for i := range w {
			grad := g[i]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[i]
			}
			m[i] = b1*m[i] + (1-b1)*grad
			v[i] = b2*v[i] + (1-b2)*grad*grad
			denom := math.Sqrt(float64(v[i])) + float64(adam.Epsilon)*math.Sqrt(bc2)
			w[i] -= float32(stepSize * float64(m[i]) / denom)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.Momentum))
	for _, name := range sortedKeys(adam.Momentum) {
		shape := adam.shapes[name]
		stateData = append(stateData,
			extractBufferState(adam.Momentum[name], shape, stateName("m", name), "momentum"),
			extractBufferState(adam.Variance[name], shape, stateName("v", name), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	momentum := make(map[string][]float32)
	variance := make(map[string][]float32)
	shapes := make(map[string][]int)
	for _, tensor := range state.StateData {
		data, err := restoreBufferState(tensor)
		if err != nil {
			return err
		}
		var param string
		switch tensor.StateType {
		case "momentum":
			param = trimStatePrefix(tensor.Name, "m")
			momentum[param] = data
		case "variance":
			param = trimStatePrefix(tensor.Name, "v")
			variance[param] = data
		default:
			return fmt.Errorf("unexpected adam state tensor %s (%s)", tensor.Name, tensor.StateType)
		}
		shapes[param] = append([]int(nil), tensor.Shape...)
	}
	for name := range momentum {
		if _, ok := variance[name]; !ok {
			return fmt.Errorf("adam state for %s has momentum but no variance", name)
		}
	}
	if len(momentum) != len(variance) {
		return fmt.Errorf("adam state has %d momentum and %d variance tensors", len(momentum), len(variance))
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)
	adam.Momentum = momentum
	adam.Variance = variance
	adam.shapes = shapes
	return nil
}
