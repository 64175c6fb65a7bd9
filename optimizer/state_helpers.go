package optimizer

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a moment buffer into a checkpoint tensor.
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState validates a checkpoint tensor and returns a private copy of its data.
func restoreBufferState(tensor checkpoints.OptimizerTensor) ([]float32, error) {
	n := 1
	for _, d := range tensor.Shape {
		n *= d
	}
	if len(tensor.Data) != n {
		return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			tensor.Name, n, len(tensor.Data))
	}
	data := make([]float32, n)
	copy(data, tensor.Data)
	return data, nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}
