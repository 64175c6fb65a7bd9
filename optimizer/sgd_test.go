package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-vid2bp/layers"
)

// TestSGDConfig tests the SGD configuration
func TestSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected learning rate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0.0 {
		t.Errorf("Expected momentum 0.0, got %f", config.Momentum)
	}
	if config.Nesterov {
		t.Error("Expected Nesterov to be false")
	}
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		steps    int
		expected float32
	}{
		{"vanilla", SGDConfig{LearningRate: 0.1}, 2, 1 - 0.1*2 - 0.1*2},
		// velocity 2 then 0.5*2+2 = 3
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.5}, 2, 1 - 0.1*2 - 0.1*3},
		{"weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: 1}, 1, 1 - 0.1*3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sgd := NewSGDOptimizer(tt.config)
			p := newParam(t, "w", []float32{1}, []float32{2})
			for i := 0; i < tt.steps; i++ {
				if err := sgd.Step([]*layers.Parameter{p}); err != nil {
					t.Fatal(err)
				}
			}
			if math.Abs(float64(p.Value.Data[0]-tt.expected)) > 1e-6 {
				t.Errorf("Expected %v, got %v", tt.expected, p.Value.Data[0])
			}
		})
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	sgd := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	p := newParam(t, "w", []float32{1, 2}, []float32{1, 1})
	if err := sgd.Step([]*layers.Parameter{p}); err != nil {
		t.Fatal(err)
	}

	state, err := sgd.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 1 || state.StateData[0].Name != "momentum:w" {
		t.Fatalf("Unexpected state data: %+v", state.StateData)
	}

	restored := NewSGDOptimizer(DefaultSGDConfig())
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.Momentum != 0.9 || restored.GetStepCount() != 1 {
		t.Errorf("Expected momentum 0.9 and step 1, got %v and %d", restored.Momentum, restored.GetStepCount())
	}
	if got := restored.MomentumBuffers["w"]; len(got) != 2 || got[0] != 1 {
		t.Errorf("Expected restored velocity [1 1], got %v", got)
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{"", "adam", "sgd"} {
		opt, err := New(name, 0.01)
		if err != nil {
			t.Errorf("%q: %v", name, err)
			continue
		}
		opt.UpdateLearningRate(0.02)
	}
	if _, err := New("lbfgs", 0.01); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}
