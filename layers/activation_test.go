package layers

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-vid2bp/tensor"
)

func TestActivationForward(t *testing.T) {
	x := tensor.MustNew([]int{1, 3}, []float32{-1, 0, 2})

	t.Run("tanh", func(t *testing.T) {
		a, err := NewActivationLayer("tanh", Tanh)
		if err != nil {
			t.Fatal(err)
		}
		out, err := a.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range x.Data {
			want := math.Tanh(float64(v))
			if math.Abs(float64(out.Data[i])-want) > 1e-6 {
				t.Errorf("tanh(%v): expected %v, got %v", v, want, out.Data[i])
			}
		}
	})

	t.Run("sigmoid", func(t *testing.T) {
		a, err := NewActivationLayer("sigmoid", Sigmoid)
		if err != nil {
			t.Fatal(err)
		}
		out, err := a.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		if out.Data[1] != 0.5 {
			t.Errorf("sigmoid(0): expected 0.5, got %v", out.Data[1])
		}
		for _, v := range out.Data {
			if v <= 0 || v >= 1 {
				t.Errorf("sigmoid output %v outside (0,1)", v)
			}
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, err := NewActivationLayer("d", Dense); err == nil {
			t.Error("Expected error for unsupported activation")
		}
	})
}

func TestActivationBackwardBeforeForward(t *testing.T) {
	a, _ := NewActivationLayer("tanh", Tanh)
	g := tensor.MustNew([]int{1, 1}, []float32{1})
	if _, err := a.Backward(g); err == nil {
		t.Error("Expected error calling Backward before Forward")
	}

	x := tensor.MustNew([]int{1, 2}, []float32{0, 0})
	if _, err := a.Forward(x); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Backward(g); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}
