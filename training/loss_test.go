package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-vid2bp/tensor"
)

func TestMSELoss(t *testing.T) {
	t.Run("Basic MSE computation", func(t *testing.T) {
		predicted, err := tensor.NewTensor([]int{2, 2}, []float32{1.0, 2.0, 3.0, 4.0})
		if err != nil {
			t.Fatalf("Failed to create predicted tensor: %v", err)
		}
		target, err := tensor.NewTensor([]int{2, 2}, []float32{1.5, 2.5, 2.5, 3.5})
		if err != nil {
			t.Fatalf("Failed to create target tensor: %v", err)
		}

		mse := NewMSELoss("mean")
		loss, err := mse.Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}

		// (0.25 + 0.25 + 0.25 + 0.25) / 4
		if math.Abs(loss-0.25) > 1e-6 {
			t.Errorf("Expected loss %.6f, got %.6f", 0.25, loss)
		}
	})

	t.Run("Sum reduction", func(t *testing.T) {
		predicted := tensor.MustNew([]int{2, 1}, []float32{1, 3})
		target := tensor.MustNew([]int{2, 1}, []float32{0, 0})
		loss, err := NewMSELoss("sum").Forward(predicted, target)
		if err != nil {
			t.Fatal(err)
		}
		if loss != 10 {
			t.Errorf("Expected loss 10, got %v", loss)
		}
	})

	t.Run("MSE backward pass", func(t *testing.T) {
		predicted := tensor.MustNew([]int{2, 1}, []float32{1.0, 2.0})
		target := tensor.MustNew([]int{2, 1}, []float32{1.5, 1.5})

		grad, err := NewMSELoss("mean").Backward(predicted, target)
		if err != nil {
			t.Fatalf("MSE backward failed: %v", err)
		}

		// 2 * (pred - target) / N
		expectedGrad := []float32{-0.5, 0.5}
		for i, expected := range expectedGrad {
			if math.Abs(float64(grad.Data[i]-expected)) > 1e-6 {
				t.Errorf("Gradient[%d]: expected %.6f, got %.6f", i, expected, grad.Data[i])
			}
		}
	})

	t.Run("Label shape must match exactly", func(t *testing.T) {
		predicted := tensor.MustNew([]int{2, 1}, []float32{1, 2})
		target := tensor.MustNew([]int{2}, []float32{1, 2})
		mse := NewMSELoss("")
		if _, err := mse.Forward(predicted, target); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch from Forward, got %v", err)
		}
		if _, err := mse.Backward(predicted, target); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch from Backward, got %v", err)
		}
	})
}
