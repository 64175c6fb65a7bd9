package training

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// checkShapes requires identical shapes; labels are never broadcast.
func checkShapes(predicted, target *tensor.Tensor) error {
	if !tensor.ShapesEqual(predicted.Shape, target.Shape) {
		return fmt.Errorf("predicted %v and target %v: %w", predicted.Shape, target.Shape, tensor.ErrShapeMismatch)
	}
	return nil
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkShapes(predicted, target); err != nil {
		return 0, err
	}

	var sum float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sum += d * d
	}

	// Apply reduction
	if mse.reduction == "mean" {
		sum /= float64(predicted.NumElems)
	}
	return sum, nil
}

// Backward computes the gradient of MSE loss
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}

	// MSE gradient: d/d(pred) = 2 * (predicted - target) / N
	scale := float32(2)
	if mse.reduction == "mean" {
		scale /= float32(predicted.NumElems)
	}
	grad, err := tensor.Zeros(predicted.Shape)
	if err != nil {
		return nil, err
	}
	for i, p := range predicted.Data {
		grad.Data[i] = scale * (p - target.Data[i])
	}
	return grad, nil
}
