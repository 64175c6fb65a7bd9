package training

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/go-vid2bp/tensor"
)

// StepResult is the outcome of a single optimizer step.
type StepResult struct {
	Loss float64
}

// Module is a trainable model driven by the Trainer.
type Module interface {
	Train(x, y *tensor.Tensor) (StepResult, error)
	Infer(x *tensor.Tensor) (*tensor.Tensor, error)
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int
	PrintEvery    int  // Log training stats every N batches (0 = only epoch summaries)
	ValidateEvery int  // Run validation every N epochs (0 = no validation)
	EarlyStopping bool // Enable early stopping based on validation loss
	Patience      int  // Number of epochs to wait for improvement before stopping
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	ValidLoss     float64
	Validation    *RegressionMetrics
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer manages the training process
type Trainer struct {
	model    Module
	config   TrainingConfig
	logger   *slog.Logger
	counters *Metrics
	metrics  []TrainingMetrics
}

// NewTrainer creates a new Trainer. counters may be nil.
func NewTrainer(model Module, config TrainingConfig, logger *slog.Logger, counters *Metrics) *Trainer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Trainer{
		model:    model,
		config:   config,
		logger:   logger,
		counters: counters,
		metrics:  make([]TrainingMetrics, 0),
	}
}

// Train runs the complete training loop
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	if t.config.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", t.config.Epochs)
	}
	t.logger.Info("starting training", "epochs", t.config.Epochs, "batches", trainLoader.Len())

	bestValidLoss := math.Inf(1)
	patienceCounter := 0

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()

		trainLoss, batchCount, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			EpochDuration: time.Since(epochStart),
			BatchCount:    batchCount,
		}
		if t.counters != nil {
			t.counters.Epochs.Inc()
		}

		stop := false
		if validLoader != nil && t.config.ValidateEvery > 0 && (epoch+1)%t.config.ValidateEvery == 0 {
			validLoss, reg, err := t.Evaluate(validLoader)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
			}
			metrics.ValidLoss = validLoss
			metrics.Validation = reg

			if t.config.EarlyStopping {
				if validLoss < bestValidLoss {
					bestValidLoss = validLoss
					patienceCounter = 0
				} else {
					patienceCounter++
					stop = patienceCounter >= t.config.Patience
				}
			}
		}

		t.metrics = append(t.metrics, metrics)
		t.logEpochSummary(metrics)

		if stop {
			t.logger.Info("early stopping triggered", "epoch", epoch+1)
			break
		}
	}

	return nil
}

// trainEpoch runs one training epoch and returns the mean batch loss
func (t *Trainer) trainEpoch(trainLoader *DataLoader, epoch int) (float64, int, error) {
	var totalLoss float64
	var batchCount int

	trainLoader.Reset()
	for trainLoader.HasNext() {
		batch, err := trainLoader.Next()
		if err != nil {
			return 0, 0, err
		}

		start := time.Now()
		result, err := t.model.Train(batch.Data, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchCount, err)
		}
		if math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0) {
			return 0, 0, fmt.Errorf("batch %d: loss %v: %w", batchCount, result.Loss, tensor.ErrNonFinite)
		}
		if t.counters != nil {
			t.counters.Steps.Inc()
			t.counters.Loss.Set(result.Loss)
			t.counters.StepDuration.Observe(time.Since(start).Seconds())
		}

		totalLoss += result.Loss
		batchCount++

		if t.config.PrintEvery > 0 && batchCount%t.config.PrintEvery == 0 {
			t.logger.Info("training progress",
				"epoch", epoch+1,
				"batch", batchCount,
				"loss", result.Loss,
			)
		}
	}

	if batchCount == 0 {
		return 0, 0, errors.New("no batches in training loader")
	}
	return totalLoss / float64(batchCount), batchCount, nil
}

// Evaluate runs inference over every batch in loader and returns the mean MSE
// together with regression metrics over all samples.
func (t *Trainer) Evaluate(loader *DataLoader) (float64, *RegressionMetrics, error) {
	criterion := NewMSELoss("mean")
	var totalLoss float64
	var batchCount int
	var preds, labels []float32

	loader.Reset()
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, nil, err
		}
		out, err := t.model.Infer(batch.Data)
		if err != nil {
			return 0, nil, fmt.Errorf("batch %d: %w", batchCount, err)
		}
		loss, err := criterion.Forward(out, batch.Labels)
		if err != nil {
			return 0, nil, fmt.Errorf("batch %d: %w", batchCount, err)
		}
		totalLoss += loss
		batchCount++
		preds = append(preds, out.Data...)
		labels = append(labels, batch.Labels.Data...)
	}
	if batchCount == 0 {
		return 0, nil, errors.New("no batches in validation loader")
	}

	mean := totalLoss / float64(batchCount)
	if t.counters != nil {
		t.counters.ValidLoss.Set(mean)
	}
	return mean, CalculateRegressionMetrics(preds, labels), nil
}

// GetMetrics returns the per-epoch training history
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}

func (t *Trainer) logEpochSummary(m TrainingMetrics) {
	attrs := []any{
		"epoch", m.Epoch + 1,
		"train_loss", m.TrainLoss,
		"batches", m.BatchCount,
		"duration", m.EpochDuration,
	}
	if m.Validation != nil {
		attrs = append(attrs, "valid_loss", m.ValidLoss, "valid_rmse", m.Validation.RMSE)
	}
	t.logger.Info("epoch complete", attrs...)
}
