package training

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics computes regression metrics over the paired values.
// Mismatched or empty inputs yield zero metrics.
func CalculateRegressionMetrics(predictions, trueValues []float32) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || n != len(trueValues) {
		return &RegressionMetrics{}
	}

	// Calculate mean of true values for R²
	meanTrue := 0.0
	for _, v := range trueValues {
		meanTrue += float64(v)
	}
	meanTrue /= float64(n)

	sumAbsErr := 0.0
	sumSqErr := 0.0
	sumSqTotal := 0.0
	minTrue := math.Inf(1)
	maxTrue := math.Inf(-1)

	for i := 0; i < n; i++ {
		pred := float64(predictions[i])
		actual := float64(trueValues[i])

		diff := pred - actual
		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (actual - meanTrue) * (actual - meanTrue)

		minTrue = math.Min(minTrue, actual)
		maxTrue = math.Max(maxTrue, actual)
	}

	mae := sumAbsErr / float64(n)
	mse := sumSqErr / float64(n)

	// R² calculation
	r2 := 0.0
	if sumSqTotal > 0 {
		r2 = 1.0 - (sumSqErr / sumSqTotal)
	}

	// Normalized MAE (scale by range)
	nmae := 0.0
	if maxTrue > minTrue {
		nmae = mae / (maxTrue - minTrue)
	}

	return &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}
}

// Metrics exports training progress as Prometheus collectors.
type Metrics struct {
	Steps        prometheus.Counter
	Epochs       prometheus.Counter
	Loss         prometheus.Gauge
	ValidLoss    prometheus.Gauge
	StepDuration prometheus.Histogram
}

// NewMetrics creates the training collectors and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Total number of optimizer steps taken",
		}),
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_epochs_total",
			Help:      "Total number of completed training epochs",
		}),
		Loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Loss of the most recent training step",
		}),
		ValidLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_loss",
			Help:      "Mean loss of the most recent validation pass",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "train_step_duration_seconds",
			Help:      "Wall time of a single training step",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Steps, m.Epochs, m.Loss, m.ValidLoss, m.StepDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
