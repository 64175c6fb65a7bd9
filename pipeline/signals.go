package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-vid2bp/dataset"
	"github.com/tsawler/go-vid2bp/heartrate"
	"github.com/tsawler/go-vid2bp/preprocessing"
)

// DetrendChunk bounds the window of each detrending solve on long waveforms.
const DetrendChunk = 1800

// SignalReport compares, over the test split of a waveform dataset, the heart rate
// recovered from the differenced PPG input with the one found in the label waveform.
type SignalReport struct {
	Label string
	// Rows counts the test rows long enough to resolve the heart-rate band.
	Rows         int
	Skipped      int
	MeanInputBPM float64
	MeanLabelBPM float64
	MAE          float64
}

// HeartRateFromWaveform detrends signal in DetrendChunk windows, band-limits it and
// returns the dominant rate in beats per minute.
func HeartRateFromWaveform(signal []float64, fs float64) (float64, error) {
	detrended, err := preprocessing.DetrendChunked(signal, DetrendLambda, DetrendChunk)
	if err != nil {
		return 0, err
	}
	filtered, err := preprocessing.BandpassDefault(detrended, fs)
	if err != nil {
		return 0, err
	}
	return heartrate.Calculate(filtered, fs, preprocessing.DefaultLowCut, preprocessing.DefaultHighCut)
}

// EvaluateSplits loads the waveform splits under root and scores the test split. The
// inputs go through the same delta path as model predictions, the labels are read as
// waveforms.
func EvaluateSplits(root, label string, fs float64) (*SignalReport, error) {
	splits, err := dataset.LoadSplits(root, label)
	if err != nil {
		return nil, err
	}
	test := splits.Test

	inputs := make([][]float64, test.Len())
	labels := make([][]float64, test.Len())
	for i := 0; i < test.Len(); i++ {
		x, y, err := test.Get(i)
		if err != nil {
			return nil, err
		}
		inputs[i] = toFloat64(x.Data)
		labels[i] = toFloat64(y.Data)
	}

	report := &SignalReport{Label: label}
	var inSum, labelSum, absSum float64
	for i, deltas := range preprocessing.DiffRows(inputs) {
		in, err := HeartRateFromDeltas(deltas, fs)
		if err == nil {
			var ref float64
			ref, err = HeartRateFromWaveform(labels[i], fs)
			if err == nil {
				report.Rows++
				inSum += in
				labelSum += ref
				absSum += math.Abs(in - ref)
				continue
			}
		}
		if !errors.Is(err, heartrate.ErrNoBandCoverage) {
			return nil, fmt.Errorf("test row %d: %w", i, err)
		}
		report.Skipped++
	}
	if report.Rows == 0 {
		return report, heartrate.ErrNoBandCoverage
	}
	n := float64(report.Rows)
	report.MeanInputBPM = inSum / n
	report.MeanLabelBPM = labelSum / n
	report.MAE = absSum / n
	return report, nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
