package pipeline

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-vid2bp/dataset"
	"github.com/tsawler/go-vid2bp/heartrate"
)

// writeWaveformSplits stores rows of a 72 bpm PPG with two channels and a matching
// arterial pressure waveform under root.
func writeWaveformSplits(t *testing.T, root string, rows, length int) {
	t.Helper()
	const fs, hz = 30.0, 1.2
	ple := make([]float32, rows*2*length)
	abp := make([]float32, rows*length)
	for r := 0; r < rows; r++ {
		for i := 0; i < length; i++ {
			phase := 2*math.Pi*hz*float64(i)/fs + float64(r)
			ple[(r*2)*length+i] = float32(math.Sin(phase) + 0.002*float64(i))
			ple[(r*2+1)*length+i] = -1
			abp[r*length+i] = float32(95 + 20*math.Sin(phase-0.3))
		}
	}
	pleArr, err := dataset.NewArray([]int{rows, 2, length}, ple)
	if err != nil {
		t.Fatal(err)
	}
	abpArr, err := dataset.NewArray([]int{rows, length}, abp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{dataset.TrainFile, dataset.ValidFile, dataset.TestFile} {
		f := &dataset.File{Arrays: map[string]dataset.Array{dataset.PLEArray: pleArr, dataset.ABPArray: abpArr}}
		if err := dataset.Write(filepath.Join(root, name), f); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEvaluateSplits(t *testing.T) {
	root := t.TempDir()
	writeWaveformSplits(t, root, 3, 300)
	bin := 30.0 / 512 * 60

	for _, label := range []string{dataset.PLEArray, dataset.ABPArray} {
		t.Run(label, func(t *testing.T) {
			report, err := EvaluateSplits(root, label, 30)
			if err != nil {
				t.Fatalf("EvaluateSplits failed: %v", err)
			}
			if report.Rows != 3 || report.Skipped != 0 {
				t.Errorf("Expected 3 rows scored, got %d scored and %d skipped", report.Rows, report.Skipped)
			}
			if math.Abs(report.MeanInputBPM-72) > bin {
				t.Errorf("Expected about 72 bpm from the input, got %v", report.MeanInputBPM)
			}
			if math.Abs(report.MeanLabelBPM-72) > bin {
				t.Errorf("Expected about 72 bpm from the label, got %v", report.MeanLabelBPM)
			}
		})
	}
}

func TestEvaluateSplitsShortRows(t *testing.T) {
	root := t.TempDir()
	writeWaveformSplits(t, root, 2, 8)

	report, err := EvaluateSplits(root, dataset.ABPArray, 30)
	if !errors.Is(err, heartrate.ErrNoBandCoverage) {
		t.Fatalf("Expected ErrNoBandCoverage, got %v", err)
	}
	if report.Skipped != 2 {
		t.Errorf("Expected 2 skipped rows, got %d", report.Skipped)
	}
	if _, err := EvaluateSplits(t.TempDir(), dataset.PLEArray, 30); !errors.Is(err, dataset.ErrDatasetUnavailable) {
		t.Errorf("Expected ErrDatasetUnavailable for an empty root, got %v", err)
	}
}

func TestHeartRateFromWaveform(t *testing.T) {
	const fs = 30.0
	// longer than one detrend window
	signal := make([]float64, 2*DetrendChunk+100)
	for i := range signal {
		signal[i] = math.Sin(2*math.Pi*1.5*float64(i)/fs) + 0.05*float64(i)/fs
	}
	bpm, err := HeartRateFromWaveform(signal, fs)
	if err != nil {
		t.Fatal(err)
	}
	if bin := fs / 4096 * 60; math.Abs(bpm-90) > bin {
		t.Errorf("Expected about 90 bpm, got %v", bpm)
	}
}
