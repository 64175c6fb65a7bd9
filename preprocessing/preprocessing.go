// Package preprocessing holds the signal transforms applied to PPG and blood-pressure
// waveforms before they are used as labels or evaluated: smoothness-prior detrending,
// zero-phase band-pass filtering, normalization and differencing.
//
// All functions are pure and return new slices.
package preprocessing

import (
	"errors"
	"fmt"
	"math"

	"github.com/jfcg/butter"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrConstantSignal is returned by Normalize when the signal has zero variance.
	ErrConstantSignal = errors.New("constant signal")

	// ErrInvalidCutoff is returned by Bandpass for cutoffs outside (0, fs/2) or not
	// in increasing order.
	ErrInvalidCutoff = errors.New("invalid cutoff frequency")
)

// Default pass band, 45 to 150 beats per minute.
const (
	DefaultLowCut  = 0.75
	DefaultHighCut = 2.5
)

// Detrend removes the slow trend of signal with the smoothness priors method of
// Tarvainen et al. The trend z solves (I + λ²DᵀD) z = signal, D being the second
// order difference operator, and the residual signal - z is returned. Larger lambda
// removes less of the signal. Signals shorter than three samples have no second
// difference, so their residual is zero.
func Detrend(signal []float64, lambda float64) ([]float64, error) {
	n := len(signal)
	out := make([]float64, n)
	if n < 3 {
		return out, nil
	}

	// I + λ²DᵀD is symmetric pentadiagonal; accumulate its three upper diagonals
	l2 := lambda * lambda
	d0 := make([]float64, n)
	d1 := make([]float64, n-1)
	d2 := make([]float64, n-2)
	for i := range d0 {
		d0[i] = 1
	}
	for r := 0; r < n-2; r++ {
		d0[r] += l2
		d0[r+1] += 4 * l2
		d0[r+2] += l2
		d1[r] -= 2 * l2
		d1[r+1] -= 2 * l2
		d2[r] += l2
	}

	a := mat.NewSymBandDense(n, 2, nil)
	for i := 0; i < n; i++ {
		a.SetSymBand(i, i, d0[i])
		if i+1 < n {
			a.SetSymBand(i, i+1, d1[i])
		}
		if i+2 < n {
			a.SetSymBand(i, i+2, d2[i])
		}
	}

	var chol mat.BandCholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("detrend: system is not positive definite for lambda %g", lambda)
	}
	var trend mat.VecDense
	if err := chol.SolveVecTo(&trend, mat.NewVecDense(n, append([]float64(nil), signal...))); err != nil {
		return nil, fmt.Errorf("detrend: %w", err)
	}
	for i, v := range signal {
		out[i] = v - trend.AtVec(i)
	}
	return out, nil
}

// DetrendChunked detrends consecutive windows of chunk samples independently, which
// bounds the size of each solve. A trailing window shorter than three samples is
// merged into the one before it.
func DetrendChunked(signal []float64, lambda float64, chunk int) ([]float64, error) {
	if chunk < 3 {
		return nil, fmt.Errorf("detrend chunk must be at least 3 samples, got %d", chunk)
	}
	out := make([]float64, 0, len(signal))
	for start := 0; start < len(signal); {
		end := start + chunk
		if end > len(signal) || len(signal)-end < 3 {
			end = len(signal)
		}
		part, err := Detrend(signal[start:end], lambda)
		if err != nil {
			return nil, fmt.Errorf("chunk at %d: %w", start, err)
		}
		out = append(out, part...)
		start = end
	}
	return out, nil
}

// Bandpass applies a first-order Butterworth high-pass at low followed by a low-pass
// at high, run forward and then backward so the result has no phase shift. The whole
// signal must be in memory.
//
// The cascade is not a band-pass section: its gain peaks near sqrt(low*high) at about
// 0.6 after both passes rather than 1, and is about 0.46 at the cutoffs. Heart-rate
// estimation only reads the location of the spectral peak.
func Bandpass(signal []float64, fs, low, high float64) ([]float64, error) {
	if fs <= 0 || low <= 0 || high <= low || high >= fs/2 {
		return nil, fmt.Errorf("band [%g, %g] Hz at fs %g Hz: %w", low, high, fs, ErrInvalidCutoff)
	}
	forward, err := filterPass(signal, fs, low, high)
	if err != nil {
		return nil, err
	}
	reverse(forward)
	backward, err := filterPass(forward, fs, low, high)
	if err != nil {
		return nil, err
	}
	reverse(backward)
	return backward, nil
}

// BandpassDefault filters to the 0.75-2.5 Hz heart-rate band.
func BandpassDefault(signal []float64, fs float64) ([]float64, error) {
	return Bandpass(signal, fs, DefaultLowCut, DefaultHighCut)
}

// filterPass runs one causal pass through a fresh filter cascade.
func filterPass(signal []float64, fs, low, high float64) ([]float64, error) {
	// cutoffs in radians per sample
	hp := butter.NewHighPass1(2 * math.Pi * low / fs)
	if hp == nil {
		return nil, fmt.Errorf("high-pass at %g Hz for fs %g Hz: %w", low, fs, ErrInvalidCutoff)
	}
	lp := butter.NewLowPass1(2 * math.Pi * high / fs)
	if lp == nil {
		return nil, fmt.Errorf("low-pass at %g Hz for fs %g Hz: %w", high, fs, ErrInvalidCutoff)
	}
	out := make([]float64, len(signal))
	for i, v := range signal {
		out[i] = lp.Next(hp.Next(v))
	}
	return out, nil
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Normalize rescales signal to zero mean and unit population standard deviation.
// A constant signal fails with ErrConstantSignal instead of producing NaN.
func Normalize(signal []float64) ([]float64, error) {
	if len(signal) == 0 {
		return nil, fmt.Errorf("normalize: empty signal")
	}
	mean, std := stat.PopMeanStdDev(signal, nil)
	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return nil, fmt.Errorf("normalize: std %g: %w", std, ErrConstantSignal)
	}
	out := make([]float64, len(signal))
	for i, v := range signal {
		out[i] = (v - mean) / std
	}
	return out, nil
}

// Derivative returns the first difference of signal with the last sample repeated,
// so the result has the same length and ends in zero.
func Derivative(signal []float64) []float64 {
	out := make([]float64, len(signal))
	for i := 0; i+1 < len(signal); i++ {
		out[i] = signal[i+1] - signal[i]
	}
	return out
}

// DiffRows applies Derivative to every row and then replaces each row's final
// element with its third-to-last difference, smoothing the padded edge.
func DiffRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		d := Derivative(row)
		if n := len(d); n >= 3 {
			d[n-1] = d[n-3]
		}
		out[i] = d
	}
	return out
}
