// Package heartrate estimates heart rate from a pulse waveform by locating the strongest
// periodogram bin inside a frequency band.
package heartrate

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrNoBandCoverage is returned when no frequency bin falls inside the requested band.
var ErrNoBandCoverage = errors.New("no frequency bin in band")

// NextPowerOf2 returns the smallest power of two not less than n. It returns 1 for n <= 1.
func NextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Covered reports whether a signal of n samples at fs Hz has at least one one-sided
// periodogram bin in [low, high].
func Covered(n int, fs, low, high float64) bool {
	if n <= 0 || fs <= 0 {
		return false
	}
	nfft := NextPowerOf2(n)
	for k := 0; k <= nfft/2; k++ {
		f := float64(k) * fs / float64(nfft)
		if f >= low && f <= high {
			return true
		}
	}
	return false
}

// Calculate returns the heart rate in beats per minute of signal sampled at fs Hz. The
// signal is zero padded to the next power of two and the frequency of the largest
// one-sided power density bin in [low, high] Hz is scaled by 60.
func Calculate(signal []float64, fs, low, high float64) (float64, error) {
	if len(signal) == 0 {
		return 0, fmt.Errorf("heart rate: empty signal")
	}
	if fs <= 0 {
		return 0, fmt.Errorf("heart rate: sampling rate must be positive, got %g", fs)
	}

	psd, freqs := Periodogram(signal, fs)
	best, bestPower := -1, math.Inf(-1)
	for k, f := range freqs {
		if f < low || f > high {
			continue
		}
		if psd[k] > bestPower {
			best, bestPower = k, psd[k]
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("band [%g, %g] Hz with %d samples at %g Hz: %w",
			low, high, len(signal), fs, ErrNoBandCoverage)
	}
	return freqs[best] * 60, nil
}

// Periodogram returns the one-sided power spectral density of signal and the frequency of
// each bin in Hz. The signal is zero padded to the next power of two.
func Periodogram(signal []float64, fs float64) (psd, freqs []float64) {
	nfft := NextPowerOf2(len(signal))
	seq := make([]float64, nfft)
	copy(seq, signal)

	fft := fourier.NewFFT(nfft)
	coeffs := fft.Coefficients(nil, seq)

	psd = make([]float64, len(coeffs))
	freqs = make([]float64, len(coeffs))
	scale := 1 / (fs * float64(nfft))
	for k, c := range coeffs {
		p := (real(c)*real(c) + imag(c)*imag(c)) * scale
		// fold the negative frequencies in, except at DC and Nyquist
		if k != 0 && !(nfft%2 == 0 && k == nfft/2) {
			p *= 2
		}
		psd[k] = p
		freqs[k] = fft.Freq(k) * fs
	}
	return psd, freqs
}
