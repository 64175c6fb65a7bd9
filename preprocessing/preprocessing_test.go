package preprocessing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func sine(n int, fs, hz, amp float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*hz*float64(i)/fs)
	}
	return s
}

func TestDetrendRemovesLinearTrend(t *testing.T) {
	ramp := make([]float64, 200)
	for i := range ramp {
		ramp[i] = 3 + 0.25*float64(i)
	}
	out, err := Detrend(ramp, 100)
	require.NoError(t, err)
	require.Len(t, out, len(ramp))
	for i, v := range out {
		assert.InDelta(t, 0, v, 1e-6, "sample %d", i)
	}
}

func TestDetrendKeepsPulse(t *testing.T) {
	fs := 30.0
	pulse := sine(300, fs, 1.2, 1)
	signal := make([]float64, len(pulse))
	for i := range pulse {
		signal[i] = pulse[i] + 0.02*float64(i)
	}

	once, err := Detrend(signal, 100)
	require.NoError(t, err)
	twice, err := Detrend(once, 100)
	require.NoError(t, err)

	// a second pass only removes what little trend the residual still has
	diff := make([]float64, len(once))
	floats.SubTo(diff, once, twice)
	assert.Less(t, floats.Norm(diff, 2)/floats.Norm(once, 2), 0.1)

	// the residual should track the pulse, not the ramp
	floats.SubTo(diff, once, pulse)
	assert.Less(t, floats.Norm(diff, 2)/floats.Norm(pulse, 2), 0.2)
}

func TestDetrendShortSignal(t *testing.T) {
	out, err := Detrend([]float64{1, 2}, 100)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, out)

	out, err = Detrend(nil, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDetrendChunked(t *testing.T) {
	signal := make([]float64, 101)
	for i := range signal {
		signal[i] = float64(i)
	}
	out, err := DetrendChunked(signal, 50, 50)
	require.NoError(t, err)
	require.Len(t, out, len(signal))
	for _, v := range out {
		assert.InDelta(t, 0, v, 1e-6)
	}

	// a single-chunk run matches the plain solve
	whole, err := Detrend(signal[:40], 10)
	require.NoError(t, err)
	chunked, err := DetrendChunked(signal[:40], 10, 40)
	require.NoError(t, err)
	assert.InDeltaSlice(t, whole, chunked, 1e-12)

	_, err = DetrendChunked(signal, 50, 2)
	assert.Error(t, err)
}

func TestBandpass(t *testing.T) {
	fs := 30.0
	inBand := sine(600, fs, 1.2, 1)
	slow := sine(600, fs, 0.05, 1)
	fast := sine(600, fs, 10, 1)

	power := func(s []float64) float64 {
		// skip the edges where the filter settles
		mid := s[150:450]
		return floats.Dot(mid, mid) / float64(len(mid))
	}

	t.Run("pass band", func(t *testing.T) {
		out, err := BandpassDefault(inBand, fs)
		require.NoError(t, err)
		require.Len(t, out, len(inBand))
		assert.Greater(t, power(out)/power(inBand), 0.2)
	})

	t.Run("stop band", func(t *testing.T) {
		for name, s := range map[string][]float64{"slow": slow, "fast": fast} {
			out, err := BandpassDefault(s, fs)
			require.NoError(t, err)
			assert.Less(t, power(out)/power(s), 0.1, name)
		}
	})

	t.Run("zero phase", func(t *testing.T) {
		out, err := BandpassDefault(inBand, fs)
		require.NoError(t, err)
		// the filtered pulse peaks where the input does
		assert.Equal(t, floats.MaxIdx(inBand[200:225]), floats.MaxIdx(out[200:225]))
	})

	t.Run("invalid cutoffs", func(t *testing.T) {
		cases := [][3]float64{
			{30, 0, 2.5},
			{30, 2.5, 0.75},
			{30, 0.75, 15},
			{0, 0.75, 2.5},
		}
		for _, c := range cases {
			_, err := Bandpass(inBand, c[0], c[1], c[2])
			assert.ErrorIs(t, err, ErrInvalidCutoff, "%v", c)
		}
	})
}

// bandGain measures the steady-state amplitude ratio of Bandpass at hz.
func bandGain(t *testing.T, hz float64) float64 {
	t.Helper()
	const fs, n = 30.0, 6000
	out, err := BandpassDefault(sine(n, fs, hz, 1), fs)
	require.NoError(t, err)
	// skip the settling edges at both ends
	mid := out[n/4 : 3*n/4]
	return math.Sqrt(2 * floats.Dot(mid, mid) / float64(len(mid)))
}

func TestBandpassGains(t *testing.T) {
	// Two first-order sections run forward and backward give |Hhp*Hlp|^2. The
	// response peaks near sqrt(low*high) at about 0.6 and is symmetric about it, with
	// about 0.46 at both cutoffs.
	center := bandGain(t, math.Sqrt(DefaultLowCut*DefaultHighCut))
	low := bandGain(t, DefaultLowCut)
	high := bandGain(t, DefaultHighCut)

	assert.InDelta(t, 0.597, center, 0.05)
	assert.InDelta(t, 0.460, low, 0.05)
	assert.InDelta(t, 0.460, high, 0.05)
	assert.InDelta(t, low, high, 0.02)
	assert.Less(t, low, center)
	assert.Less(t, bandGain(t, 8), low/4)
}

func TestNormalize(t *testing.T) {
	out, err := Normalize([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)
	assert.InDelta(t, 0, floats.Sum(out)/float64(len(out)), 1e-12)
	assert.InDelta(t, -1.5, out[0], 1e-12)
	assert.InDelta(t, 2, out[7], 1e-12)

	_, err = Normalize([]float64{3, 3, 3})
	assert.ErrorIs(t, err, ErrConstantSignal)

	_, err = Normalize(nil)
	assert.Error(t, err)
}

func TestDerivative(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 3, 0}, Derivative([]float64{0, 1, 3, 6}))
	assert.Equal(t, []float64{0}, Derivative([]float64{5}))
	assert.Empty(t, Derivative(nil))
}

func TestDiffRows(t *testing.T) {
	rows := [][]float64{
		{0, 1, 3, 6, 10},
		{1, 2},
	}
	out := DiffRows(rows)
	require.Len(t, out, 2)
	// differences 1 2 3 4, then the padded tail takes the third-to-last
	assert.Equal(t, []float64{1, 2, 3, 4, 3}, out[0])
	assert.Equal(t, []float64{1, 0}, out[1])
	assert.Equal(t, []float64{0, 1, 3, 6, 10}, rows[0])
}
