package compute

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// int16sToBytes packs a flat []int16 into little-endian bytes, in the
// heap-local layout sampleByteOffset assumes: pol outermost, then
// channel, then sample, then dim fastest.
func int16sToBytes(vals []int16) []byte {
	buf := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func newSegment(vals []int16) *Segment {
	return &Segment{Data: Block{Data: int16sToBytes(vals)}}
}

// s1Values is the 128-value int16 array from the original source's
// StatComputerTest.test_expected_values: 1 channel, 2 pol, 2 dim, 32
// samples, Gaussian data (mean 3.14, stddev 10, rounded).
var s1Values = []int16{
	// Pol A - sample 1 - 32
	-4, 19, 17, 6, -2, 2, 0, 15, 15, 3, 15, 8, -11, -21, -18, 2,
	-11, 9, -3, 5, -4, -13, 12, -1, 5, 10, 21, 0, 25, -2, 0, 12,
	8, -6, -8, 23, -11, -6, 28, 3, 32, -2, 17, 6, -8, 4, -9, 0,
	12, 6, -9, -18, -5, 0, -12, 1, 12, 9, -18, 8, 9, 2, 0, -8,
	// Pol B - sample 1 - 32
	4, 9, 0, 14, 24, 0, 17, 2, -5, 0, 7, 11, 8, -3, 2, 12,
	8, 8, 19, 3, 13, 22, -2, -10, -13, 19, -1, 16, -2, 2, 0, -3,
	1, -23, -1, 32, 1, 15, 5, 10, -1, 20, -1, 6, 15, -13, -4, 5,
	-1, 5, -1, 1, 12, -3, -6, -6, 0, -5, 15, 12, 20, 13, -2, 21,
}

func newComputerForTest(t *testing.T, nchan, nbit, nsampPerPacket int, rfiMaskLUT []bool, ntimeBins, nfreqBins int) (*Computer, *storage.Storage) {
	t.Helper()
	cfg := &statcfg.StreamConfig{
		Npol:           2,
		Ndim:           2,
		Nchan:          nchan,
		Nbit:           nbit,
		NsampPerPacket: nsampPerPacket,
		Freq:           1000,
		Bandwidth:      float64(nchan),
		Tsamp:          1,
	}
	bps := nbit / 8
	cfg.HeapResolution = nsampPerPacket * nchan * cfg.Npol * cfg.Ndim * bps

	freqs := make([]float64, nchan)
	for i := range freqs {
		freqs[i] = cfg.ChannelCentreFrequency(i)
	}
	store := storage.New(nchan, nbit, 8, freqs, rfiMaskLUT)
	require.NoError(t, store.Resize(ntimeBins, nfreqBins))
	require.NoError(t, store.Reset())

	c := New()
	c.Initialise(cfg, store)
	return c, store
}

// TestComputeReferenceValues reproduces S1 of spec.md §8: a single
// channel, 32 samples, no RFI mask, and the exact mean/variance values
// asserted by StatComputerTest.test_expected_values.
func TestComputeReferenceValues(t *testing.T) {
	c, store := newComputerForTest(t, 1, 16, 32, []bool{false}, 1, 1)

	res, err := c.Compute(newSegment(s1Values))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.HeapsProcessed)

	cases := []struct {
		pol, dim      int
		mean, variance float32
	}{
		{0, 0, 2.96875, 185.0635081},
		{0, 1, 2.375, 87.98387097},
		{1, 0, 4.09375, 75.50705645},
		{1, 1, 6, 130.5806452},
	}
	for _, tc := range cases {
		idx := store.IdxPolDim(tc.pol, tc.dim)
		assert.InDelta(t, tc.mean, store.MeanFrequencyAvg[idx], 1e-4, "mean pol=%d dim=%d", tc.pol, tc.dim)
		assert.InDelta(t, tc.variance, store.VarianceFrequencyAvg[idx], 1e-2, "variance pol=%d dim=%d", tc.pol, tc.dim)
		// No RFI mask in this scenario: masked equals unmasked.
		assert.InDelta(t, tc.mean, store.MeanFrequencyAvgMasked[idx], 1e-4)
		assert.InDelta(t, tc.variance, store.VarianceFrequencyAvgMasked[idx], 1e-2)

		// Single channel: mean_spectrum/variance_spectrum equal the
		// frequency-averaged values.
		sidx := store.IdxPolDimChan(tc.pol, tc.dim, 0)
		assert.InDelta(t, tc.mean, store.MeanSpectrum[sidx], 1e-4)
		assert.InDelta(t, tc.variance, store.VarianceSpectrum[sidx], 1e-2)
	}

	for i, v := range store.NumClippedSamples {
		assert.Zero(t, v, "num_clipped_samples[%d]", i)
	}
	for i, v := range store.NumClippedSamplesSpectrum {
		assert.Zero(t, v, "num_clipped_samples_spectrum[%d]", i)
	}

	assert.InDelta(t, float32(278.96875), store.MeanSpectralPower[store.IdxPolChan(0, 0)], 1e-3)
	assert.InDelta(t, float32(1028), store.MaxSpectralPower[store.IdxPolChan(0, 0)], 1e-6)
	assert.InDelta(t, float32(252.40625), store.MeanSpectralPower[store.IdxPolChan(1, 0)], 1e-3)
	assert.InDelta(t, float32(1025), store.MaxSpectralPower[store.IdxPolChan(1, 0)], 1e-6)
}

// s2Values is the 128-value array from test_masked_channels: 4 channels,
// 2 pol, 2 dim, 8 samples, with channels 0 and 1 RFI-masked.
var s2Values = []int16{
	// Pol A - channel 1
	-4, 19, 17, 6, -2, 2, 0, 15, 15, 3, 15, 8, -11, -21, -18, 2,
	// Pol A - channel 2
	-11, 9, -3, 5, -4, -13, 12, -1, 5, 10, 21, 0, 25, -2, 0, 12,
	// Pol A - channel 3
	8, -6, -8, 23, -11, -6, 28, 3, 32, -2, 17, 6, -8, 4, -9, 0,
	// Pol A - channel 4
	12, 6, -9, -18, -5, 0, -12, 1, 12, 9, -18, 8, 9, 2, 0, -8,
	// Pol B - channel 1
	4, 9, 0, 14, 24, 0, 17, 2, -5, 0, 7, 11, 8, -3, 2, 12,
	// Pol B - channel 2
	8, 8, 19, 3, 13, 22, -2, -10, -13, 19, -1, 16, -2, 2, 0, -3,
	// Pol B - channel 3
	1, -23, -1, 32, 1, 15, 5, 10, -1, 20, -1, 6, 15, -13, -4, 5,
	// Pol B - channel 4
	-1, 5, -1, 1, 12, -3, -6, -6, 0, -5, 15, 12, 20, 13, -2, 21,
}

// TestComputeMaskedChannels reproduces S2 of spec.md §8: 4 channels with
// channels 0 and 1 RFI-masked, per test_masked_channels.
func TestComputeMaskedChannels(t *testing.T) {
	rfiMaskLUT := []bool{true, true, false, false}
	c, store := newComputerForTest(t, 4, 16, 8, rfiMaskLUT, 1, 4)

	res, err := c.Compute(newSegment(s2Values))
	require.NoError(t, err)
	assert.True(t, res.Complete)

	cases := []struct {
		pol, dim                     int
		mean, variance               float32
		meanMasked, varianceMasked   float32
	}{
		{0, 0, 2.96875, 185.0635081, 2.375, 222.9166667},
		{0, 1, 2.375, 87.98387097, 1.375, 80.65},
		{1, 0, 4.09375, 75.50705645, 3.25, 60.86666667},
		{1, 1, 6, 130.5806452, 5.625, 190.1166667},
	}
	for _, tc := range cases {
		idx := store.IdxPolDim(tc.pol, tc.dim)
		assert.InDelta(t, tc.mean, store.MeanFrequencyAvg[idx], 1e-4, "mean pol=%d dim=%d", tc.pol, tc.dim)
		assert.InDelta(t, tc.variance, store.VarianceFrequencyAvg[idx], 5e-2, "variance pol=%d dim=%d", tc.pol, tc.dim)
		assert.InDelta(t, tc.meanMasked, store.MeanFrequencyAvgMasked[idx], 1e-4, "masked mean pol=%d dim=%d", tc.pol, tc.dim)
		assert.InDelta(t, tc.varianceMasked, store.VarianceFrequencyAvgMasked[idx], 5e-2, "masked variance pol=%d dim=%d", tc.pol, tc.dim)
	}

	for i, v := range store.NumClippedSamples {
		assert.Zero(t, v, "num_clipped_samples[%d]", i)
	}

	// channel 1: [pol][dim][chan] mean_spectrum values from
	// test_masked_channels.
	assert.InDelta(t, float32(1.5), store.MeanSpectrum[store.IdxPolDimChan(0, 0, 0)], 1e-4)
	assert.InDelta(t, float32(169.4285714), store.VarianceSpectrum[store.IdxPolDimChan(0, 0, 0)], 5e-2)
	assert.InDelta(t, float32(293.5), store.MeanSpectralPower[store.IdxPolChan(0, 0)], 1e-3)
	assert.InDelta(t, float32(562), store.MaxSpectralPower[store.IdxPolChan(0, 0)], 1e-6)
}

// s3Values is the 128-value array from test_clipped_channels: 4 channels
// with eight samples pinned to the 16-bit clip values -32768/32767.
var s3Values = []int16{
	// Pol A - channel 1
	-32768, 19, 17, 6, -2, 2, 0, 15, 15, 3, 15, 8, -11, -21, -18, 2,
	// Pol A - channel 2
	-11, 32767, -3, 5, -4, -13, 12, -1, 5, 10, 21, 0, 25, -2, 0, 12,
	// Pol A - channel 3
	8, -6, -32768, 23, -11, -6, 28, 3, 32, -2, 17, 6, -8, 4, -9, 0,
	// Pol A - channel 4
	12, 6, -9, 32767, -5, 0, -12, 1, 12, 9, -18, 8, 9, 2, 0, -8,
	// Pol B - channel 1
	4, 9, 0, 14, 32767, 0, 17, 2, -5, 0, 7, 11, 8, -3, 2, 12,
	// Pol B - channel 2
	8, 8, 19, 3, 13, 32767, -2, -10, -13, 19, -1, 16, -2, 2, 0, -3,
	// Pol B - channel 3
	1, -23, -1, 32, 1, 15, 32767, 10, -1, 20, -1, 6, 15, -13, -4, 5,
	// Pol B - channel 4
	-1, 5, -1, 1, 12, -3, -6, -32768, 0, -5, 15, 12, 20, 13, -2, 21,
}

// TestComputeClippedChannels reproduces S3 of spec.md §8:
// test_clipped_channels, two clipped samples per (pol,dim), each in a
// different channel.
func TestComputeClippedChannels(t *testing.T) {
	rfiMaskLUT := []bool{false, false, false, false}
	c, store := newComputerForTest(t, 4, 16, 8, rfiMaskLUT, 1, 4)

	res, err := c.Compute(newSegment(s3Values))
	require.NoError(t, err)
	assert.True(t, res.Complete)

	for pol := 0; pol < 2; pol++ {
		for dim := 0; dim < 2; dim++ {
			assert.EqualValues(t, 2, store.NumClippedSamples[store.IdxPolDim(pol, dim)], "pol=%d dim=%d", pol, dim)
		}
	}

	spectrumCases := []struct {
		pol, dim, chan_ int
		want            uint32
	}{
		{0, 0, 0, 1}, {0, 1, 0, 0}, {1, 0, 0, 1}, {1, 1, 0, 0},
		{0, 0, 1, 0}, {0, 1, 1, 1}, {1, 0, 1, 0}, {1, 1, 1, 1},
		{0, 0, 2, 1}, {0, 1, 2, 0}, {1, 0, 2, 1}, {1, 1, 2, 0},
		{0, 0, 3, 0}, {0, 1, 3, 1}, {1, 0, 3, 0}, {1, 1, 3, 1},
	}
	for _, tc := range spectrumCases {
		got := store.NumClippedSamplesSpectrum[store.IdxPolDimChan(tc.pol, tc.dim, tc.chan_)]
		assert.Equal(t, tc.want, got, "pol=%d dim=%d chan=%d", tc.pol, tc.dim, tc.chan_)
	}
}

func TestToBin(t *testing.T) {
	assert.Equal(t, 128, ToBin(0, 8))
	assert.Equal(t, 0, ToBin(-128, 8))
	assert.Equal(t, 255, ToBin(127, 8))
}

func TestNsampBlock(t *testing.T) {
	cfg := &statcfg.StreamConfig{Npol: 2, Ndim: 2, Nchan: 4, Nbit: 16, NsampPerPacket: 8}
	bps := cfg.Nbit / 8
	cfg.HeapResolution = cfg.NsampPerPacket * cfg.Nchan * cfg.Npol * cfg.Ndim * bps

	assert.Equal(t, 8, NsampBlock(cfg, 1))
	assert.Equal(t, 16, NsampBlock(cfg, 2))
}

// TestComputeInterruptStopsEarly is S5 of spec.md §8: Interrupt called
// mid-segment leaves Result.Complete false and does not finalise Storage.
func TestComputeInterruptStopsEarly(t *testing.T) {
	vals := make([]int16, 0, len(s2Values)*4)
	for i := 0; i < 4; i++ {
		vals = append(vals, s2Values...)
	}
	c, store := newComputerForTest(t, 4, 16, 8, []bool{false, false, false, false}, 1, 4)
	c.Interrupt()

	res, err := c.Compute(newSegment(vals))
	require.NoError(t, err)
	assert.False(t, res.Complete)
	for _, v := range store.MeanSpectrum {
		assert.Zero(t, v)
	}
}

func TestComputeZeroHeapsIsIncomplete(t *testing.T) {
	c, _ := newComputerForTest(t, 4, 16, 8, []bool{false, false, false, false}, 1, 4)
	res, err := c.Compute(&Segment{Data: Block{Data: []byte{1, 2, 3}}})
	require.NoError(t, err)
	assert.False(t, res.Complete)
}

// TestComputeTimeBinIndexIndependentOfChannel guards against the time
// index being driven by a counter that advances once per (heap, channel,
// sample) instead of once per (heap, sample): with nchan>1 that bug runs
// the index nchan times too fast and piles every channel's power into the
// last time bin. Two channels carry very different power so a wrong bin
// placement is unmistakable in the assertions below.
func TestComputeTimeBinIndexIndependentOfChannel(t *testing.T) {
	cfg := &statcfg.StreamConfig{
		Npol:           1,
		Ndim:           2,
		Nchan:          2,
		Nbit:           16,
		NsampPerPacket: 4,
		Freq:           1000,
		Bandwidth:      2,
		Tsamp:          1,
	}
	bps := cfg.Nbit / 8
	cfg.HeapResolution = cfg.NsampPerPacket * cfg.Nchan * cfg.Npol * cfg.Ndim * bps

	freqs := make([]float64, cfg.Nchan)
	for i := range freqs {
		freqs[i] = cfg.ChannelCentreFrequency(i)
	}
	store := storage.New(cfg.Nchan, cfg.Nbit, 8, freqs, []bool{false, false})
	require.NoError(t, store.Resize(2, 2))
	require.NoError(t, store.Reset())

	c := New()
	c.Initialise(cfg, store)

	// One heap, pol-major/chan-major/sample-major/dim-fastest, matching
	// sampleByteOffset. Channel 0 carries small power, channel 1 large,
	// so a sample landing in the wrong time bin is easy to spot.
	vals := []int16{
		// channel 0
		1, 2, 3, 4, 5, 6, 7, 8,
		// channel 1
		10, 0, 0, 10, 20, 0, 0, 20,
	}
	res, err := c.Compute(newSegment(vals))
	require.NoError(t, err)
	assert.True(t, res.Complete)

	// tBin 0 holds si=0,1 from both channels; tBin 1 holds si=2,3.
	freq0 := store.IdxPolFreqTime(0, 0, 0)
	freq0t1 := store.IdxPolFreqTime(0, 0, 1)
	freq1t0 := store.IdxPolFreqTime(0, 1, 0)
	freq1t1 := store.IdxPolFreqTime(0, 1, 1)
	assert.InDelta(t, float32(30), store.Spectrogram[freq0], 1e-6, "chan0 tBin0")
	assert.InDelta(t, float32(174), store.Spectrogram[freq0t1], 1e-6, "chan0 tBin1")
	assert.InDelta(t, float32(200), store.Spectrogram[freq1t0], 1e-6, "chan1 tBin0")
	assert.InDelta(t, float32(800), store.Spectrogram[freq1t1], 1e-6, "chan1 tBin1")

	meanIdx0 := store.IdxPolTimeVal(0, 0, storage.TimeseriesMean)
	meanIdx1 := store.IdxPolTimeVal(0, 1, storage.TimeseriesMean)
	maxIdx0 := store.IdxPolTimeVal(0, 0, storage.TimeseriesMax)
	minIdx1 := store.IdxPolTimeVal(0, 1, storage.TimeseriesMin)
	assert.InDelta(t, float32(57.5), store.Timeseries[meanIdx0], 1e-4, "tBin0 mean across channels")
	assert.InDelta(t, float32(243.5), store.Timeseries[meanIdx1], 1e-4, "tBin1 mean across channels")
	assert.InDelta(t, float32(100), store.Timeseries[maxIdx0], 1e-6, "tBin0 max is channel 1's si=0/1 power")
	assert.InDelta(t, float32(61), store.Timeseries[minIdx1], 1e-6, "tBin1 min is channel 0's si=2 power")
}
