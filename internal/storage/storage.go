// Package storage owns the statistics aggregate grid described in spec.md
// §3: one flat strided buffer per field, resize/reset lifecycle invariants,
// and the shapes read by ScalarPublisher and Hdf5Publisher.
package storage

import "fmt"

const (
	// NtimeVals is the fixed (max, min, mean) tuple width of the timeseries
	// fields.
	NtimeVals = 3
)

// Storage holds every statistics aggregate for one processing window.
// All [pol][dim][...] notation in field comments is conceptual; each field
// is backed by a single flat slice indexed with explicit stride arithmetic
// (spec.md §9 "nested dynamic-length arrays").
type Storage struct {
	Npol   int
	Ndim   int
	Nchan  int
	Nbin   int // 2^nbit
	Nrebin int

	NtimeBins int
	NfreqBins int

	// Per-channel grids, fixed at configure-scan time.
	ChannelCentreFrequencies []float64 // [nchan]
	RFIMaskLUT               []bool    // [nchan]

	// Per-segment bin centres, allocated at Resize and filled in by the
	// Computer.
	FrequencyBins  []float64 // [nfreq_bins]
	TimeseriesBins []float64 // [ntime_bins]

	// [pol][dim]
	MeanFrequencyAvg           []float32
	MeanFrequencyAvgMasked     []float32
	VarianceFrequencyAvg       []float32
	VarianceFrequencyAvgMasked []float32
	NumClippedSamples          []uint32

	// [pol][dim][nchan]
	MeanSpectrum               []float32
	VarianceSpectrum           []float32
	NumClippedSamplesSpectrum  []uint32

	// [pol][nchan]
	MeanSpectralPower []float32
	MaxSpectralPower  []float32

	// [pol][dim][nbin]
	Histogram1DFreqAvg       []uint32
	Histogram1DFreqAvgMasked []uint32

	// [pol][dim][nrebin]
	RebinnedHistogram1DFreqAvg       []uint32
	RebinnedHistogram1DFreqAvgMasked []uint32

	// [pol][nrebin][nrebin]
	RebinnedHistogram2DFreqAvg       []uint32
	RebinnedHistogram2DFreqAvgMasked []uint32

	// [pol][nfreq_bins][ntime_bins]
	Spectrogram []float32

	// [pol][ntime_bins][3]
	Timeseries       []float32
	TimeseriesMasked []float32

	resized bool
	reset   bool
}

// New constructs an empty Storage for the given per-channel geometry
// (fixed for the lifetime of a scan: nchan, nbit, nrebin, and the channel
// frequency/RFI grids).
func New(nchan, nbit, nrebin int, channelFreqs []float64, rfiMaskLUT []bool) *Storage {
	if len(channelFreqs) != nchan || len(rfiMaskLUT) != nchan {
		panic("storage.New: channelFreqs/rfiMaskLUT must have length nchan")
	}
	s := &Storage{
		Npol:                     2,
		Ndim:                     2,
		Nchan:                    nchan,
		Nbin:                     1 << uint(nbit),
		Nrebin:                   nrebin,
		ChannelCentreFrequencies: append([]float64(nil), channelFreqs...),
		RFIMaskLUT:               append([]bool(nil), rfiMaskLUT...),
	}
	return s
}

// Resized reports whether Resize has completed at least once.
func (s *Storage) Resized() bool { return s.resized }

// IsReset reports whether Reset has been called since the last Resize.
func (s *Storage) IsReset() bool { return s.reset }

// Resize allocates every per-segment field to the shapes tabulated in
// spec.md §3, given this segment's time/frequency bin counts. Resize
// invalidates reset; Reset must be called again before Computer.compute.
func (s *Storage) Resize(ntimeBins, nfreqBins int) error {
	if ntimeBins <= 0 || nfreqBins <= 0 {
		return fmt.Errorf("storage: resize requires positive bin counts, got ntime=%d nfreq=%d", ntimeBins, nfreqBins)
	}
	s.NtimeBins = ntimeBins
	s.NfreqBins = nfreqBins

	npol, ndim, nchan, nbin, nrebin := s.Npol, s.Ndim, s.Nchan, s.Nbin, s.Nrebin

	s.FrequencyBins = make([]float64, nfreqBins)
	s.TimeseriesBins = make([]float64, ntimeBins)

	s.MeanFrequencyAvg = make([]float32, npol*ndim)
	s.MeanFrequencyAvgMasked = make([]float32, npol*ndim)
	s.VarianceFrequencyAvg = make([]float32, npol*ndim)
	s.VarianceFrequencyAvgMasked = make([]float32, npol*ndim)
	s.NumClippedSamples = make([]uint32, npol*ndim)

	s.MeanSpectrum = make([]float32, npol*ndim*nchan)
	s.VarianceSpectrum = make([]float32, npol*ndim*nchan)
	s.NumClippedSamplesSpectrum = make([]uint32, npol*ndim*nchan)

	s.MeanSpectralPower = make([]float32, npol*nchan)
	s.MaxSpectralPower = make([]float32, npol*nchan)

	s.Histogram1DFreqAvg = make([]uint32, npol*ndim*nbin)
	s.Histogram1DFreqAvgMasked = make([]uint32, npol*ndim*nbin)

	s.RebinnedHistogram1DFreqAvg = make([]uint32, npol*ndim*nrebin)
	s.RebinnedHistogram1DFreqAvgMasked = make([]uint32, npol*ndim*nrebin)

	s.RebinnedHistogram2DFreqAvg = make([]uint32, npol*nrebin*nrebin)
	s.RebinnedHistogram2DFreqAvgMasked = make([]uint32, npol*nrebin*nrebin)

	s.Spectrogram = make([]float32, npol*nfreqBins*ntimeBins)

	s.Timeseries = make([]float32, npol*ntimeBins*NtimeVals)
	s.TimeseriesMasked = make([]float32, npol*ntimeBins*NtimeVals)

	s.resized = true
	s.reset = false
	return nil
}

// Reset zeroes every numeric cell. Resize must have been called first.
func (s *Storage) Reset() error {
	if !s.resized {
		return fmt.Errorf("storage: reset called before resize")
	}
	zeroF64(s.FrequencyBins)
	zeroF64(s.TimeseriesBins)
	zeroF32(s.MeanFrequencyAvg)
	zeroF32(s.MeanFrequencyAvgMasked)
	zeroF32(s.VarianceFrequencyAvg)
	zeroF32(s.VarianceFrequencyAvgMasked)
	zeroU32(s.NumClippedSamples)
	zeroF32(s.MeanSpectrum)
	zeroF32(s.VarianceSpectrum)
	zeroU32(s.NumClippedSamplesSpectrum)
	zeroF32(s.MeanSpectralPower)
	zeroF32(s.MaxSpectralPower)
	zeroU32(s.Histogram1DFreqAvg)
	zeroU32(s.Histogram1DFreqAvgMasked)
	zeroU32(s.RebinnedHistogram1DFreqAvg)
	zeroU32(s.RebinnedHistogram1DFreqAvgMasked)
	zeroU32(s.RebinnedHistogram2DFreqAvg)
	zeroU32(s.RebinnedHistogram2DFreqAvgMasked)
	zeroF32(s.Spectrogram)
	zeroF32(s.Timeseries)
	zeroF32(s.TimeseriesMasked)
	s.reset = true
	return nil
}

func zeroF64(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
func zeroF32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
func zeroU32(s []uint32) {
	for i := range s {
		s[i] = 0
	}
}

// --- stride-index helpers, used by Computer and the publishers. ---

// IdxPolDim returns the flat index into a [pol][dim] field.
func (s *Storage) IdxPolDim(pol, dim int) int { return pol*s.Ndim + dim }

// IdxPolDimChan returns the flat index into a [pol][dim][nchan] field.
func (s *Storage) IdxPolDimChan(pol, dim, chan_ int) int {
	return (pol*s.Ndim+dim)*s.Nchan + chan_
}

// IdxPolChan returns the flat index into a [pol][nchan] field.
func (s *Storage) IdxPolChan(pol, chan_ int) int { return pol*s.Nchan + chan_ }

// IdxPolDimBin returns the flat index into a [pol][dim][nbin] field.
func (s *Storage) IdxPolDimBin(pol, dim, bin int) int {
	return (pol*s.Ndim+dim)*s.Nbin + bin
}

// IdxPolDimRebin returns the flat index into a [pol][dim][nrebin] field.
func (s *Storage) IdxPolDimRebin(pol, dim, rebin int) int {
	return (pol*s.Ndim+dim)*s.Nrebin + rebin
}

// IdxPolRebin2D returns the flat index into a [pol][nrebin][nrebin] field.
func (s *Storage) IdxPolRebin2D(pol, rI, rQ int) int {
	return (pol*s.Nrebin+rI)*s.Nrebin + rQ
}

// IdxPolFreqTime returns the flat index into a [pol][nfreq_bins][ntime_bins]
// field.
func (s *Storage) IdxPolFreqTime(pol, fBin, tBin int) int {
	return (pol*s.NfreqBins+fBin)*s.NtimeBins + tBin
}

// IdxPolTimeVal returns the flat index into a [pol][ntime_bins][3] field.
func (s *Storage) IdxPolTimeVal(pol, tBin, val int) int {
	return (pol*s.NtimeBins+tBin)*NtimeVals + val
}

// Timeseries value slots.
const (
	TimeseriesMax  = 0
	TimeseriesMin  = 1
	TimeseriesMean = 2
)
