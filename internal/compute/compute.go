// Package compute implements the Computer: the heap/packet/sample walk
// that accumulates every Storage statistic for one segment (spec.md §4.4).
package compute

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// Block is a borrowed, contiguous byte buffer, valid until the next
// SegmentProducer call (spec.md §4.2).
type Block struct {
	Data []byte
}

// Segment is the synchronised data+weights work unit handed to
// Computer.Compute (spec.md §4.2).
type Segment struct {
	Data    Block
	Weights Block
}

// Result carries the per-segment accounting the original source logs but
// spec.md promotes to real, queryable fields (SPEC_FULL.md "Supplemented
// from original_source/").
type Result struct {
	Complete       bool
	HeapsProcessed int
	HeapsDropped   int // always 0: truncation happens in process() before Compute sees the segment
}

// Computer walks a segment's heaps and accumulates every Storage field.
// A Computer instance is reused across segments within one scan; it holds
// no state across Compute calls beyond the interrupt flag.
type Computer struct {
	cfg       *statcfg.StreamConfig
	store     *storage.Storage
	clipMin   int64
	clipMax   int64
	interrupt atomic.Bool
}

// New constructs a Computer bound to no stream yet; call Initialise before
// Compute.
func New() *Computer {
	return &Computer{}
}

// Initialise binds the Computer to a stream configuration and the Storage
// it will populate, per spec.md §4.3 step 4.
func (c *Computer) Initialise(cfg *statcfg.StreamConfig, store *storage.Storage) {
	c.cfg = cfg
	c.store = store
	c.clipMin, c.clipMax = cfg.ClipValues()
	c.interrupt.Store(false)
}

// Interrupt signals the in-flight Compute to terminate at the next heap
// boundary (spec.md §4.3 "interrupt()").
func (c *Computer) Interrupt() {
	c.interrupt.Store(true)
}

// NsampBlock computes the effective number of time samples carried by
// numHeaps heaps, per spec.md §4.3 step 2: num_heaps * heap_resolution
// (bytes) divided by the per-time-sample footprint (nchan * npol * ndim
// scalar values of bytesPerSample width each).
func NsampBlock(cfg *statcfg.StreamConfig, numHeaps int) int {
	bps := cfg.BytesPerSample()
	return numHeaps * cfg.HeapResolution / bps / (cfg.Npol * cfg.Ndim * cfg.Nchan)
}

// ToBin maps a two's-complement sample value to its histogram bin index,
// spec.md §4.4: to_bin(x,nbit) = x + 2^(nbit-1).
func ToBin(x int64, nbit int) int {
	return int(x + (int64(1) << uint(nbit-1)))
}

// chanAccum holds the running per-channel accumulators for one (pol,dim)
// combination across the whole segment.
type chanAccum struct {
	sum   []float64
	sumsq []float64
	count []uint64
}

func newChanAccum(nchan int) chanAccum {
	return chanAccum{
		sum:   make([]float64, nchan),
		sumsq: make([]float64, nchan),
		count: make([]uint64, nchan),
	}
}

// powAccum holds per-channel power accumulators for one polarisation.
type powAccum struct {
	sum   []float64
	max   []float64
	count []uint64
}

func newPowAccum(nchan int) powAccum {
	p := powAccum{sum: make([]float64, nchan), max: make([]float64, nchan), count: make([]uint64, nchan)}
	for i := range p.max {
		p.max[i] = math.Inf(-1)
	}
	return p
}

// timeAccum holds per-time-bin running (sum, max, min) accumulators for
// one polarisation, both raw and RFI-masked.
type timeAccum struct {
	sum, sumMasked       []float64
	max, maxMasked       []float64
	min, minMasked       []float64
	count, countMasked   []uint64
}

func newTimeAccum(ntimeBins int) timeAccum {
	t := timeAccum{
		sum: make([]float64, ntimeBins), sumMasked: make([]float64, ntimeBins),
		max: make([]float64, ntimeBins), maxMasked: make([]float64, ntimeBins),
		min: make([]float64, ntimeBins), minMasked: make([]float64, ntimeBins),
		count: make([]uint64, ntimeBins), countMasked: make([]uint64, ntimeBins),
	}
	for i := 0; i < ntimeBins; i++ {
		t.max[i], t.maxMasked[i] = math.Inf(-1), math.Inf(-1)
		t.min[i], t.minMasked[i] = math.Inf(1), math.Inf(1)
	}
	return t
}

// Compute ingests seg and populates every field of the bound Storage.
// Returns (result, error). result.Complete is false if interrupted or if
// num_heaps == 0; in that case no publisher should be invoked (spec.md
// §4.3 step 5, §5 cancellation).
func (c *Computer) Compute(seg *Segment) (Result, error) {
	if c.cfg == nil || c.store == nil {
		return Result{}, fmt.Errorf("compute: Initialise must be called before Compute")
	}
	if !c.store.Resized() || !c.store.IsReset() {
		return Result{}, fmt.Errorf("compute: storage must be resized and reset before Compute")
	}

	cfg := c.cfg
	bps := cfg.BytesPerSample()
	if cfg.HeapResolution <= 0 {
		return Result{}, fmt.Errorf("compute: non-positive heap resolution")
	}
	numHeaps := len(seg.Data.Data) / cfg.HeapResolution
	if numHeaps == 0 {
		return Result{Complete: false}, nil
	}

	nsampBlock := NsampBlock(cfg, numHeaps)
	ntimeBins := c.store.NtimeBins
	nfreqBins := c.store.NfreqBins
	nchan := cfg.Nchan
	npol := cfg.Npol
	ndim := cfg.Ndim

	// Per (pol,dim) running channel accumulators.
	chanAccs := make([][]chanAccum, npol)
	for p := 0; p < npol; p++ {
		chanAccs[p] = make([]chanAccum, ndim)
		for d := 0; d < ndim; d++ {
			chanAccs[p][d] = newChanAccum(nchan)
		}
	}

	powAccs := make([]powAccum, npol)
	for p := 0; p < npol; p++ {
		powAccs[p] = newPowAccum(nchan)
	}

	timeAccs := make([]timeAccum, npol)
	for p := 0; p < npol; p++ {
		timeAccs[p] = newTimeAccum(ntimeBins)
	}

	nbit := cfg.Nbit
	nbin := cfg.Nbin()
	nrebin := c.store.Nrebin

	// A channel is excluded from averaged ("masked") statistics if it is
	// statically RFI-masked or if its weight (scale * raw_weight) is zero
	// at the start of this segment (spec.md §4.4 "weighted means/variances").
	// Per-channel stats (mean_spectrum, raw histograms, clip counts) are
	// never affected by weight.
	effectiveMaskLUT := append([]bool(nil), c.store.RFIMaskLUT...)
	if recSize := weightsRecordSize(cfg); len(seg.Weights.Data) >= recSize {
		for ch := 0; ch < nchan; ch++ {
			if readChannelWeight(seg.Weights.Data, recSize, 0, ch, cfg.WeightsNbit) == 0 {
				effectiveMaskLUT[ch] = true
			}
		}
	}

	pooledSamples := make([][][]float64, npol)
	pooledSamplesMasked := make([][][]float64, npol)
	totalSamplesCap := numHeaps * nchan * cfg.NsampPerPacket
	for p := 0; p < npol; p++ {
		pooledSamples[p] = make([][]float64, ndim)
		pooledSamplesMasked[p] = make([][]float64, ndim)
		for d := 0; d < ndim; d++ {
			pooledSamples[p][d] = make([]float64, 0, totalSamplesCap)
		}
	}

	heapsProcessed := 0

outer:
	for h := 0; h < numHeaps; h++ {
		if c.interrupt.Load() {
			break outer
		}
		heapOffset := h * cfg.HeapResolution
		for chan_ := 0; chan_ < nchan; chan_++ {
			masked := effectiveMaskLUT[chan_]
			fBin := (chan_ * nfreqBins) / nchan

			for si := 0; si < cfg.NsampPerPacket; si++ {
				// Temporal position is h*NsampPerPacket + si, independent
				// of the channel loop above: nsampBlock counts each of a
				// heap's NsampPerPacket time samples once, not once per
				// channel.
				sampleIdx := h*cfg.NsampPerPacket + si
				tBin := (sampleIdx * ntimeBins) / nsampBlock
				if tBin >= ntimeBins {
					tBin = ntimeBins - 1
				}

				for pol := 0; pol < npol; pol++ {
					var iq [2]int64 // iq[0] = I (dim 0), iq[1] = Q (dim 1)

					for dim := 0; dim < ndim; dim++ {
						off := heapOffset + sampleByteOffset(cfg, dim, pol, si, chan_)
						xv := readSigned(seg.Data.Data, off, bps)
						iq[dim] = xv

						ca := &chanAccs[pol][dim]
						ca.sum[chan_] += float64(xv)
						ca.sumsq[chan_] += float64(xv) * float64(xv)
						ca.count[chan_]++

						pooledSamples[pol][dim] = append(pooledSamples[pol][dim], float64(xv))
						if !masked {
							pooledSamplesMasked[pol][dim] = append(pooledSamplesMasked[pol][dim], float64(xv))
						}

						if xv == c.clipMin || xv == c.clipMax {
							c.store.NumClippedSamplesSpectrum[c.store.IdxPolDimChan(pol, dim, chan_)]++
							c.store.NumClippedSamples[c.store.IdxPolDim(pol, dim)]++
						}

						bin := clampIdx(ToBin(xv, nbit), nbin)
						c.store.Histogram1DFreqAvg[c.store.IdxPolDimBin(pol, dim, bin)]++
						if !masked {
							c.store.Histogram1DFreqAvgMasked[c.store.IdxPolDimBin(pol, dim, bin)]++
						}

						rBin := clampIdx((bin*nrebin)/nbin, nrebin)
						c.store.RebinnedHistogram1DFreqAvg[c.store.IdxPolDimRebin(pol, dim, rBin)]++
						if !masked {
							c.store.RebinnedHistogram1DFreqAvgMasked[c.store.IdxPolDimRebin(pol, dim, rBin)]++
						}
					}

					// Both dimensions of this (pol, sample, channel) are
					// now read: I=iq[0], Q=iq[1]. Do the power-derived
					// work that needs the complex pair.
					I, Q := iq[0], iq[1]
					pow := float64(I)*float64(I) + float64(Q)*float64(Q)

					pa := &powAccs[pol]
					pa.sum[chan_] += pow
					pa.count[chan_]++
					if pow > pa.max[chan_] {
						pa.max[chan_] = pow
					}

					ta := &timeAccs[pol]
					ta.sum[tBin] += pow
					ta.count[tBin]++
					if pow > ta.max[tBin] {
						ta.max[tBin] = pow
					}
					if pow < ta.min[tBin] {
						ta.min[tBin] = pow
					}
					if !masked {
						ta.sumMasked[tBin] += pow
						ta.countMasked[tBin]++
						if pow > ta.maxMasked[tBin] {
							ta.maxMasked[tBin] = pow
						}
						if pow < ta.minMasked[tBin] {
							ta.minMasked[tBin] = pow
						}
					}

					c.store.Spectrogram[c.store.IdxPolFreqTime(pol, fBin, tBin)] += float32(pow)

					binI := ToBin(I, nbit)
					binQ := ToBin(Q, nbit)
					rI := clampIdx((binI*nrebin)/nbin, nrebin)
					rQ := clampIdx((binQ*nrebin)/nbin, nrebin)
					c.store.RebinnedHistogram2DFreqAvg[c.store.IdxPolRebin2D(pol, rI, rQ)]++
					if !masked {
						c.store.RebinnedHistogram2DFreqAvgMasked[c.store.IdxPolRebin2D(pol, rI, rQ)]++
					}
				}
			}
		}
		heapsProcessed++
	}

	if c.interrupt.Load() {
		return Result{Complete: false, HeapsProcessed: heapsProcessed}, nil
	}

	c.finalise(chanAccs, powAccs, timeAccs, pooledSamples, pooledSamplesMasked, nsampBlock)

	return Result{Complete: true, HeapsProcessed: heapsProcessed}, nil
}

// finalise computes every derived/averaged Storage field from the
// accumulators gathered during the heap walk, per spec.md §4.4
// "Finalisation".
func (c *Computer) finalise(chanAccs [][]chanAccum, powAccs []powAccum, timeAccs []timeAccum, pooledSamples, pooledSamplesMasked [][][]float64, nsampBlock int) {
	cfg := c.cfg
	s := c.store
	npol, ndim, nchan := cfg.Npol, cfg.Ndim, cfg.Nchan

	for ch := 0; ch < nchan; ch++ {
		s.ChannelCentreFrequencies[ch] = cfg.ChannelCentreFrequency(ch)
	}
	for b := 0; b < s.NfreqBins; b++ {
		s.FrequencyBins[b] = (cfg.Freq - cfg.Bandwidth/2) + (cfg.Bandwidth/float64(s.NfreqBins))*(float64(b)+0.5)
	}
	totalSampleTime := cfg.Tsamp * 1e-6 * float64(nsampBlock)
	for tb := 0; tb < s.NtimeBins; tb++ {
		s.TimeseriesBins[tb] = totalSampleTime * (float64(tb) + 0.5) / float64(s.NtimeBins)
	}

	for p := 0; p < npol; p++ {
		for d := 0; d < ndim; d++ {
			ca := chanAccs[p][d]

			for ch := 0; ch < nchan; ch++ {
				cnt := ca.count[ch]
				sum := ca.sum[ch]
				sumsq := ca.sumsq[ch]

				var mean, variance float32
				if cnt > 0 {
					mean = float32(sum / float64(cnt))
				}
				if cnt >= 2 {
					variance = float32((sumsq - sum*sum/float64(cnt)) / float64(cnt-1))
				}
				s.MeanSpectrum[s.IdxPolDimChan(p, d, ch)] = mean
				s.VarianceSpectrum[s.IdxPolDimChan(p, d, ch)] = variance
			}

			mean, variance := meanVariance32(pooledSamples[p][d])
			s.MeanFrequencyAvg[s.IdxPolDim(p, d)] = mean
			s.VarianceFrequencyAvg[s.IdxPolDim(p, d)] = variance

			meanMasked, varianceMasked := meanVariance32(pooledSamplesMasked[p][d])
			s.MeanFrequencyAvgMasked[s.IdxPolDim(p, d)] = meanMasked
			s.VarianceFrequencyAvgMasked[s.IdxPolDim(p, d)] = varianceMasked
		}
	}

	for p := 0; p < npol; p++ {
		pa := powAccs[p]
		for ch := 0; ch < nchan; ch++ {
			if pa.count[ch] > 0 {
				s.MeanSpectralPower[s.IdxPolChan(p, ch)] = float32(pa.sum[ch] / float64(pa.count[ch]))
				s.MaxSpectralPower[s.IdxPolChan(p, ch)] = float32(pa.max[ch])
			}
		}

		ta := timeAccs[p]
		for tb := 0; tb < s.NtimeBins; tb++ {
			if ta.count[tb] > 0 {
				s.Timeseries[s.IdxPolTimeVal(p, tb, storage.TimeseriesMax)] = float32(ta.max[tb])
				s.Timeseries[s.IdxPolTimeVal(p, tb, storage.TimeseriesMin)] = float32(ta.min[tb])
				s.Timeseries[s.IdxPolTimeVal(p, tb, storage.TimeseriesMean)] = float32(ta.sum[tb] / float64(ta.count[tb]))
			}
			if ta.countMasked[tb] > 0 {
				s.TimeseriesMasked[s.IdxPolTimeVal(p, tb, storage.TimeseriesMax)] = float32(ta.maxMasked[tb])
				s.TimeseriesMasked[s.IdxPolTimeVal(p, tb, storage.TimeseriesMin)] = float32(ta.minMasked[tb])
				s.TimeseriesMasked[s.IdxPolTimeVal(p, tb, storage.TimeseriesMean)] = float32(ta.sumMasked[tb] / float64(ta.countMasked[tb]))
			}
		}
	}
}

// meanVariance32 recombines the pooled per-(pol,dim) sample slice gathered
// across every channel into the cross-channel statistic via gonum, rather
// than re-deriving it from the per-channel sum/sumsq accumulators.
func meanVariance32(samples []float64) (mean, variance float32) {
	switch len(samples) {
	case 0:
		return 0, 0
	case 1:
		return float32(samples[0]), 0
	default:
		m, v := stat.MeanVariance(samples, nil)
		return float32(m), float32(v)
	}
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// sampleByteOffset returns the byte offset, relative to the start of a
// heap, of the sample at (dim, pol, sample-in-heap, channel). This is the
// heap-local memory layout the ring buffer assembles from wire packets
// before handing a segment to Compute: polarisation outermost, then
// channel, then time sample, then dim fastest. It is distinct from (and reassembled
// out of) the per-packet wire order of spec.md §6, which frames only the
// network transport of one packet's worth of samples.
func sampleByteOffset(cfg *statcfg.StreamConfig, dim, pol, si, chan_ int) int {
	bps := cfg.BytesPerSample()
	idx := dim + cfg.Ndim*(si+cfg.NsampPerPacket*(chan_+cfg.Nchan*pol))
	return idx * bps
}

// weightsRecordSize returns the size in bytes of one weights record: a
// 4-byte float32 scale followed by one weights_nbit-wide raw weight word
// per channel (spec.md §6 "Weights packet layout"). A segment carries one
// record per heap rather than per weights-packet; Compute reads only the
// first heap's record.
func weightsRecordSize(cfg *statcfg.StreamConfig) int {
	return WeightsRecordSize(cfg)
}

// WeightsRecordSize is the exported form of weightsRecordSize, used by
// internal/processor to validate segment alignment before Compute runs.
func WeightsRecordSize(cfg *statcfg.StreamConfig) int {
	return 4 + cfg.Nchan*cfg.WeightsNbit/8
}

// readChannelWeight returns scale * raw_weight[chan_] for heap h, or 1 if
// the weights block holds no scale for heap h (missing weights means
// "fully weighted"). If the record ends before chan_'s weight word, or
// weightsNbit is neither 8 nor 16, it returns scale alone.
func readChannelWeight(weights []byte, recSize, h, chan_, weightsNbit int) float64 {
	base := h * recSize
	if base+4 > len(weights) {
		return 1
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(weights[base : base+4]))
	wOff := base + 4 + chan_*(weightsNbit/8)
	switch weightsNbit {
	case 8:
		if wOff >= len(weights) {
			return float64(scale)
		}
		return float64(scale) * float64(weights[wOff])
	case 16:
		if wOff+2 > len(weights) {
			return float64(scale)
		}
		return float64(scale) * float64(binary.LittleEndian.Uint16(weights[wOff:wOff+2]))
	default:
		return float64(scale)
	}
}

// readSigned reads a little-endian two's-complement integer of width
// bytesPerSample at byte offset off.
func readSigned(buf []byte, off, bytesPerSample int) int64 {
	switch bytesPerSample {
	case 1:
		return int64(int8(buf[off]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf[off : off+2])))
	default:
		panic(fmt.Sprintf("compute: unsupported sample width %d bytes", bytesPerSample))
	}
}
