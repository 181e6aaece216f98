// Package statcfg derives the operational stream parameters (packet/heap
// geometry, RFI mask lookup) from the data and weights headers delivered by
// the upstream ring-buffer producer.
package statcfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/ska-telescope/pst-stat-go/internal/header"
)

// FreqRange is an inclusive [Lo, Hi] frequency range in MHz, as parsed from
// the RFI_MASK header key.
type FreqRange struct {
	Lo, Hi float64
}

// StreamConfig holds the derived geometry and physical parameters of one
// data+weights stream pair, per spec.md §3.
type StreamConfig struct {
	Npol int
	Ndim int

	Nchan       int
	Nbit        int
	WeightsNbit int

	NsampPerPacket   int
	NchanPerPacket   int
	NsampPerWeight   int

	Tsamp      float64 // microseconds per time sample
	Freq       float64 // MHz, centre frequency
	Bandwidth  float64 // MHz
	StartChan  int

	RFIMask []FreqRange

	// Derived geometry, see spec.md §3.
	PacketResolution     int
	HeapResolution       int
	PacketsPerHeap       int
	WeightsPacketStride  int
}

// MinProtocolVersion is the minimum PROTOCOL_VERSION this engine accepts
// from an upstream producer, when that optional key is present.
const MinProtocolVersion = "1.0.0"

// DeriveFromHeaders builds a StreamConfig from the data and weights
// in-band headers obtained from the SegmentProducer after configure_beam.
func DeriveFromHeaders(dataHdr, weightsHdr *header.Header) (*StreamConfig, error) {
	cfg := &StreamConfig{Npol: 2, Ndim: 2}

	nchan, err := dataHdr.GetUint32("NCHAN")
	if err != nil {
		return nil, err
	}
	if nchan == 0 {
		return nil, fmt.Errorf("statcfg: NCHAN must be > 0")
	}
	cfg.Nchan = int(nchan)

	nbit, err := dataHdr.GetUint32("NBIT")
	if err != nil {
		return nil, err
	}
	if nbit != 8 && nbit != 16 {
		return nil, fmt.Errorf("statcfg: unsupported NBIT %d (supported: 8, 16)", nbit)
	}
	cfg.Nbit = int(nbit)

	wnbit, err := weightsHdr.GetUint32("WEIGHTS_NBIT")
	if err != nil {
		return nil, err
	}
	cfg.WeightsNbit = int(wnbit)

	nsampPkt, err := dataHdr.GetUint32("UDP_NSAMP")
	if err != nil {
		return nil, err
	}
	cfg.NsampPerPacket = int(nsampPkt)

	nchanPkt, err := dataHdr.GetUint32("UDP_NCHAN")
	if err != nil {
		return nil, err
	}
	cfg.NchanPerPacket = int(nchanPkt)

	nsampWeight, err := weightsHdr.GetUint32("UDP_NSAMP_PER_WEIGHT")
	if err != nil {
		return nil, err
	}
	cfg.NsampPerWeight = int(nsampWeight)

	tsamp, err := dataHdr.GetDouble("TSAMP")
	if err != nil {
		return nil, err
	}
	cfg.Tsamp = tsamp

	freq, err := dataHdr.GetDouble("FREQ")
	if err != nil {
		return nil, err
	}
	cfg.Freq = freq

	bw, err := dataHdr.GetDouble("BW")
	if err != nil {
		return nil, err
	}
	cfg.Bandwidth = bw

	if dataHdr.Has("START_CHAN") {
		startChan, err := dataHdr.GetUint32("START_CHAN")
		if err != nil {
			return nil, err
		}
		cfg.StartChan = int(startChan)
	}

	if dataHdr.Has("RFI_MASK") {
		raw, _ := dataHdr.GetVal("RFI_MASK")
		mask, err := parseRFIMask(raw)
		if err != nil {
			return nil, err
		}
		cfg.RFIMask = mask
	}

	if err := checkProtocolVersion(dataHdr); err != nil {
		return nil, err
	}

	bytesPerSample := cfg.Nbit / 8
	cfg.PacketResolution = cfg.NsampPerPacket * cfg.NchanPerPacket * cfg.Npol * cfg.Ndim * bytesPerSample
	cfg.HeapResolution = cfg.NsampPerPacket * cfg.Nchan * cfg.Npol * cfg.Ndim * bytesPerSample
	if cfg.PacketResolution == 0 {
		return nil, fmt.Errorf("statcfg: derived packet resolution is zero")
	}
	cfg.PacketsPerHeap = cfg.HeapResolution / cfg.PacketResolution
	cfg.WeightsPacketStride = 4 + cfg.NchanPerPacket*cfg.WeightsNbit/8

	return cfg, nil
}

// checkProtocolVersion enforces MinProtocolVersion against the optional
// PROTOCOL_VERSION header key using semantic-version comparison.
func checkProtocolVersion(h *header.Header) error {
	if !h.Has("PROTOCOL_VERSION") {
		return nil
	}
	raw, _ := h.GetVal("PROTOCOL_VERSION")
	got, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("statcfg: invalid PROTOCOL_VERSION %q: %w", raw, err)
	}
	min, err := version.NewVersion(MinProtocolVersion)
	if err != nil {
		// MinProtocolVersion is a compile-time constant; this cannot happen.
		panic(err)
	}
	if got.LessThan(min) {
		return fmt.Errorf("statcfg: upstream PROTOCOL_VERSION %s is older than minimum supported %s", got, min)
	}
	return nil
}

// parseRFIMask parses a comma-separated "lo:hi,lo:hi,..." list of MHz
// ranges, per spec.md §6 RFI_MASK.
func parseRFIMask(raw string) ([]FreqRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ranges := make([]FreqRange, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		bounds := strings.SplitN(p, ":", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("statcfg: malformed RFI_MASK range %q", p)
		}
		lo, err := strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("statcfg: malformed RFI_MASK range %q: %w", p, err)
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("statcfg: malformed RFI_MASK range %q: %w", p, err)
		}
		ranges = append(ranges, FreqRange{Lo: lo, Hi: hi})
	}
	return ranges, nil
}

// ChannelCentreFrequency returns the centre frequency in MHz of channel c,
// accounting for StartChan per spec.md §4.4.
func (c *StreamConfig) ChannelCentreFrequency(chan_ int) float64 {
	shift := 0.0
	if c.StartChan != 0 && c.Nchan != 0 {
		shift = (float64(c.StartChan) / float64(c.Nchan)) * c.Bandwidth
	}
	base := c.Freq - c.Bandwidth/2 + shift
	return base + (c.Bandwidth/float64(c.Nchan))*(float64(chan_)+0.5)
}

// RFIMaskLUT returns a per-channel boolean lookup: true means masked.
func (c *StreamConfig) RFIMaskLUT() []bool {
	lut := make([]bool, c.Nchan)
	if len(c.RFIMask) == 0 {
		return lut
	}
	for ch := 0; ch < c.Nchan; ch++ {
		f := c.ChannelCentreFrequency(ch)
		for _, r := range c.RFIMask {
			if f >= r.Lo && f <= r.Hi {
				lut[ch] = true
				break
			}
		}
	}
	return lut
}

// BytesPerSample returns the byte width of one real or imaginary sample.
func (c *StreamConfig) BytesPerSample() int {
	return c.Nbit / 8
}

// ClipValues returns the signed minimum and maximum representable values
// for the stream's sample width — the "clip value" of spec.md §4.4.
func (c *StreamConfig) ClipValues() (min, max int64) {
	bits := uint(c.Nbit)
	max = (int64(1) << (bits - 1)) - 1
	min = -(int64(1) << (bits - 1))
	return min, max
}

// Nbin returns 2^nbit, the number of integer sample states (spec.md §3).
func (c *StreamConfig) Nbin() int {
	return 1 << uint(c.Nbit)
}
