// Package hdf5 implements Hdf5Publisher: it serialises every Storage
// field plus a header record to an HDF5 file per processing window
// (spec.md §4.6). The actual HDF5 I/O is behind the Writer interface so
// Publisher itself can be exercised without a real filesystem/libhdf5.
package hdf5

import (
	"fmt"
	"os"
	"path/filepath"

	gonumhdf5 "gonum.org/v1/hdf5"
	"github.com/klauspost/compress/zstd"

	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// IoError reports a failure writing the HDF5 file or its parent
// directory (spec.md §7 "IoError(path, cause)").
type IoError struct {
	Path  string
	Cause error
}

func (e *IoError) Error() string { return fmt.Sprintf("hdf5: %s: %v", e.Path, e.Cause) }
func (e *IoError) Unwrap() error { return e.Cause }

// HeaderRecord is the per-file metadata record spec.md §4.6 lists
// alongside the full statistics grid.
type HeaderRecord struct {
	EbID      string
	ScanID    uint64
	BeamID    string
	UtcStart  string
	TMin      float64
	TMax      float64
	Freq      float64
	Bandwidth float64
	StartChan uint32

	Npol  int
	Ndim  int
	Nchan int

	NfreqBins int // NCHAN_DS
	NtimeBins int // NDAT_DS
	Nbin      int // NBIN_HIST
	Nrebin    int

	ChanFreq       []float64
	FrequencyBins  []float64
	TimeseriesBins []float64
}

// TMinFromPicoseconds computes t_min per spec.md §4.6:
// picoseconds * 1e-6 / 1e6 (picoseconds -> microseconds -> seconds).
func TMinFromPicoseconds(picoseconds uint64) float64 {
	return float64(picoseconds) * 1e-6 / 1e6
}

// Writer abstracts the HDF5 file format so Publisher's orchestration
// logic (path construction, field selection, diagnostic compression) can
// be tested without linking libhdf5.
type Writer interface {
	Write(path string, header HeaderRecord, store *storage.Storage) error
}

// Publisher is a processor.Publisher that writes the full grid to a new
// HDF5 file on every Publish call, at a path supplied by PathFor.
type Publisher struct {
	writer   Writer
	pathFor  func() (string, error)
	header   func() HeaderRecord
	verbose  bool
}

// New constructs a Publisher. pathFor returns the destination path for
// the next file (typically from internal/filename.Build, varying by
// FILE_NUMBER per call); header returns the HeaderRecord for the
// in-progress segment. verbose enables a zstd-compressed diagnostic dump
// of the header alongside the HDF5 file, for offline troubleshooting.
func New(writer Writer, pathFor func() (string, error), header func() HeaderRecord, verbose bool) *Publisher {
	return &Publisher{writer: writer, pathFor: pathFor, header: header, verbose: verbose}
}

// Publish writes store's full grid, plus the current HeaderRecord, to a
// new HDF5 file (spec.md §4.3 step 6, §4.6).
func (p *Publisher) Publish(store *storage.Storage) error {
	path, err := p.pathFor()
	if err != nil {
		return err
	}
	hdr := p.header()

	if err := p.writer.Write(path, hdr, store); err != nil {
		return err
	}
	if p.verbose {
		if err := writeVerboseDump(path+".diag.zst", hdr); err != nil {
			return err
		}
	}
	return nil
}

// writeVerboseDump zstd-compresses a plain-text rendering of the header
// record next to the HDF5 file, for -vv diagnostic runs.
func writeVerboseDump(path string, hdr HeaderRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return &IoError{Path: path, Cause: err}
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return &IoError{Path: path, Cause: err}
	}
	defer zw.Close()

	_, err = fmt.Fprintf(zw, "eb_id=%s scan_id=%d beam_id=%s utc_start=%s t_min=%v t_max=%v freq=%v bandwidth=%v nchan=%d nfreq_bins=%d ntime_bins=%d nbin=%d nrebin=%d\n",
		hdr.EbID, hdr.ScanID, hdr.BeamID, hdr.UtcStart, hdr.TMin, hdr.TMax, hdr.Freq, hdr.Bandwidth, hdr.Nchan, hdr.NfreqBins, hdr.NtimeBins, hdr.Nbin, hdr.Nrebin)
	if err != nil {
		return &IoError{Path: path, Cause: err}
	}
	return nil
}

// realWriter is the production Writer, backed by gonum.org/v1/hdf5.
type realWriter struct{}

// NewWriter returns the production HDF5 Writer.
func NewWriter() Writer { return &realWriter{} }

func (realWriter) Write(path string, hdr HeaderRecord, store *storage.Storage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IoError{Path: path, Cause: err}
	}

	file, err := gonumhdf5.CreateFile(path, gonumhdf5.F_ACC_TRUNC)
	if err != nil {
		return &IoError{Path: path, Cause: err}
	}
	defer file.Close()

	if err := writeHeaderAttrs(file, hdr); err != nil {
		return &IoError{Path: path, Cause: err}
	}
	if err := writeAllFields(file, hdr, store); err != nil {
		return &IoError{Path: path, Cause: err}
	}
	return nil
}

func writeHeaderAttrs(file *gonumhdf5.File, hdr HeaderRecord) error {
	root := file.Group()
	defer root.Close()

	if err := writeStringAttr(root, "eb_id", hdr.EbID); err != nil {
		return err
	}
	if err := writeStringAttr(root, "beam_id", hdr.BeamID); err != nil {
		return err
	}
	if err := writeStringAttr(root, "utc_start", hdr.UtcStart); err != nil {
		return err
	}
	if err := writeScalarUint64Attr(root, "scan_id", hdr.ScanID); err != nil {
		return err
	}
	if err := writeScalarFloat64Attr(root, "t_min", hdr.TMin); err != nil {
		return err
	}
	if err := writeScalarFloat64Attr(root, "t_max", hdr.TMax); err != nil {
		return err
	}
	if err := writeScalarFloat64Attr(root, "freq", hdr.Freq); err != nil {
		return err
	}
	if err := writeScalarFloat64Attr(root, "bandwidth", hdr.Bandwidth); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "start_chan", int32(hdr.StartChan)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "npol", int32(hdr.Npol)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "ndim", int32(hdr.Ndim)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "nchan", int32(hdr.Nchan)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "nfreq_bins", int32(hdr.NfreqBins)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "ntime_bins", int32(hdr.NtimeBins)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "nbin", int32(hdr.Nbin)); err != nil {
		return err
	}
	if err := writeScalarInt32Attr(root, "nrebin", int32(hdr.Nrebin)); err != nil {
		return err
	}
	if err := writeFloat64Dataset(file, "chan_freq", hdr.ChanFreq, []int{len(hdr.ChanFreq)}); err != nil {
		return err
	}
	if err := writeFloat64Dataset(file, "frequency_bins", hdr.FrequencyBins, []int{len(hdr.FrequencyBins)}); err != nil {
		return err
	}
	return writeFloat64Dataset(file, "timeseries_bins", hdr.TimeseriesBins, []int{len(hdr.TimeseriesBins)})
}

func writeAllFields(file *gonumhdf5.File, hdr HeaderRecord, s *storage.Storage) error {
	npol, ndim, nchan := s.Npol, s.Ndim, s.Nchan
	nbin, nrebin := s.Nbin, s.Nrebin
	nfreqBins, ntimeBins := s.NfreqBins, s.NtimeBins

	fields := []struct {
		name string
		data []float32
		dims []int
	}{
		{"mean_frequency_avg", s.MeanFrequencyAvg, []int{npol, ndim}},
		{"mean_frequency_avg_masked", s.MeanFrequencyAvgMasked, []int{npol, ndim}},
		{"variance_frequency_avg", s.VarianceFrequencyAvg, []int{npol, ndim}},
		{"variance_frequency_avg_masked", s.VarianceFrequencyAvgMasked, []int{npol, ndim}},
		{"mean_spectrum", s.MeanSpectrum, []int{npol, ndim, nchan}},
		{"variance_spectrum", s.VarianceSpectrum, []int{npol, ndim, nchan}},
		{"mean_spectral_power", s.MeanSpectralPower, []int{npol, nchan}},
		{"max_spectral_power", s.MaxSpectralPower, []int{npol, nchan}},
		{"spectrogram", s.Spectrogram, []int{npol, nfreqBins, ntimeBins}},
		{"timeseries", s.Timeseries, []int{npol, ntimeBins, storage.NtimeVals}},
		{"timeseries_masked", s.TimeseriesMasked, []int{npol, ntimeBins, storage.NtimeVals}},
	}
	for _, f := range fields {
		if err := writeFloat32Dataset(file, f.name, f.data, f.dims); err != nil {
			return err
		}
	}

	u32Fields := []struct {
		name string
		data []uint32
		dims []int
	}{
		{"histogram_1d_freq_avg", s.Histogram1DFreqAvg, []int{npol, ndim, nbin}},
		{"histogram_1d_freq_avg_masked", s.Histogram1DFreqAvgMasked, []int{npol, ndim, nbin}},
		{"rebinned_histogram_1d_freq_avg", s.RebinnedHistogram1DFreqAvg, []int{npol, ndim, nrebin}},
		{"rebinned_histogram_1d_freq_avg_masked", s.RebinnedHistogram1DFreqAvgMasked, []int{npol, ndim, nrebin}},
		{"rebinned_histogram_2d_freq_avg", s.RebinnedHistogram2DFreqAvg, []int{npol, nrebin, nrebin}},
		{"rebinned_histogram_2d_freq_avg_masked", s.RebinnedHistogram2DFreqAvgMasked, []int{npol, nrebin, nrebin}},
		{"num_clipped_samples", s.NumClippedSamples, []int{npol, ndim}},
		{"num_clipped_samples_spectrum", s.NumClippedSamplesSpectrum, []int{npol, ndim, nchan}},
	}
	for _, f := range u32Fields {
		if err := writeUint32Dataset(file, f.name, f.data, f.dims); err != nil {
			return err
		}
	}

	if err := writeFloat64Dataset(file, "channel_centre_frequencies", s.ChannelCentreFrequencies, []int{nchan}); err != nil {
		return err
	}
	return writeBoolDataset(file, "rfi_mask_lut", s.RFIMaskLUT, []int{nchan})
}

func dimsToUint(dims []int) []uint {
	out := make([]uint, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = uint(d)
	}
	return out
}

func writeFloat32Dataset(file *gonumhdf5.File, name string, data []float32, dims []int) error {
	space, err := gonumhdf5.CreateSimpleDataspace(dimsToUint(dims), nil)
	if err != nil {
		return err
	}
	defer space.Close()
	ds, err := file.CreateDataset(name, gonumhdf5.T_NATIVE_FLOAT, space)
	if err != nil {
		return err
	}
	defer ds.Close()
	return ds.Write(&data)
}

func writeUint32Dataset(file *gonumhdf5.File, name string, data []uint32, dims []int) error {
	space, err := gonumhdf5.CreateSimpleDataspace(dimsToUint(dims), nil)
	if err != nil {
		return err
	}
	defer space.Close()
	ds, err := file.CreateDataset(name, gonumhdf5.T_NATIVE_UINT32, space)
	if err != nil {
		return err
	}
	defer ds.Close()
	return ds.Write(&data)
}

func writeFloat64Dataset(file *gonumhdf5.File, name string, data []float64, dims []int) error {
	space, err := gonumhdf5.CreateSimpleDataspace(dimsToUint(dims), nil)
	if err != nil {
		return err
	}
	defer space.Close()
	ds, err := file.CreateDataset(name, gonumhdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return err
	}
	defer ds.Close()
	return ds.Write(&data)
}

// writeBoolDataset stores the RFI mask as a uint8 0/1 dataset; HDF5 has
// no native boolean type.
func writeBoolDataset(file *gonumhdf5.File, name string, data []bool, dims []int) error {
	bytes := make([]uint8, len(data))
	for i, v := range data {
		if v {
			bytes[i] = 1
		}
	}
	space, err := gonumhdf5.CreateSimpleDataspace(dimsToUint(dims), nil)
	if err != nil {
		return err
	}
	defer space.Close()
	ds, err := file.CreateDataset(name, gonumhdf5.T_NATIVE_UINT8, space)
	if err != nil {
		return err
	}
	defer ds.Close()
	return ds.Write(&bytes)
}

func writeStringAttr(group *gonumhdf5.Group, name, value string) error {
	dtype, err := gonumhdf5.NewDatatypeFromValue(value)
	if err != nil {
		return err
	}
	space, err := gonumhdf5.CreateDataspace(gonumhdf5.ScalarSpace)
	if err != nil {
		return err
	}
	defer space.Close()
	attr, err := group.CreateAttribute(name, dtype, space)
	if err != nil {
		return err
	}
	defer attr.Close()
	return attr.Write(&value, dtype)
}

func writeScalarFloat64Attr(group *gonumhdf5.Group, name string, value float64) error {
	space, err := gonumhdf5.CreateDataspace(gonumhdf5.ScalarSpace)
	if err != nil {
		return err
	}
	defer space.Close()
	attr, err := group.CreateAttribute(name, gonumhdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return err
	}
	defer attr.Close()
	return attr.Write(&value, gonumhdf5.T_NATIVE_DOUBLE)
}

func writeScalarUint64Attr(group *gonumhdf5.Group, name string, value uint64) error {
	space, err := gonumhdf5.CreateDataspace(gonumhdf5.ScalarSpace)
	if err != nil {
		return err
	}
	defer space.Close()
	attr, err := group.CreateAttribute(name, gonumhdf5.T_NATIVE_UINT64, space)
	if err != nil {
		return err
	}
	defer attr.Close()
	return attr.Write(&value, gonumhdf5.T_NATIVE_UINT64)
}

func writeScalarInt32Attr(group *gonumhdf5.Group, name string, value int32) error {
	space, err := gonumhdf5.CreateDataspace(gonumhdf5.ScalarSpace)
	if err != nil {
		return err
	}
	defer space.Close()
	attr, err := group.CreateAttribute(name, gonumhdf5.T_NATIVE_INT32, space)
	if err != nil {
		return err
	}
	defer attr.Close()
	return attr.Write(&value, gonumhdf5.T_NATIVE_INT32)
}
