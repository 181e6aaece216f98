// Package filename constructs the HDF5 output path for one monitoring
// statistics file (spec.md §6).
package filename

import (
	"fmt"
	"path/filepath"
)

// BadTelescopeError reports an unrecognised TELESCOPE header value.
type BadTelescopeError struct {
	Value string
}

func (e *BadTelescopeError) Error() string {
	return fmt.Sprintf("filename: unrecognised telescope %q (want SKALow or SKAMid)", e.Value)
}

// Params are the inputs to Build. The path segments are strings;
// ObsOffset and FileNumber are unsigned integers rendered in decimal.
type Params struct {
	StatBasePath string
	EbID         string
	ScanID       string
	Telescope    string
	UtcStart     string
	ObsOffset    uint64
	FileNumber   uint64
}

// subsystemSegment maps TELESCOPE to the path segment spec.md §6 names,
// failing with *BadTelescopeError for any other value.
func subsystemSegment(telescope string) (string, error) {
	switch telescope {
	case "SKALow":
		return "pst-low", nil
	case "SKAMid":
		return "pst-mid", nil
	default:
		return "", &BadTelescopeError{Value: telescope}
	}
}

// Build returns {STAT_BASE_PATH}/product/{EB_ID}/{pst-low|pst-mid}/
// {SCAN_ID}/monitoring_stats/{UTC_START}_{OBS_OFFSET}_{FILE_NUMBER}.h5.
func Build(p Params) (string, error) {
	segment, err := subsystemSegment(p.Telescope)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%d.h5", p.UtcStart, p.ObsOffset, p.FileNumber)
	return filepath.Join(p.StatBasePath, "product", p.EbID, segment, p.ScanID, "monitoring_stats", name), nil
}
