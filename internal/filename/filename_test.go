package filename

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSKALowPath(t *testing.T) {
	got, err := Build(Params{
		StatBasePath: "/data/stat",
		EbID:         "eb-001",
		ScanID:       "scan-42",
		Telescope:    "SKALow",
		UtcStart:     "2026-07-31-12:00:00",
		ObsOffset:    1024,
		FileNumber:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/stat/product/eb-001/pst-low/scan-42/monitoring_stats/2026-07-31-12:00:00_1024_3.h5", got)
}

func TestBuildSKAMidPath(t *testing.T) {
	got, err := Build(Params{
		StatBasePath: "/data/stat",
		EbID:         "eb-002",
		ScanID:       "scan-7",
		Telescope:    "SKAMid",
		UtcStart:     "2026-07-31-13:00:00",
		ObsOffset:    0,
		FileNumber:   0,
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/stat/product/eb-002/pst-mid/scan-7/monitoring_stats/2026-07-31-13:00:00_0_0.h5", got)
}

func TestBuildUnknownTelescopeFailsBadTelescope(t *testing.T) {
	_, err := Build(Params{Telescope: "SKAWest"})
	var badErr *BadTelescopeError
	require.ErrorAs(t, err, &badErr)
	assert.Equal(t, "SKAWest", badErr.Value)
}
