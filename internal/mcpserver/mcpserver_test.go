package mcpserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/pst-stat-go/internal/appmgr"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/processor"
	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
	"github.com/ska-telescope/pst-stat-go/internal/segment/membuf"
	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

func newTestManager() *appmgr.Manager {
	dataHdr := header.New()
	dataHdr.Set("NCHAN", "1")
	dataHdr.Set("NBIT", "8")
	dataHdr.Set("UDP_NSAMP", "1")
	dataHdr.Set("UDP_NCHAN", "1")
	dataHdr.Set("TSAMP", "1")
	dataHdr.Set("FREQ", "1000")
	dataHdr.Set("BW", "10")
	weightsHdr := header.New()
	weightsHdr.Set("WEIGHTS_NBIT", "8")
	weightsHdr.Set("UDP_NSAMP_PER_WEIGHT", "1")
	prod := membuf.New(dataHdr, weightsHdr, nil)

	return appmgr.New(appmgr.Options{
		NewProducer: func(_ *header.Header) (segment.Producer, error) { return prod, nil },
		NewPublishers: func(_ *statcfg.StreamConfig, _ *header.Header) ([]processor.Publisher, error) {
			return nil, nil
		},
	})
}

func TestHandleGetStateReportsIdle(t *testing.T) {
	manager := newTestManager()
	s := New(manager, scalar.New())

	result, err := s.handleGetState(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
}

func TestHandleGetMonitorDataErrorsBeforeFirstPublish(t *testing.T) {
	s := New(newTestManager(), scalar.New())

	result, err := s.handleGetMonitorData(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleGetMonitorDataReturnsSnapshotAfterPublish(t *testing.T) {
	pub := scalar.New()
	store := storage.New(1, 8, 4, []float64{1400}, []bool{false})
	require.NoError(t, store.Resize(1, 1))
	require.NoError(t, store.Reset())
	require.NoError(t, pub.Publish(store))

	s := New(newTestManager(), pub)
	result, err := s.handleGetMonitorData(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)
}
