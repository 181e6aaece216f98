package rpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ska-telescope/pst-stat-go/internal/appmgr"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/processor"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
	"github.com/ska-telescope/pst-stat-go/internal/segment/membuf"
	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
)

func dialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}

func newTestServer(t *testing.T) (*grpc.ClientConn, func()) {
	t.Helper()

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

	manager := appmgr.New(appmgr.Options{
		NewProducer: func(_ *header.Header) (segment.Producer, error) { return prod, nil },
		NewPublishers: func(_ *statcfg.StreamConfig, _ *header.Header) ([]processor.Publisher, error) {
			return nil, nil
		},
	})
	scalarPub := scalar.New()
	srv := New(manager, scalarPub, nil)

	lis := bufconn.Listen(1024 * 1024)
	gs := NewGRPCServer(srv)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		gs.Stop()
	}
}

func TestGetStateStartsIdle(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp StateMessage
	err := conn.Invoke(ctx, "/pststat.v1.StatController/GetState", &Empty{}, &resp)
	require.NoError(t, err)
	require.Equal(t, "Idle", resp.State)
}

func TestStartScanFromIdleFailsWithFailedPrecondition(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := header.New()
	h.Set("SCAN_ID", "scan-1")

	var resp Empty
	err := conn.Invoke(ctx, "/pststat.v1.StatController/StartScan", &HeaderMessage{Raw: h.Raw()}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.FailedPrecondition, st.Code())
}

func TestConfigureBeamThenGetBeamConfiguration(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	beam := header.New()
	beam.Set("DATA_KEY", "a000")
	beam.Set("WEIGHTS_KEY", "a001")

	var empty Empty
	err := conn.Invoke(ctx, "/pststat.v1.StatController/ConfigureBeam", &HeaderMessage{Raw: beam.Raw()}, &empty)
	require.NoError(t, err)

	var cfg HeaderMessage
	err = conn.Invoke(ctx, "/pststat.v1.StatController/GetBeamConfiguration", &Empty{}, &cfg)
	require.NoError(t, err)
	require.Contains(t, cfg.Raw, "DATA_KEY")
	require.Contains(t, cfg.Raw, "NCHAN")
}

func TestGetMonitorDataUnavailableBeforeFirstPublish(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp MonitorDataMessage
	err := conn.Invoke(ctx, "/pststat.v1.StatController/GetMonitorData", &Empty{}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Unavailable, st.Code())
}
