package wsmonitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

func TestHandlerPushesSnapshotToConnectedClient(t *testing.T) {
	pub := scalar.New()
	store := storage.New(1, 8, 4, []float64{1400}, []bool{false})
	require.NoError(t, store.Resize(1, 1))
	require.NoError(t, store.Reset())
	require.NoError(t, pub.Publish(store))

	h := New(pub, 10*time.Millisecond)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go h.Run(done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(payload), "scalar_stats")
}
