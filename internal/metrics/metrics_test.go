package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blukai/bigbattle/internal/metrics"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics

	m.FrameSent(10)
	m.FrameReceived()
	m.FrameDropped(metrics.DropDuplicate)
	m.SeqGap()
	m.BytesReceived(10)
	m.PeerConnected()
	m.PeerDisconnected(metrics.DisconnectZeroRead)
}

func TestCounters(t *testing.T) {
	is := is.New(t)

	m := metrics.New()
	m.FrameSent(10)
	m.FrameSent(20)
	m.PeerConnected()
	m.PeerConnected()
	m.PeerDisconnected(metrics.DisconnectIdle)
	m.FrameDropped(metrics.DropDecode)

	expected := `
# HELP bigbattle_active_peers Peers with a live channel
# TYPE bigbattle_active_peers gauge
bigbattle_active_peers 1
# HELP bigbattle_bytes_sent_total Bytes accepted by the socket
# TYPE bigbattle_bytes_sent_total counter
bigbattle_bytes_sent_total 30
# HELP bigbattle_frames_sent_total Frames handed to the socket
# TYPE bigbattle_frames_sent_total counter
bigbattle_frames_sent_total 2
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"bigbattle_active_peers", "bigbattle_bytes_sent_total", "bigbattle_frames_sent_total")
	is.NoErr(err)
}

func TestHandler(t *testing.T) {
	is := is.New(t)

	m := metrics.New()
	m.SeqGap()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, err = http.Get(srv.URL + "/metrics")
	is.NoErr(err)
	defer resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)
	is.True(strings.Contains(string(body), "bigbattle_sequence_gaps_total 1"))
}
