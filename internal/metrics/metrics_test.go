package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFrame(t *testing.T) {
	c := New()

	c.RecordFrame(FrameSent)
	c.RecordFrame(FrameSent)
	c.RecordFrame(FrameDroppedBackpressure)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesTotal.WithLabelValues(FrameSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesTotal.WithLabelValues(FrameDroppedBackpressure)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.framesTotal.WithLabelValues(FrameDroppedNotListening)))
}

func TestGauges(t *testing.T) {
	c := New()

	c.SetPlaybackQueueDepth(3)
	c.SetConnectionState(4)
	c.RecordReconnectAttempt()
	c.RecordPlaybackBuffer()
	c.RecordMalformedMessage()

	assert.Equal(t, 3.0, testutil.ToFloat64(c.playbackQueue))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.connectionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.playbackBuffers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.malformedMessages))
}

// TestNilCollector 未启用指标时所有记录方法都是空操作
func TestNilCollector(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordFrame(FrameSent)
		c.RecordReconnectAttempt()
		c.RecordPlaybackBuffer()
		c.SetPlaybackQueueDepth(1)
		c.SetConnectionState(1)
		c.RecordMalformedMessage()
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.RecordFrame(FrameSent)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `speakmate_frames_total{result="sent"} 1`)
}
