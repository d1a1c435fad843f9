package preview

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws2805 "github.com/coreman2200/rpi-ws2805"
	diag "github.com/coreman2200/rpi-ws2805/internal/diagnostics"
)

func newHub(t *testing.T) (*Hub, *httptest.Server, *time.Time) {
	now := time.Unix(100, 0)
	h := New(zerolog.Nop(), Topology{
		Channels: []ChannelInfo{{GPIO: 18, Count: 2, Layout: "GRB"}},
		Backend:  "dma",
		FPS:      30,
	}, 50*time.Millisecond)
	h.now = func() time.Time { return now }
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv, &now
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func TestFrames(t *testing.T) {
	h, srv, now := newHub(t)
	c := dial(t, srv, "/frames")

	var top Topology
	require.NoError(t, c.ReadJSON(&top))
	assert.Equal(t, 18, top.Channels[0].GPIO)
	assert.Equal(t, "dma", top.Backend)

	leds := []ws2805.Pixel{ws2805.RGB(1, 2, 3), ws2805.RGB(4, 5, 6)}
	require.True(t, h.Publish([][]ws2805.Pixel{leds}, &ws2805.Stats{Frames: 7}))

	var f Frame
	require.NoError(t, c.ReadJSON(&f))
	assert.Equal(t, uint64(1), f.FrameID)
	assert.Equal(t, [][]byte{{1, 2, 3, 4, 5, 6}}, f.RGB)
	require.NotNil(t, f.Stats)
	assert.Equal(t, uint64(7), f.Stats.Frames)

	// Throttled until 50ms have passed.
	assert.False(t, h.Publish([][]ws2805.Pixel{leds}, nil))
	*now = now.Add(50 * time.Millisecond)
	assert.True(t, h.Publish([][]ws2805.Pixel{leds}, nil))
	require.NoError(t, c.ReadJSON(&f))
	assert.Equal(t, uint64(3), f.FrameID)
}

func TestDiag(t *testing.T) {
	h, srv, _ := newHub(t)
	c := dial(t, srv, "/diag")

	var d diag.Diagnostic
	require.NoError(t, c.ReadJSON(&d))
	assert.Equal(t, "PREVIEW.CONNECTED", d.Code)

	h.PushDiag(diag.For(ws2805.Dma))
	require.NoError(t, c.ReadJSON(&d))
	assert.Equal(t, "Dma", d.Code)
	assert.Equal(t, diag.Err, d.Severity)
}

func TestHealth(t *testing.T) {
	h, srv, _ := newHub(t)
	h.Publish(nil, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["frame_id"])
	assert.Equal(t, float64(0), body["clients"])
}
