// Package preview streams rendered frames to websocket clients. It is a
// monitor only; clients cannot change what the strips show.
package preview

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	ws2805 "github.com/coreman2200/rpi-ws2805"
	diag "github.com/coreman2200/rpi-ws2805/internal/diagnostics"
)

const writeTimeout = 200 * time.Millisecond

// Topology is sent to every frame client when it connects.
type Topology struct {
	Channels []ChannelInfo `json:"channels"`
	Backend  string        `json:"backend"`
	FPS      int           `json:"fps"`
}

type ChannelInfo struct {
	GPIO   int    `json:"gpio"`
	Count  int    `json:"count"`
	Layout string `json:"layout"`
}

// Frame is one published render. RGB holds three bytes per LED and is
// base64 in JSON.
type Frame struct {
	T       int64         `json:"t"`
	FrameID uint64        `json:"frame_id"`
	RGB     [][]byte      `json:"rgb"`
	Stats   *ws2805.Stats `json:"stats,omitempty"`
}

// Hub fans frames and diagnostics out to connected clients.
type Hub struct {
	log      zerolog.Logger
	throttle time.Duration
	now      func() time.Time
	started  time.Time

	mu          sync.RWMutex
	topology    Topology
	frameID     uint64
	lastEmit    time.Time
	clients     map[*websocket.Conn]bool
	diagClients map[*websocket.Conn]bool
}

// New returns a hub publishing at most one frame per throttle interval.
func New(log zerolog.Logger, top Topology, throttle time.Duration) *Hub {
	return &Hub{
		log:         log,
		throttle:    throttle,
		now:         time.Now,
		started:     time.Now(),
		topology:    top,
		clients:     map[*websocket.Conn]bool{},
		diagClients: map[*websocket.Conn]bool{},
	}
}

// Handler serves /frames, /diag and /health.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", h.HandleFramesWS)
	mux.HandleFunc("/diag", h.HandleDiagWS)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

// Run serves on addr until ctx is done.
func (h *Hub) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.log.Info().Str("addr", addr).Msg("preview listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		h.closeAll()
		return nil
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Hub) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.send(conn, h.topology)
	h.clients[conn] = true
	h.mu.Unlock()
	go h.drain(conn, h.clients)
}

func (h *Hub) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.send(conn, diag.Diagnostic{Severity: diag.Info, Code: "PREVIEW.CONNECTED", Summary: "Diagnostics stream"})
	h.diagClients[conn] = true
	h.mu.Unlock()
	go h.drain(conn, h.diagClients)
}

// drain discards client messages until the connection closes.
func (h *Hub) drain(conn *websocket.Conn, set map[*websocket.Conn]bool) {
	defer func() {
		h.mu.Lock()
		delete(set, conn)
		h.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	resp := map[string]any{
		"frame_id": h.frameID,
		"uptime_s": time.Since(h.started).Seconds(),
		"clients":  len(h.clients),
		"channels": h.topology.Channels,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Publish sends the current LED colors to frame clients, dropping frames that
// arrive within the throttle interval of the previous one. It reports
// whether the frame was sent.
func (h *Hub) Publish(channels [][]ws2805.Pixel, stats *ws2805.Stats) bool {
	h.mu.Lock()
	h.frameID++
	now := h.now()
	if !h.lastEmit.IsZero() && h.lastEmit.Add(h.throttle).After(now) {
		h.mu.Unlock()
		return false
	}
	h.lastEmit = now
	f := Frame{T: now.UnixNano(), FrameID: h.frameID, Stats: stats}
	h.mu.Unlock()

	f.RGB = make([][]byte, len(channels))
	for i, leds := range channels {
		rgb := make([]byte, len(leds)*3)
		for j, p := range leds {
			rgb[j*3+0], rgb[j*3+1], rgb[j*3+2] = p.R, p.G, p.B
		}
		f.RGB[i] = rgb
	}
	h.broadcast(h.clients, f)
	return true
}

// PushDiag sends d to diagnostics clients.
func (h *Hub) PushDiag(d diag.Diagnostic) {
	h.broadcast(h.diagClients, d)
}

func (h *Hub) broadcast(set map[*websocket.Conn]bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warn().Err(err).Msg("encode preview message")
		return
	}
	// Writers are serialized; gorilla connections allow one at a time.
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range set {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			h.log.Debug().Err(err).Msg("write preview message")
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, v any) {
	b, _ := json.Marshal(v)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	for c := range h.diagClients {
		c.Close()
	}
}
