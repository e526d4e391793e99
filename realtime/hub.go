// Package realtime pushes receipt updates to connected browsers over
// websockets. One Hub serves every connection; a user may hold several
// connections at once (tabs, devices) and each gets every frame addressed
// to that user.
package realtime

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 25 * time.Second

	readLimit = 512

	// Per-connection send buffer. A peer that cannot drain this many frames
	// is dropped rather than allowed to stall the hub.
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// frame is the wire envelope for every event sent to a client.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Presence is notified as connections arrive and heartbeat, so that the
// delivery policy can tell who is looking at the app right now.
type Presence interface {
	Touch(user internal.UserRef)
}

// AuthFunc resolves the connecting user from the upgrade request. A zero
// UserRef or an error rejects the connection.
type AuthFunc func(r *http.Request) (internal.UserRef, error)

// QueryAuth trusts kind/id query parameters. Only suitable behind a gateway
// that has already authenticated the request and rewritten the params.
func QueryAuth(r *http.Request) (internal.UserRef, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		return internal.UserRef{}, err
	}
	return internal.UserRef{Kind: r.URL.Query().Get("kind"), ID: id}, nil
}

type conn struct {
	user   internal.UserRef
	ws     *websocket.Conn
	sendCh chan frame

	mu      sync.Mutex
	closing bool
}

type Hub struct {
	auth     AuthFunc
	presence Presence

	mu    sync.Mutex
	conns map[internal.UserRef]map[*conn]struct{}

	numConns prometheus.Gauge
}

func NewHub(auth AuthFunc, presence Presence, enablePrometheus bool) *Hub {
	h := &Hub{
		auth:     auth,
		presence: presence,
		conns:    make(map[internal.UserRef]map[*conn]struct{}),
	}
	if enablePrometheus {
		h.numConns = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "receiptsync",
			Subsystem: "realtime",
			Name:      "num_conns",
			Help:      "Number of active websocket connections",
		})
		prometheus.MustRegister(h.numConns)
	}
	return h
}

// ServeHTTP upgrades the request to a websocket and serves it until either
// side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth(r)
	if err != nil || user.IsZero() {
		logger.Err(err).Msg("websocket auth failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		logger.Err(err).Str("user", user.String()).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		user:   user,
		ws:     ws,
		sendCh: make(chan frame, sendBuffer),
	}
	h.register(c)

	go c.writeLoop(h)
	go c.readLoop(h)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	set, ok := h.conns[c.user]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[c.user] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.numConns != nil {
		h.numConns.Inc()
	}
	h.presence.Touch(c.user)
	logger.Info().Str("user", c.user.String()).Msg("websocket connected")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	set, ok := h.conns[c.user]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.user)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.numConns != nil {
		h.numConns.Dec()
	}
	// Presence decays on its own TTL rather than on disconnect, so a page
	// reload does not flap the user offline.
	logger.Info().Str("user", c.user.String()).Msg("websocket disconnected")
}

// Close tears down every connection. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.shutdown()
		h.unregister(c)
	}
}

// send queues a frame for every connection the target user holds. Frames to
// users with no connections are silently dropped; they will catch up from
// the database on next page load.
func (h *Hub) send(target internal.UserRef, f frame) {
	h.mu.Lock()
	var targets []*conn
	for c := range h.conns[target] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(f) {
			logger.Warn().Str("user", target.String()).Msg("slow websocket consumer, dropping connection")
			c.shutdown()
			h.unregister(c)
		}
	}
}

func marshalFrame(event string, payload interface{}) (frame, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Err(err).Str("event", event).Msg("failed to marshal frame")
		return frame{}, false
	}
	return frame{Event: event, Data: data}, true
}

// OnReceiptNew implements pubsub.RealtimeListener. The payload data is
// already rendered; it goes onto the wire as-is.
func (h *Hub) OnReceiptNew(p *pubsub.ReceiptNew) {
	h.send(p.Target, frame{Event: p.Type(), Data: p.Data})
}

func (h *Hub) OnReceiptRead(p *pubsub.ReceiptRead) {
	if f, ok := marshalFrame(p.Type(), p); ok {
		h.send(p.Target, f)
	}
}

func (h *Hub) OnReceiptUpdate(p *pubsub.ReceiptUpdate) {
	if f, ok := marshalFrame(p.Type(), p); ok {
		h.send(p.Target, f)
	}
}

func (h *Hub) OnReceiptGone(p *pubsub.ReceiptGone) {
	if f, ok := marshalFrame(p.Type(), p); ok {
		h.send(p.Target, f)
	}
}

func (c *conn) trySend(f frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return true
	}
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	close(c.sendCh)
}

// readLoop drains the connection. Clients send nothing but pongs; each pong
// refreshes both the read deadline and the user's presence.
func (c *conn) readLoop(h *Hub) {
	defer func() {
		c.shutdown()
		h.unregister(c)
	}()

	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.presence.Touch(c.user)
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *conn) writeLoop(h *Hub) {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.sendCh:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				logger.Err(err).Str("user", c.user.String()).Msg("websocket write failed")
				c.shutdown()
				h.unregister(c)
				return
			}
		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				h.unregister(c)
				return
			}
		}
	}
}
