package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxStreamMessageSize = 512
)

// Stream message types.
const (
	StreamMetrics   = "METRICS"
	StreamJobLookup = "JOB_LOOKUP"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamSource is what the hub reads to build its messages.
type StreamSource interface {
	Metrics() engine.MetricsSnapshot
	Workers() []engine.WorkerSnapshot
	JobStatus(id string) (engine.JobSnapshot, error)
}

// StreamMessage is pushed to websocket clients.
type StreamMessage struct {
	Type      string                  `json:"type"`
	Metrics   *engine.MetricsSnapshot `json:"metrics,omitempty"`
	Workers   []engine.WorkerSnapshot `json:"workers,omitempty"`
	Job       *engine.JobSnapshot     `json:"job,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Hub keeps the connected websocket clients and pushes a metrics snapshot
// to all of them on every tick.
type Hub struct {
	source   StreamSource
	interval time.Duration
	log      logrus.FieldLogger

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewHub creates a hub pushing every interval (1s when not positive).
func NewHub(source StreamSource, interval time.Duration, log logrus.FieldLogger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		source:     source,
		interval:   interval,
		log:        log.WithField("component", "stream"),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.wg.Add(1)
	go h.run()
}

// Stop disconnects every client and stops the hub loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	h.wg.Wait()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.WithField("remote", c.ws.RemoteAddr().String()).Debug("Stream client registered")
			c.enqueue(h.metricsMessage())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-ticker.C:
			msg := h.metricsMessage()
			h.mu.Lock()
			for c := range h.clients {
				c.enqueue(msg)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) metricsMessage() []byte {
	metrics := h.source.Metrics()
	payload, err := json.Marshal(StreamMessage{
		Type:      StreamMetrics,
		Metrics:   &metrics,
		Workers:   h.source.Workers(),
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal metrics message")
		return nil
	}
	return payload
}

func (h *Hub) lookup(id string) []byte {
	rsp := StreamMessage{Type: StreamJobLookup, Timestamp: time.Now()}
	job, err := h.source.JobStatus(id)
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		rsp.Message = "Job not found"
	case err != nil:
		rsp.Message = "Job cannot be found"
	default:
		rsp.Job = &job
	}
	payload, _ := json.Marshal(rsp)
	return payload
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	c := &client{hub: h, ws: ws, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.stopCh:
		ws.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// client is a middleman between the websocket connection and the hub.
type client struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
}

// enqueue drops the message when the client is too slow to keep up.
// Callers hold hub.mu, which orders it against close(send).
func (c *client) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readPump answers JOB_LOOKUP requests until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxStreamMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).Debug("Stream client read failed")
			}
			return
		}
		if msg.Type != StreamJobLookup {
			continue
		}

		reply := c.hub.lookup(msg.ID)
		c.hub.mu.Lock()
		if _, ok := c.hub.clients[c]; ok {
			c.enqueue(reply)
		}
		c.hub.mu.Unlock()
	}
}

func (c *client) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
