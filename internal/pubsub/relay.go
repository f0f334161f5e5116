package pubsub

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameMessage     = "message"
	framePeers       = "peers"

	writeWait  = 10 * time.Second
	sendBuffer = 256
)

type frame struct {
	Type  string   `json:"type"`
	Topic string   `json:"topic"`
	From  string   `json:"from,omitempty"`
	Data  []byte   `json:"data,omitempty"`
	Peers []string `json:"peers,omitempty"`
}

// Relay fans messages out between websocket clients. Peers identify
// themselves with the "peer" query parameter.
type Relay struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*relayConn]struct{}
}

type relayConn struct {
	peer   string
	ws     *websocket.Conn
	send   chan frame
	topics map[string]struct{}
}

func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
		conns:  make(map[*relayConn]struct{}),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	peer := req.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "missing peer parameter", http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("Websocket upgrade failed", "peer", peer, "error", err)
		return
	}

	c := &relayConn{
		peer:   peer,
		ws:     ws,
		send:   make(chan frame, sendBuffer),
		topics: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("Peer connected", "peer", peer)

	go r.writeLoop(c)
	r.readLoop(c)
}

func (r *Relay) readLoop(c *relayConn) {
	defer r.disconnect(c)

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("Peer connection lost", "peer", c.peer, "error", err)
			}
			return
		}

		switch f.Type {
		case frameSubscribe:
			r.mu.Lock()
			c.topics[f.Topic] = struct{}{}
			r.mu.Unlock()
			r.announcePeers(f.Topic)
		case frameUnsubscribe:
			r.mu.Lock()
			delete(c.topics, f.Topic)
			r.mu.Unlock()
			r.announcePeers(f.Topic)
		case framePublish:
			r.broadcast(c, f)
		default:
			r.logger.Warn("Ignoring unknown frame", "peer", c.peer, "type", f.Type)
		}
	}
}

func (r *Relay) writeLoop(c *relayConn) {
	for f := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(f); err != nil {
			r.logger.Warn("Failed to write to peer", "peer", c.peer, "error", err)
			c.ws.Close()
			for range c.send {
			}
			return
		}
	}
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.ws.Close()
}

func (r *Relay) disconnect(c *relayConn) {
	r.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	delete(r.conns, c)
	close(c.send)
	r.mu.Unlock()

	for _, t := range topics {
		r.announcePeers(t)
	}
	r.logger.Info("Peer disconnected", "peer", c.peer)
}

func (r *Relay) broadcast(from *relayConn, f frame) {
	msg := frame{Type: frameMessage, Topic: f.Topic, From: from.peer, Data: f.Data}

	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		if c == from || c.peer == from.peer {
			continue
		}
		if _, ok := c.topics[f.Topic]; ok {
			r.enqueueLocked(c, msg)
		}
	}
}

func (r *Relay) announcePeers(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []*relayConn
	seen := make(map[string]struct{})
	for c := range r.conns {
		if _, ok := c.topics[topic]; ok {
			members = append(members, c)
			seen[c.peer] = struct{}{}
		}
	}

	peers := make([]string, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	for _, c := range members {
		r.enqueueLocked(c, frame{Type: framePeers, Topic: topic, Peers: peers})
	}
}

func (r *Relay) enqueueLocked(c *relayConn, f frame) {
	select {
	case c.send <- f:
	default:
		r.logger.Warn("Dropping frame for slow peer", "peer", c.peer, "topic", f.Topic)
	}
}

// Connections returns the number of connected clients.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
