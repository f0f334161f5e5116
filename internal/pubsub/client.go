package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("transport closed")

// Client is a Transport backed by a websocket connection to a Relay.
type Client struct {
	peer   string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	peers    map[string][]string
	closed   bool
	done     chan struct{}
}

// Dial connects peer to the relay at relayURL (ws:// or wss://).
func Dial(ctx context.Context, relayURL, peer string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer", peer)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		peer:     peer,
		ws:       ws,
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
		peers:    make(map[string][]string),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() string {
	return c.peer
}

func (c *Client) Subscribe(topic string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler for topic %s", topic)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	subs, existed := c.handlers[topic]
	if !existed {
		subs = make(map[uint64]Handler)
		c.handlers[topic] = subs
	}
	subs[id] = handler
	c.mu.Unlock()

	if !existed {
		if err := c.write(frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.removeHandler(topic, id)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.removeHandler(topic, id) {
				_ = c.write(frame{Type: frameUnsubscribe, Topic: topic})
			}
		})
	}, nil
}

// removeHandler reports whether the topic has no handlers left.
func (c *Client) removeHandler(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers[topic], id)
	if len(c.handlers[topic]) == 0 {
		delete(c.handlers, topic)
		delete(c.peers, topic)
		return true
	}
	return false
}

func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(frame{Type: framePublish, Topic: topic, Data: data}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Peers(topic string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	peers := make([]string, 0, len(c.peers[topic]))
	for _, p := range c.peers[topic] {
		if p != c.peer {
			peers = append(peers, p)
		}
	}
	return peers, nil
}

// Done is closed when the connection to the relay ends, whether by Close
// or because the relay went away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(f frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.logger.Warn("Relay connection lost", "peer", c.peer, "error", err)
			}
			return
		}

		switch f.Type {
		case frameMessage:
			c.mu.RLock()
			handlers := make([]Handler, 0, len(c.handlers[f.Topic]))
			for _, h := range c.handlers[f.Topic] {
				handlers = append(handlers, h)
			}
			c.mu.RUnlock()

			for _, h := range handlers {
				h(f.From, f.Data)
			}
		case framePeers:
			c.mu.Lock()
			if _, ok := c.handlers[f.Topic]; ok {
				c.peers[f.Topic] = f.Peers
			}
			c.mu.Unlock()
		}
	}
}
