package presence

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broker is a minimal topic relay speaking the same frames as
// WebsocketDialer, for private deployments and tests.
type Broker struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*brokerClient]struct{}
}

type brokerClient struct {
	conn   *websocket.Conn
	sendCh chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

// NewBroker creates a Broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*brokerClient]struct{}),
	}
}

// ServeHTTP upgrades the request and relays frames until the client leaves.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("Broker upgrade failed", zap.Error(err))
		return
	}
	c := &brokerClient{
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("Broker client joined", zap.String("clientID", r.URL.Query().Get("clientId")))

	done := make(chan struct{})
	go c.writePump(done)
	b.readPump(c)

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	close(done)
	conn.Close()
}

// Clients counts connected clients.
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client. Hijacked connections outlive
// http.Server shutdown, so callers close the broker as well.
func (b *Broker) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.conn.Close()
	}
}

func (b *Broker) readPump(c *brokerClient) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Topic == "" {
			continue
		}
		switch f.Op {
		case opSub:
			c.mu.Lock()
			c.topics[f.Topic] = true
			c.mu.Unlock()
		case opPub:
			out, err := json.Marshal(frame{Topic: f.Topic, Payload: f.Payload})
			if err != nil {
				continue
			}
			b.publish(f.Topic, out)
		}
	}
}

// publish fans a frame out to subscribers, dropping it for slow ones.
func (b *Broker) publish(topic string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.mu.Lock()
		ok := c.topics[topic]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case c.sendCh <- data:
		default:
		}
	}
}

func (c *brokerClient) writePump(done <-chan struct{}) {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
