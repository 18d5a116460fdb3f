package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 32
	recvBuffer   = 64
)

// ErrSessionClosed is returned when publishing on a closed session.
var ErrSessionClosed = errors.New("presence: session closed")

// Session is one live broker connection.
type Session interface {
	Subscribe(topic string) error
	Publish(topic string, payload []byte) error
	// Messages delivers payloads published on subscribed topics. It is
	// closed when the session ends; Err then reports why.
	Messages() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context, rawURL, clientID string) (Session, error)
}

// frame is the broker wire format.
type frame struct {
	Op      string          `json:"op,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	opSub = "sub"
	opPub = "pub"
)

// WebsocketDialer connects to a JSON pub/sub broker over websockets.
type WebsocketDialer struct {
	logger *zap.Logger
}

// NewWebsocketDialer creates a WebsocketDialer.
func NewWebsocketDialer(logger *zap.Logger) *WebsocketDialer {
	return &WebsocketDialer{logger: logger}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL, clientID string) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP status %s)", err, resp.Status)
		}
		return nil, err
	}
	s := newWSSession(conn, d.logger.With(zap.String("clientID", clientID)))
	s.start()
	return s, nil
}

type wsSession struct {
	conn   *websocket.Conn
	logger *zap.Logger
	msgs   chan []byte
	sendCh chan frame

	mu      sync.Mutex
	topics  map[string]bool
	closed  bool
	err     error
	closeCh chan struct{}
}

func newWSSession(conn *websocket.Conn, logger *zap.Logger) *wsSession {
	return &wsSession{
		conn:    conn,
		logger:  logger,
		msgs:    make(chan []byte, recvBuffer),
		sendCh:  make(chan frame, sendBuffer),
		topics:  make(map[string]bool),
		closeCh: make(chan struct{}),
	}
}

func (s *wsSession) start() {
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	go s.readPump()
	go s.writePump()
}

func (s *wsSession) Messages() <-chan []byte { return s.msgs }

func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSession) Subscribe(topic string) error {
	s.mu.Lock()
	s.topics[topic] = true
	s.mu.Unlock()
	return s.enqueue(frame{Op: opSub, Topic: topic})
}

func (s *wsSession) Publish(topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("presence: payload is not JSON")
	}
	return s.enqueue(frame{Op: opPub, Topic: topic, Payload: payload})
}

func (s *wsSession) enqueue(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("presence: send buffer full")
	}
}

func (s *wsSession) Close() error {
	s.shutdown(nil)
	return nil
}

// shutdown records the first terminal error and releases the socket.
func (s *wsSession) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.closeCh)
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.conn.Close()
}

func (s *wsSession) readPump() {
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Broker read error", zap.Error(err))
			}
			s.shutdown(fmt.Errorf("broker connection lost: %w", err))
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.mu.Lock()
		subscribed := s.topics[f.Topic]
		s.mu.Unlock()
		if !subscribed || len(f.Payload) == 0 {
			continue
		}
		select {
		case s.msgs <- []byte(f.Payload):
		case <-s.closeCh:
			return
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.sendCh:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(fmt.Errorf("broker write: %w", err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.shutdown(fmt.Errorf("broker ping: %w", err))
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
