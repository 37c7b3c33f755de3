package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentstream/internal/core/ports"
	"agentstream/internal/infrastructure/datachannel"
	"agentstream/pkg/auth"
	"agentstream/pkg/tracing"
)

var ErrNotConnected = errors.New("control socket not connected")

type SocketConfig struct {
	URL              string
	AuthToken        string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// ControlSocket is the client side of the notification websocket. Frames are
// JSON objects with an "event" field; each one is fanned out to every
// subscriber on the read goroutine.
type ControlSocket struct {
	config SocketConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
	now    func() time.Time

	mu          sync.RWMutex
	conn        *websocket.Conn
	done        chan struct{}
	subscribers map[int]func(ports.SocketEvent)
	nextID      int

	writeMu sync.Mutex
}

func NewControlSocket(config SocketConfig, logger *zap.SugaredLogger) *ControlSocket {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ControlSocket{
		config:      config,
		dialer:      &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[int]func(ports.SocketEvent)),
	}
}

// Connect dials once. An already open socket is kept.
func (c *ControlSocket) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	if err := auth.CheckExpiry(c.config.AuthToken, c.now()); err != nil {
		return fmt.Errorf("control socket auth: %w", err)
	}

	target, err := url.Parse(c.config.URL)
	if err != nil {
		return fmt.Errorf("invalid socket url: %w", err)
	}
	q := target.Query()
	q.Set("authorization", c.config.AuthToken)
	target.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		return nil
	})

	done := make(chan struct{})
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	c.logger.Infow("Control socket connected", "host", target.Host)

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	return nil
}

// Subscribe registers a handler for every frame and returns its remover.
func (c *ControlSocket) Subscribe(handler func(ports.SocketEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *ControlSocket) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes a JSON frame.
func (c *ControlSocket) Send(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteJSON(v)
}

func (c *ControlSocket) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.config.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *ControlSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.drop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warnw("Control socket read failed", "error", err)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		c.dispatch(data)
	}
}

func (c *ControlSocket) dispatch(data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warnw("Dropping malformed socket frame", "error", err, "size", len(data))
		return
	}
	event, _ := payload["event"].(string)
	if event == "" {
		c.logger.Debugw("Dropping socket frame without event")
		return
	}

	_, span := tracing.TraceSocketEvent(context.Background(), event)
	defer span.End()

	ev := ports.SocketEvent{
		Event:   event,
		Message: datachannel.DecodeSocketFrame(event, payload),
		Raw:     data,
	}

	c.mu.RLock()
	handlers := make([]func(ports.SocketEvent), 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *ControlSocket) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Infow("Error sending ping", "error", err)
				return
			}
		}
	}
}

// drop forgets a connection that ended on its own.
func (c *ControlSocket) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
		c.logger.Infow("Control socket disconnected")
	}
	c.mu.Unlock()
	conn.Close()
}
