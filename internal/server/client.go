package server

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/ticko-relay/internal/relay"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	closeGracePeriod = time.Second
)

// Client is one websocket connection. It implements relay.Peer: the hub
// queues frames through Send and the write pump drains them; the read pump
// feeds inbound frames to the connection's relay session.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	session        *relay.Session
	addr           string
	log            *zap.Logger
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client for conn using the active configuration. The
// client's send channel is buffered to absorb bursts of outbound frames.
func NewClient(conn *websocket.Conn, addr string, log *zap.Logger) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		addr:           addr,
		log:            log.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		done:           make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues frame for the write pump without blocking.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return relay.ErrPeerClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return relay.ErrSendBufferFull
	}
}

// Close marks the client closed and returns at once. The close frame and the
// socket close happen on their own goroutine, since the write pump may hold
// the connection's write lock on a stalled socket. Once the socket is gone
// the read pump closes the relay session.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()

		if c.conn != nil {
			go c.closeConn()
		}
	})
	return nil
}

// closeConn sends a going-away close frame and closes the socket.
func (c *Client) closeConn() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(closeGracePeriod))
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close websocket", zap.Error(err))
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Info("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.log.Warn("rate limit exceeded; discarding frame",
			zap.Int("burst", c.rateLimit.Burst), zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage hands one frame to the session. It returns false once the
// session is closed.
func (c *Client) processMessage(raw []byte) bool {
	err := c.session.Handle(raw)
	if err == nil {
		return true
	}
	if errors.Is(err, relay.ErrPeerClosed) {
		return false
	}
	c.log.Debug("frame rejected", zap.Error(err))
	return true
}

func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		c.session.Close()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.done:
		return false
	case frame := <-c.send:
		return c.writeFrame(frame)
	case <-ticker.C:
		return c.handlePing()
	}
}

// writeFrame writes one envelope per text frame.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write frame", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write ping", zap.Error(err))
		}
		return false
	}
	return true
}

// run starts both pumps and tracks them in wg.
func (c *Client) run(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
}
