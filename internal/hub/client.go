package hub

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
	maxMessageSize = 64 * 1024
)

// Client is one live websocket connection bound to an authenticated user.
// A user may hold several clients at once (one per device).
type Client struct {
	ID      string
	UserID  string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  sync.Once
	Limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

func NewClient(id, userID string, conn *websocket.Conn, perMinute int, logger *zap.SugaredLogger) *Client {
	return &Client{
		ID:      id,
		UserID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		Limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1),
		logger:  logger,
	}
}

// Send enqueues a pre-marshaled frame. A full buffer drops the frame rather
// than blocking the delivery path; the peer recovers state via history.
func (c *Client) Send(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	default:
		c.logger.Warnw("send buffer full, dropping frame", "user_id", c.UserID, "conn_id", c.ID)
	}
}

// Close stops the write pump and closes the socket. Idempotent: connection
// teardown and a server-wide shutdown may both reach here.
func (c *Client) Close() {
	c.closed.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// WritePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// ReadLimit returns the maximum inbound frame size enforced on the socket.
func (c *Client) ReadLimit() int64 { return maxMessageSize }

// Conn exposes the underlying socket for the read loop.
func (c *Client) Conn() *websocket.Conn { return c.conn }
