// Package ws wraps gorilla websocket connections used for live log streaming.
package ws

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxLineBytes = 64 << 10
)

// Client represents a websocket client connection. Writes are serialized.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewClient constructs a client wrapper and starts watching for the peer going away.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{conn: conn, log: logger, done: make(chan struct{})}
	go c.readLoop()
	return c
}

// readLoop drains control frames; the browser never sends data on a log stream.
func (c *Client) readLoop() {
	defer c.markDone()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) markDone() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the peer disconnects or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		return err
	}
	return nil
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal closure frame with reason and terminates the connection.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.conn.Close()
	c.markDone()
}

// StreamLines forwards each line read from r as one message until r is exhausted,
// ctx is cancelled or the peer disconnects. Pings keep idle streams alive.
func StreamLines(ctx context.Context, r io.Reader, c *Client) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 4096), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.Done():
				readErr <- nil
				return
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		case line := <-lines:
			if err := c.Send([]byte(line)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return err
			}
		}
	}
}
