// Package wsconn adapts a gorilla WebSocket to the newline-delimited byte
// stream that JSON-RPC peers expect.
//
// Each WebSocket message carries exactly one JSON-RPC message. On the read
// side the message is compacted onto one line and surfaced followed by a
// single '\n'; messages that are not JSON are dropped. On the write side
// every complete line becomes one text message.
package wsconn

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.Sentinel("wsconn: connection closed")

type Option func(*Conn)

// WithKeepalive sends a ping every interval and fails the read side when no
// pong arrives within wait.
func WithKeepalive(interval, wait time.Duration) Option {
	return func(c *Conn) {
		c.pingInterval = interval
		c.pongWait = wait
	}
}

// WithReadLimit caps the size of a single inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Conn is an io.ReadWriteCloser over a WebSocket connection. Read and Write
// may be called from different goroutines; Close may be called from any.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration
	readLimit    int64

	readMu  sync.Mutex
	readBuf []byte

	writeMu sync.Mutex
	pending bytes.Buffer

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	done      chan struct{}
}

var _ io.ReadWriteCloser = (*Conn)(nil)

func New(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:     ws,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readLimit > 0 {
		ws.SetReadLimit(c.readLimit)
	}
	if c.pingInterval > 0 {
		if c.pongWait <= 0 {
			c.pongWait = 2 * c.pingInterval
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongWait))
		})
		go c.keepalive()
	}
	return c
}

// Done is closed once the connection has been closed, locally or after a
// transport failure.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the error that terminated the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		if err := c.Err(); err != nil {
			return 0, err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, c.fail(readError(err))
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		// the peer reads line by line, so a pretty-printed message must
		// arrive on a single line
		var line bytes.Buffer
		if err := json.Compact(&line, data); err != nil {
			c.logger.Warn("dropping websocket message that is not JSON", "error", err, "size", len(data))
			continue
		}
		line.WriteByte('\n')
		c.readBuf = line.Bytes()
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Err(); err != nil {
		return 0, err
	}
	c.pending.Write(p)
	for {
		idx := bytes.IndexByte(c.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(c.pending.Next(idx + 1))
		if len(line) == 0 {
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, line); err != nil {
			return 0, c.fail(errors.Wrapf(err, "websocket write"))
		}
	}
	return len(p), nil
}

// Close sends a normal-closure frame and closes the socket.
func (c *Conn) Close() error {
	return c.CloseWithError(websocket.CloseNormalClosure, "")
}

// CloseWithError closes the connection with the given close code and reason.
// Only the first call has an effect.
func (c *Conn) CloseWithError(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil && werr != websocket.ErrCloseSent {
			c.logger.Debug("close frame not sent", "error", werr)
		}
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongWait)); err != nil {
				c.fail(errors.Wrapf(err, "websocket ping"))
				return
			}
		}
	}
}

// fail records err as the terminal error and closes the socket.
func (c *Conn) fail(err error) error {
	c.setErr(err)
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		close(c.done)
	})
	return c.Err()
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return io.EOF
		}
		return errors.Wrapf(err, "websocket closed by peer")
	}
	return errors.Wrapf(err, "websocket read")
}
