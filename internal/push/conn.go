// Package push is the WebSocket transport for the backend push channel.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/smartlink/internal/nets"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the server rejects the handshake credentials.
var ErrUnauthorized = errors.New("push handshake unauthorized")

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("push link closed")

// Link is one live push connection. ReadFrame must be called from a single
// goroutine; WriteFrame and Close are safe for concurrent use.
type Link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Options tunes the transport. Zero values take the defaults below.
type Options struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxFrameBytes    int64
	NetDial          nets.Dialer
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultMaxFrameBytes    = 512 * 1024
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	return o
}

// Dialer opens push links.
type Dialer struct {
	opts   Options
	ws     *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts Options, logger *zap.Logger) *Dialer {
	opts = opts.withDefaults()
	ws := &websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if opts.NetDial != nil {
		ws.NetDialContext = opts.NetDial.DialContext
		ws.Proxy = nil
	}
	return &Dialer{opts: opts, ws: ws, logger: logger.Named("push")}
}

// Dial connects to endpoint as userID, presenting token as a bearer credential.
func (d *Dialer) Dial(ctx context.Context, endpoint, token, userID string) (Link, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse push endpoint: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.ws.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", u.Host, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c := &Conn{
		ws:   ws,
		opts: d.opts,
		done: make(chan struct{}),
	}
	ws.SetReadLimit(d.opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})
	go c.pingLoop()

	d.logger.Debug("push link open", zap.String("host", u.Host))
	return c, nil
}

// Conn is a gorilla WebSocket link with a ping heartbeat.
type Conn struct {
	ws        *websocket.Conn
	opts      Options
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// ReadFrame blocks until the next text or binary frame arrives.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame sends one text frame, bounded by the write wait and ctx.
func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// IsNormalClose reports whether err is a clean close of the link.
func IsNormalClose(err error) bool {
	return errors.Is(err, ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
