// Package transport carries realtime frames between this client and the
// messaging backend. The connection layer sees only the Dialer and Conn
// interfaces; the websocket implementation, codecs and endpoint preference
// policy live here.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/rtcomm/internal/util"
)

const (
	// writeWait is the maximum time a single frame write may take.
	writeWait = util.DefaultWriteTimeout

	// pongWait is how long the read side waits for any traffic (including a
	// pong) before the connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames; SDP blobs are the largest thing sent here.
	maxFrameSize = 256 << 10
)

// ErrUnauthorized is returned by Dial when the backend rejects the credential.
var ErrUnauthorized = errors.New("transport: credential rejected")

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live transport connection.
type Conn interface {
	// ReadFrame blocks for the next inbound frame.
	ReadFrame() (event string, data []byte, err error)
	WriteFrame(ctx context.Context, event string, data any) error
	Codec() Codec
	// Endpoint is the URL this connection was established to.
	Endpoint() string
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the endpoints of a Policy in preference order.
type WebsocketDialer struct {
	policy *Policy
	ws     *websocket.Dialer

	// TokenParam is the query parameter the credential is sent in, in
	// addition to the Authorization header. Empty disables the query form.
	TokenParam string

	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewWebsocketDialer creates a dialer over policy.
func NewWebsocketDialer(policy *Policy) *WebsocketDialer {
	return &WebsocketDialer{
		policy: policy,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: util.DefaultDialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		TokenParam: "token",
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// SetKeepalive overrides the ping period and read deadline.
func (d *WebsocketDialer) SetKeepalive(ping, pong time.Duration) {
	if ping <= 0 || pong <= ping {
		return
	}
	d.pingPeriod, d.pongWait = ping, pong
}

// Dial tries every endpoint in preference order and returns the first
// connection that completes the handshake. A credential rejection stops the
// walk immediately since every endpoint shares the same backend auth.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	var errs []error
	for _, ep := range d.policy.Order() {
		c, err := d.dialOne(ctx, ep, token)
		if err == nil {
			d.policy.Succeeded(ep.URL)
			return c, nil
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, err
		}
		log.Printf("TRANSPORT: %s unreachable: %v", ep.URL, err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (d *WebsocketDialer) dialOne(ctx context.Context, ep Endpoint, token string) (Conn, error) {
	codec, err := CodecByName(ep.Codec)
	if err != nil {
		return nil, err
	}

	target := ep.URL
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
		if d.TokenParam != "" {
			u, err := url.Parse(ep.URL)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			q.Set(d.TokenParam, token)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	ws, resp, err := d.ws.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w (%s)", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", ep.URL, err)
	}

	c := &wsConn{
		ws:         ws,
		codec:      codec,
		endpoint:   ep.URL,
		pongWait:   d.pongWait,
		pingPeriod: d.pingPeriod,
		done:       make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.keepalive()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	codec    Codec
	endpoint string

	pongWait   time.Duration
	pingPeriod time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Codec() Codec      { return c.codec }
func (c *wsConn) Endpoint() string { return c.endpoint }

func (c *wsConn) ReadFrame() (string, []byte, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return "", nil, ErrClosed
			default:
			}
			return "", nil, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		event, data, err := c.codec.DecodeFrame(b)
		if err != nil {
			// One bad frame is not a dead connection.
			log.Printf("TRANSPORT: dropping undecodable frame from %s: %v", c.endpoint, err)
			continue
		}
		return event, data, nil
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, event string, data any) error {
	b, err := c.codec.EncodeFrame(event, data)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(c.codec.MessageType(), b)
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and releases the socket. Idempotent.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
